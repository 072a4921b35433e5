//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import (
	"fmt"
	"os"
)

// guestMem gives the tracer direct read/write access to a task's
// address space through /proc/pid/mem. This is distinct from
// trampoline's injected syscalls: it never runs any instruction in
// the task, so it is safe to use even while staging the scratch
// buffers an injected sendmsg/recvmsg will later read or fill.
type guestMem struct {
	f *os.File
}

func openGuestMem(pid int) (*guestMem, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("task: open mem: %w", err)
	}
	return &guestMem{f: f}, nil
}

func (m *guestMem) Close() error { return m.f.Close() }

func (m *guestMem) Read(addr uintptr, buf []byte) error {
	n, err := m.f.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("task: read guest mem at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("task: short read of guest mem at %#x: got %d want %d", addr, n, len(buf))
	}
	return nil
}

func (m *guestMem) Write(addr uintptr, buf []byte) error {
	n, err := m.f.WriteAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("task: write guest mem at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("task: short write of guest mem at %#x: got %d want %d", addr, n, len(buf))
	}
	return nil
}

// ReadCString reads a NUL-terminated string starting at addr, up to
// maxLen bytes, used to pull path arguments out of a trapped
// syscall's registers.
func (m *guestMem) ReadCString(addr uintptr, maxLen int) (string, error) {
	const chunk = 64
	buf := make([]byte, 0, chunk)
	tmp := make([]byte, chunk)
	for len(buf) < maxLen {
		n := chunk
		if len(buf)+n > maxLen {
			n = maxLen - len(buf)
		}
		if err := m.Read(addr+uintptr(len(buf)), tmp[:n]); err != nil {
			return "", err
		}
		for i, b := range tmp[:n] {
			if b == 0 {
				return string(append(buf, tmp[:i]...)), nil
			}
		}
		buf = append(buf, tmp[:n]...)
	}
	return "", fmt.Errorf("task: string at %#x exceeds %d bytes without a NUL", addr, maxLen)
}
