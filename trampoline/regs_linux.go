//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trampoline

import "golang.org/x/sys/unix"

// savedRegs is a snapshot of a task's general-purpose registers, taken
// before an injected syscall and restored immediately after.
type savedRegs struct {
	regs unix.PtraceRegs
}

func saveRegs(pid int) (*savedRegs, error) {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &r); err != nil {
		return nil, err
	}
	return &savedRegs{regs: r}, nil
}

func (s *savedRegs) restore(pid int) error {
	return unix.PtraceSetRegs(pid, &s.regs)
}

// setSyscallRegs points rip at entry and loads the syscall number plus
// up to six arguments into the ABI argument registers.
func setSyscallRegs(pid int, entry uint64, nr uint64, args [6]uint64) error {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &r); err != nil {
		return err
	}
	r.Rip = entry
	r.Orig_rax = nr
	r.Rax = nr
	r.Rdi = args[0]
	r.Rsi = args[1]
	r.Rdx = args[2]
	r.R10 = args[3]
	r.R8 = args[4]
	r.R9 = args[5]
	return unix.PtraceSetRegs(pid, &r)
}

func readReturnValue(pid int) (int64, error) {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &r); err != nil {
		return 0, err
	}
	return int64(r.Rax), nil
}

func currentRip(pid int) (uint64, error) {
	var r unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &r); err != nil {
		return 0, err
	}
	return r.Rip, nil
}
