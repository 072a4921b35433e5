//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trampoline

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// syscallOpcode is the x86-64 `syscall` instruction, 0x0f 0x05.
var syscallOpcode = []byte{0x0f, 0x05}

// findSyscallInstruction scans pid's vdso mapping for an occurrence of
// the `syscall` opcode and returns its address. Every vdso built by
// glibc-compatible kernels carries at least one, since vdso functions
// such as clock_gettime fall back to a real syscall.
func findSyscallInstruction(pid int) (uint64, error) {
	lo, hi, err := vdsoRange(pid)
	if err != nil {
		return 0, err
	}

	mem, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", pid), os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("trampoline: open mem: %w", err)
	}
	defer mem.Close()

	buf := make([]byte, hi-lo)
	if _, err := mem.ReadAt(buf, int64(lo)); err != nil {
		return 0, fmt.Errorf("trampoline: read vdso: %w", err)
	}

	idx := indexOf(buf, syscallOpcode)
	if idx < 0 {
		return 0, fmt.Errorf("trampoline: no syscall opcode found in vdso")
	}
	return lo + uint64(idx), nil
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i] == needle[0] && haystack[i+1] == needle[1] {
			return i
		}
	}
	return -1
}

// vdsoRange returns the [start, end) address range of pid's vdso
// mapping, parsed from /proc/pid/maps the same way runtime/vdso
// lookups work in the Go standard library's own profiling code.
func vdsoRange(pid int) (lo, hi uint64, err error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, 0, fmt.Errorf("trampoline: open maps: %w", err)
	}
	defer f.Close()

	lo, hi, err = parseVdsoRange(f)
	if err != nil {
		return 0, 0, fmt.Errorf("trampoline: pid %d: %w", pid, err)
	}
	return lo, hi, nil
}

// parseVdsoRange scans a /proc/pid/maps-formatted stream for the
// [vdso] mapping's address range. Split out from vdsoRange so tests
// can exercise the parser against a fixed string instead of a real
// /proc file.
func parseVdsoRange(r io.Reader) (lo, hi uint64, err error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasSuffix(line, "[vdso]") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		parts := strings.SplitN(fields[0], "-", 2)
		if len(parts) != 2 {
			continue
		}
		lo, err = strconv.ParseUint(parts[0], 16, 64)
		if err != nil {
			return 0, 0, err
		}
		hi, err = strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			return 0, 0, err
		}
		return lo, hi, nil
	}
	if err := sc.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("no vdso mapping")
}
