//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trampoline

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Remote drives injected syscalls against a single ptrace-stopped
// task. Its pid must currently be stopped at a syscall-entry trap
// (spec §5, the only place a task is ever addressable this way).
type Remote struct {
	pid   int
	entry uint64
}

// Attach locates the task's vdso syscall instruction once, so every
// subsequent Syscall6 call can reuse it instead of re-scanning
// /proc/pid/maps.
func Attach(pid int) (*Remote, error) {
	entry, err := findSyscallInstruction(pid)
	if err != nil {
		return nil, err
	}
	return &Remote{pid: pid, entry: entry}, nil
}

// Syscall6 injects nr(args...) into the task and returns its raw
// return value (negative errno encoded per the kernel ABI, as
// returned directly in Rax). The task's registers are restored to
// their pre-call state and its Rip is left on the vdso syscall
// instruction, which doubles as the next syscall-entry trap -- the
// "sentinel syscall" re-synchronization spec §5 describes.
func (r *Remote) Syscall6(nr uint64, a0, a1, a2, a3, a4, a5 uint64) (int64, error) {
	saved, err := saveRegs(r.pid)
	if err != nil {
		return 0, fmt.Errorf("trampoline: save regs: %w", err)
	}

	args := [6]uint64{a0, a1, a2, a3, a4, a5}
	if err := setSyscallRegs(r.pid, r.entry, nr, args); err != nil {
		return 0, fmt.Errorf("trampoline: set regs: %w", err)
	}

	// PTRACE_SYSCALL runs until the next syscall-entry or -exit stop.
	// Rip is already sitting exactly on the syscall instruction, so the
	// very first stop is this injected call's own entry trap.
	if err := r.stepToSyscallStop(); err != nil {
		return 0, err
	}
	// The second stop is the matching exit trap, with the result in Rax.
	if err := r.stepToSyscallStop(); err != nil {
		return 0, err
	}

	ret, err := readReturnValue(r.pid)
	if err != nil {
		return 0, fmt.Errorf("trampoline: read result: %w", err)
	}

	if err := saved.restore(r.pid); err != nil {
		return 0, fmt.Errorf("trampoline: restore regs: %w", err)
	}
	return ret, nil
}

func (r *Remote) stepToSyscallStop() error {
	if err := unix.PtraceSyscall(r.pid, 0); err != nil {
		return fmt.Errorf("trampoline: ptrace syscall: %w", err)
	}
	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(r.pid, &status, 0, nil)
		if err != nil {
			return fmt.Errorf("trampoline: wait4: %w", err)
		}
		if wpid != r.pid {
			continue
		}
		if status.Exited() || status.Signaled() {
			return fmt.Errorf("trampoline: task %d died mid-injection", r.pid)
		}
		if status.Stopped() {
			return nil
		}
	}
}
