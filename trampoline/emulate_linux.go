//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trampoline

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Pid returns the task's host pid.
func (r *Remote) Pid() int { return r.pid }

// TrappedSyscall is the syscall number and six argument registers a
// task was stopped with at a PTRACE_EVENT_SECCOMP trap (spec §4.4,
// the dispatch table's input).
type TrappedSyscall struct {
	Nr                     uint64
	A0, A1, A2, A3, A4, A5 uint64
}

// ReadTrappedSyscall inspects the task's current registers without
// modifying anything -- the first thing the dispatch loop does on
// every trap.
func (r *Remote) ReadTrappedSyscall() (TrappedSyscall, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(r.pid, &regs); err != nil {
		return TrappedSyscall{}, fmt.Errorf("trampoline: get regs: %w", err)
	}
	return TrappedSyscall{
		Nr: regs.Orig_rax,
		A0: regs.Rdi, A1: regs.Rsi, A2: regs.Rdx,
		A3: regs.R10, A4: regs.R8, A5: regs.R9,
	}, nil
}

// SkipAndReturn prevents the trapped syscall from ever executing and
// makes it appear to the task to have returned value instead. It does
// this by forcing orig_rax to -1 (the kernel's own "skip this
// syscall" convention) and single-stepping through the resulting
// entry/exit pair, writing value into rax once the task reaches the
// exit stop. This is how every emulated syscall in the dispatch table
// reports its result (spec §4.4 "the emulator never actually executes
// the syscall the guest asked for").
func (r *Remote) SkipAndReturn(value int64) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(r.pid, &regs); err != nil {
		return fmt.Errorf("trampoline: get regs: %w", err)
	}
	regs.Orig_rax = ^uint64(0)
	if err := unix.PtraceSetRegs(r.pid, &regs); err != nil {
		return fmt.Errorf("trampoline: set regs: %w", err)
	}

	if err := r.stepToSyscallStop(); err != nil {
		return fmt.Errorf("trampoline: step to skip-exit: %w", err)
	}

	if err := unix.PtraceGetRegs(r.pid, &regs); err != nil {
		return fmt.Errorf("trampoline: get regs after skip: %w", err)
	}
	regs.Rax = uint64(value)
	if err := unix.PtraceSetRegs(r.pid, &regs); err != nil {
		return fmt.Errorf("trampoline: set rax: %w", err)
	}
	return nil
}

// ContinueToNextTrap resumes the task and blocks until it stops again
// -- either a real PTRACE_EVENT_SECCOMP trap for an untrusted
// syscall, or the task's own exit. Exited is true exactly when the
// task is gone and there is nothing further to dispatch.
func (r *Remote) ContinueToNextTrap() (exited bool, exitCode int, err error) {
	if err := unix.PtraceCont(r.pid, 0); err != nil {
		return false, 0, fmt.Errorf("trampoline: cont: %w", err)
	}
	var status unix.WaitStatus
	for {
		wpid, err := unix.Wait4(r.pid, &status, 0, nil)
		if err != nil {
			return false, 0, fmt.Errorf("trampoline: wait4: %w", err)
		}
		if wpid != r.pid {
			continue
		}
		if status.Exited() {
			return true, status.ExitStatus(), nil
		}
		if status.Signaled() {
			return true, 128 + int(status.Signal()), nil
		}
		if status.Stopped() {
			return false, 0, nil
		}
	}
}
