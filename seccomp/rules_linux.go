//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package seccomp

import "golang.org/x/sys/unix"

// alwaysSafe is the base rule list both policies share (spec §4.2):
// I/O on existing descriptors, memory management that does not touch
// the guest, and the process/signal plumbing the tracer itself needs.
var alwaysSafe = []Rule{
	{Syscall: unix.SYS_READ, Action: ActionAllow},
	{Syscall: unix.SYS_WRITE, Action: ActionAllow},
	{Syscall: unix.SYS_CLOSE, Action: ActionAllow},
	{Syscall: unix.SYS_PREAD64, Action: ActionAllow},
	{Syscall: unix.SYS_PWRITE64, Action: ActionAllow},
	{Syscall: unix.SYS_MMAP, Action: ActionAllow},
	{Syscall: unix.SYS_MUNMAP, Action: ActionAllow},
	{Syscall: unix.SYS_MREMAP, Action: ActionAllow},
	{Syscall: unix.SYS_MADVISE, Action: ActionAllow},
	{Syscall: unix.SYS_GETPID, Action: ActionAllow},
	{Syscall: unix.SYS_GETTID, Action: ActionAllow},
	{Syscall: unix.SYS_WAITID, Action: ActionAllow},
	{Syscall: unix.SYS_WAIT4, Action: ActionAllow},
	{Syscall: unix.SYS_PTRACE, Action: ActionAllow},
	{Syscall: unix.SYS_EXECVE, Action: ActionAllow},
	{Syscall: unix.SYS_PRCTL, Action: ActionAllow},
	{Syscall: unix.SYS_ARCH_PRCTL, Action: ActionAllow},
	{Syscall: unix.SYS_EXIT, Action: ActionAllow},
	{Syscall: unix.SYS_EXIT_GROUP, Action: ActionAllow},
	{Syscall: unix.SYS_RT_SIGRETURN, Action: ActionAllow},
	{Syscall: unix.SYS_SIGALTSTACK, Action: ActionAllow},
	{Syscall: unix.SYS_GETRANDOM, Action: ActionAllow},
	{Syscall: unix.SYS_SOCKETPAIR, Action: ActionAllow},
	{Syscall: unix.SYS_SENDMSG, Action: ActionAllow},
	{Syscall: unix.SYS_RECVMSG, Action: ActionAllow},
}

// TracerPolicy is installed by the tracer process itself. Every
// syscall outside the always-safe base traps (RET_TRACE); with no
// ptrace attached yet the kernel converts that to ENOSYS, which is
// what early tracer startup code wants (spec §4.2).
func TracerPolicy() Policy {
	return Policy{Base: alwaysSafe, Default: ActionTrace}
}

// GuestPolicy is installed by the guest stub as the very last action
// before handing off to the untrusted program image. It shares the
// same base list, adds a hard deny on ptrace (a guest must never
// trace anything), and traps everything else to the tracer for
// emulation (spec §4.2).
func GuestPolicy() Policy {
	return Policy{
		Base: alwaysSafe,
		Override: []Rule{
			{Syscall: unix.SYS_PTRACE, Action: ActionKillProcess},
		},
		Default: ActionTrace,
	}
}
