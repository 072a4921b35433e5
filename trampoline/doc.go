// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package trampoline lets a tracer inject a syscall into a ptrace-stopped
// task and recover the result without ever letting the task's own
// instruction stream run.
//
// A task only ever stops at a syscall-entry trap (the seccomp guest
// policy traps every syscall not on the always-safe list). To run a
// different syscall on the task's behalf, the tracer overwrites the
// syscall number and argument registers, resumes the task with
// PTRACE_SYSCALL through the kernel's syscall-entry and syscall-exit
// stops, reads back the return value in Rax,
// and restores the task's original registers -- exactly as if nothing
// had happened from the task's point of view.
//
// Re-synchronizing back to a syscall-entry trap after the injected
// call requires the task's instruction pointer to land on a `syscall`
// opcode again. Rather than patch task memory (which a well-behaved
// guest may have mapped read-only or may be actively executing),
// trampoline locates an existing `syscall` instruction inside the
// process's vdso mapping and repoints Rip there for every injected
// call. This is the same trick gvisor's ptrace platform uses to drive
// its stub processes
// (other_examples/42d0cd13_Talismancer-gvisor-ligolo__pkg-sentry-platform-ptrace-subprocess_linux.go.go),
// adapted here to avoid a private stub binary: sandrun borrows a
// syscall instruction already mapped into the traced task itself.
package trampoline
