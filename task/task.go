// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package task owns the per-task state machine and the syscall
// dispatch table: it is the tracer-side half of the sandbox, turning
// ptrace-seccomp stops into virtual filesystem operations, image
// lookups, and injected trampoline calls (spec §5, §4.4).
package task

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sandrun/sandrun/image"
	"github.com/sandrun/sandrun/ipc"
	"github.com/sandrun/sandrun/trampoline"
	"github.com/sandrun/sandrun/vfs"
)

// State is a task's position in its lifecycle (spec §5).
type State int

const (
	// FreshFork is a task that has just forked and not yet had its
	// address space unmapped and image mapped in.
	FreshFork State = iota
	// Running is executing guest code, stopped only transiently at
	// syscall traps.
	Running
	// Handling is stopped mid-dispatch while the tracer emulates a
	// trapped syscall.
	Handling
	// Dying has been asked to exit and is draining its last events.
	Dying
	// Exited has a final exit code recorded and no further events.
	Exited
)

func (s State) String() string {
	switch s {
	case FreshFork:
		return "fresh-fork"
	case Running:
		return "running"
	case Handling:
		return "handling"
	case Dying:
		return "dying"
	case Exited:
		return "exited"
	default:
		return "unknown"
	}
}

// Arena describes the scratch region of a task's address space the
// tracer reserved for itself during bootstrap: a small staging buffer
// for fd-passing, and the brk-emulation range handed to the guest.
type Arena struct {
	ScratchAddr uintptr
	BrkBase     uintptr
	BrkCurrent  uintptr
	BrkLimit    uintptr
}

// Task is one traced guest process.
type Task struct {
	mu sync.Mutex

	VPid       ipc.VPid
	SysPid     int
	ParentVPid ipc.VPid

	// CorrelationID is a per-task token carried in every tracer log
	// line touching this task, so a single guest's syscalls are
	// greppable across a busy tracer's interleaved output even after
	// its SysPid is reused by an unrelated later task.
	CorrelationID string

	state State

	Conn   *ipc.Conn
	Remote *trampoline.Remote
	mem    *guestMem

	FS  *vfs.FS
	Cwd vfs.VFile

	LogLevel ipc.LogLevel
	Loader   image.ImageLoader
	Storage  image.ContentStorage

	Arena Arena

	exitCode int32
}

// New wraps a freshly forked, ptrace-attached child. The caller is
// responsible for having already waited for the child's initial
// ptrace stop.
func New(vpid ipc.VPid, parent ipc.VPid, sysPid int, conn *ipc.Conn, fs *vfs.FS, loader image.ImageLoader, storage image.ContentStorage) (*Task, error) {
	remote, err := trampoline.Attach(sysPid)
	if err != nil {
		return nil, fmt.Errorf("task: attach trampoline: %w", err)
	}
	mem, err := openGuestMem(sysPid)
	if err != nil {
		return nil, fmt.Errorf("task: open guest mem: %w", err)
	}
	root, err := fs.Open("/")
	if err != nil {
		return nil, fmt.Errorf("task: resolve root: %w", err)
	}
	return &Task{
		VPid:          vpid,
		ParentVPid:    parent,
		SysPid:        sysPid,
		CorrelationID: uuid.NewString(),
		state:         FreshFork,
		Conn:       conn,
		Remote:     remote,
		mem:        mem,
		FS:         fs,
		Cwd:        root,
		LogLevel:   ipc.LogInfo,
		Loader:     loader,
		Storage:    storage,
	}, nil
}

// Close releases host-side resources the tracer holds for this task
// (the guest's own fd table dies with the process itself).
func (t *Task) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mem != nil {
		_ = t.mem.Close()
	}
	return t.Conn.Close()
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// MarkExited records a task's final exit code and transitions it out
// of the live set. It is idempotent: a task already Exited keeps its
// first-recorded code (spec §5, "the wait4 loop and an explicit exit
// syscall can race to report the same death").
func (t *Task) MarkExited(code int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Exited {
		return
	}
	t.exitCode = code
	t.state = Exited
}

func (t *Task) ExitCode() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}
