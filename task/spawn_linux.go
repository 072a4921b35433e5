//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sandrun/sandrun/image"
	"github.com/sandrun/sandrun/ipc"
	"github.com/sandrun/sandrun/vfs"
)

// ExecParams is the exec(2) arguments the guest stub reads out of its
// OpInit args fd once it has reported itself alive. It mirrors
// internal/sand.Params field for field without importing that
// package, since the tracer and the freestanding guest stub are built
// as entirely separate binaries.
type ExecParams struct {
	Path string   `json:"path"`
	Argv []string `json:"argv"`
	Envp []string `json:"envp"`
}

// Spawn forks the guest bootstrap stub at stubPath, attaches to it via
// ptrace before its own code ever runs, and registers it with the
// tracer as a new root task. It blocks until the stub has reported
// itself alive and been handed exec's real arguments, but returns
// before the stub has actually exec'd the untrusted program -- the
// event loop started by Run is what drives it the rest of the way
// (spec §5, "the fork handshake").
func (tr *Tracer) Spawn(stubPath string, params ExecParams, fs *vfs.FS, loader image.ImageLoader, storage image.ContentStorage) (*Task, error) {
	conn, guestConn, err := ipc.SocketPair()
	if err != nil {
		return nil, fmt.Errorf("task: create bootstrap socketpair: %w", err)
	}

	guestFile := os.NewFile(uintptr(guestConn.Fd()), "sand-guest-conn")
	defer guestFile.Close()

	cmd := exec.Command(stubPath)
	cmd.ExtraFiles = []*os.File{guestFile}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:    true,
		Pdeathsig: syscall.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("task: start guest stub: %w", err)
	}
	sysPid := cmd.Process.Pid

	// Ptrace(true) leaves the child stopped at the trap that follows
	// its own execve, the same way it would for a debugger attaching
	// pre-exec.
	var status unix.WaitStatus
	if _, err := unix.Wait4(sysPid, &status, 0, nil); err != nil {
		return nil, fmt.Errorf("task: wait for initial stop: %w", err)
	}
	if !status.Stopped() {
		return nil, fmt.Errorf("task: guest stub did not stop on exec (status %v)", status)
	}
	if err := unix.PtraceSetOptions(sysPid, unix.PTRACE_O_TRACESECCOMP|unix.PTRACE_O_EXITKILL); err != nil {
		return nil, fmt.Errorf("task: set ptrace options: %w", err)
	}

	vpid := tr.allocVPid()
	t, err := New(vpid, 0, sysPid, conn, fs, loader, storage)
	if err != nil {
		return nil, err
	}

	// The stub has not yet installed its own seccomp policy, so
	// PTRACE_O_TRACESECCOMP cannot fire for it; resuming it here just
	// lets it run its bootstrap handshake.
	if err := unix.PtraceCont(sysPid, 0); err != nil {
		return nil, fmt.Errorf("task: resume guest stub: %w", err)
	}

	alive, err := conn.RecvFromSand()
	if err != nil {
		return nil, fmt.Errorf("task: await stub alive report: %w", err)
	}
	if _, ok := alive.Op.(ipc.OpLog); !ok {
		return nil, fmt.Errorf("task: expected stub alive report, got %T", alive.Op)
	}

	argsFile, err := memfdParams(params)
	if err != nil {
		return nil, fmt.Errorf("task: stage exec params: %w", err)
	}
	defer argsFile.Close()

	if err := conn.SendToSand(ipc.MessageToSand{
		Task: vpid,
		Op:   ipc.OpInit{Args: ipc.SysFd(argsFile.Fd())},
	}); err != nil {
		return nil, fmt.Errorf("task: send init: %w", err)
	}

	t.setState(Running)
	tr.mu.Lock()
	tr.tasks[vpid] = t
	tr.mu.Unlock()
	return t, nil
}

// memfdParams stages params as a JSON document in an anonymous,
// seekable in-memory file so the guest stub can read it as an
// ordinary fd once it arrives via SCM_RIGHTS.
func memfdParams(params ExecParams) (*os.File, error) {
	fd, err := unix.MemfdCreate("sandrun-exec-params", 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	f := os.NewFile(uintptr(fd), "sandrun-exec-params")

	payload, err := json.Marshal(params)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
