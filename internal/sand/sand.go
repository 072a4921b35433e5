// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sand is the freestanding bootstrap that runs inside a fresh
// guest task before the untrusted image's own code ever executes. It
// talks to the tracer just long enough to report that it is alive and
// to pick up its exec parameters, then installs the guest seccomp
// policy and execs away -- after that point the tracer drives
// everything else by trapping the exec'd program's own syscalls (spec
// §9, SPEC_FULL.md "stage-2 seccomp handoff").
//
// Everything here avoids growing allocations in the hot path: buffers
// are the ipc package's fixed-capacity Buffer, and the readiness wait
// uses a SIGIO-driven event loop rather than a goroutine blocked in a
// blocking read, so a single atomic flag is all the scheduling state
// this package needs.
package sand

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/sandrun/sandrun/ipc"
	"github.com/sandrun/sandrun/seccomp"
)

// ConnFd is the descriptor number the tracer hands a fresh guest its
// bootstrap socket on (Tracer.Spawn passes the socket as the child's
// first extra file). cmd/sand wraps this fixed number in an ipc.Conn
// and passes it to Run; no FD environment variable is read.
const ConnFd = 3

// Params is what the tracer's OpInit message points at: a small JSON
// document, read from the fd OpInit.Args names, with enough
// information to exec the real program once the handshake finishes.
type Params struct {
	Path string   `json:"path"`
	Argv []string `json:"argv"`
	Envp []string `json:"envp"`
}

// Run executes the full bootstrap sequence: report readiness, wait
// for the tracer's exec parameters, install the guest seccomp policy,
// and exec. It never returns on success -- syscall.Exec replaces the
// process image entirely.
func Run(conn *ipc.Conn) error {
	w := newWaiter(conn.Fd())
	defer w.stop()

	if err := conn.SendFromSand(ipc.MessageFromSand{
		Task: 0,
		Op:   ipc.OpLog{Level: ipc.LogInfo, Payload: "sand: bootstrap alive"},
	}); err != nil {
		return fmt.Errorf("sand: report alive: %w", err)
	}

	w.block()
	msg, err := conn.RecvToSand()
	if err != nil {
		return fmt.Errorf("sand: recv init: %w", err)
	}
	initOp, ok := msg.Op.(ipc.OpInit)
	if !ok {
		return fmt.Errorf("sand: expected OpInit, got %T", msg.Op)
	}

	params, err := readParams(initOp.Args)
	if err != nil {
		return fmt.Errorf("sand: read exec params: %w", err)
	}

	if err := seccomp.InstallGuestPolicy(); err != nil {
		return fmt.Errorf("sand: install guest policy: %w", err)
	}

	return syscall.Exec(params.Path, params.Argv, params.Envp)
}

// readParams decodes the JSON document the tracer wrote to the args
// fd before sending it across in the OpInit message's ancillary data.
func readParams(fd ipc.SysFd) (Params, error) {
	f := os.NewFile(uintptr(fd), "sandrun-args")
	defer f.Close()

	var p Params
	if err := json.NewDecoder(f).Decode(&p); err != nil {
		return Params{}, err
	}
	return p, nil
}

// waiter blocks the bootstrap goroutine on the bootstrap socket
// becoming readable using SIGIO rather than a blocking read, so the
// only state a signal handler touches is a single atomic flag.
type waiter struct {
	pending atomic.Bool
	sigCh   chan os.Signal
	wake    chan struct{}
}

func newWaiter(fd int) *waiter {
	w := &waiter{sigCh: make(chan os.Signal, 1), wake: make(chan struct{}, 1)}
	signal.Notify(w.sigCh, unix.SIGIO)

	_, _, _ = unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETOWN, uintptr(os.Getpid()))
	flags, _, _ := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_GETFL, 0)
	unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETFL, flags|unix.O_ASYNC)

	go w.listen()
	return w
}

// listen collapses however many SIGIOs arrive between block() calls
// into a single pending flag, so a burst of signals never piles up
// more than one wakeup.
func (w *waiter) listen() {
	for range w.sigCh {
		w.pending.Store(true)
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (w *waiter) stop() {
	signal.Stop(w.sigCh)
	close(w.sigCh)
}

// block waits for the socket's readability flag to go up, clearing it
// on the way out so a later call only returns once new data arrives.
func (w *waiter) block() {
	if w.pending.CompareAndSwap(true, false) {
		select {
		case <-w.wake:
		default:
		}
		return
	}
	<-w.wake
	w.pending.Store(false)
}
