// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sandrun/sandrun/image"
	"github.com/sandrun/sandrun/ipc"
	"github.com/sandrun/sandrun/vfs"
)

// Tracer owns every live Task and the single goroutine group that
// waits for their ptrace events, mirroring the cooperative
// single-threaded scheduling model spec §5 describes: one Go
// goroutine per task, synchronized only by each task's own wait4
// stream, with golang.org/x/sync/errgroup collecting the first fatal
// error across the whole fleet (SPEC_FULL.md "concurrency model").
type Tracer struct {
	log *logrus.Logger

	mu     sync.Mutex
	tasks  map[ipc.VPid]*Task
	nextID uint32
}

// NewTracer builds an empty Tracer. Callers add tasks with Spawn and
// drive their event loops with Run.
func NewTracer(log *logrus.Logger) *Tracer {
	if log == nil {
		log = logrus.New()
	}
	return &Tracer{log: log, tasks: make(map[ipc.VPid]*Task)}
}

func (tr *Tracer) allocVPid() ipc.VPid {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.nextID++
	return ipc.VPid(tr.nextID)
}

// Attach registers an already-forked, already-ptrace-attached child
// as a new root task (the entry point of a sandbox run) and returns
// its wrapper. The caller must have waited for the initial group-stop
// itself, since that handshake differs between a freshly forked child
// and one created via the clone trampoline (spec §5).
func (tr *Tracer) Attach(sysPid int, fs *vfs.FS, loader image.ImageLoader, storage image.ContentStorage) (*Task, error) {
	vpid := tr.allocVPid()
	conn, guestConn, err := ipc.SocketPair()
	if err != nil {
		return nil, fmt.Errorf("task: create bootstrap socketpair: %w", err)
	}
	_ = guestConn // the guest-side fd is installed into the child before exec by the caller's fork path

	t, err := New(vpid, 0, sysPid, conn, fs, loader, storage)
	if err != nil {
		return nil, err
	}

	tr.mu.Lock()
	tr.tasks[vpid] = t
	tr.mu.Unlock()
	return t, nil
}

// Detach removes a task from the live set, e.g. once it has exited
// and been reaped.
func (tr *Tracer) Detach(vpid ipc.VPid) {
	tr.mu.Lock()
	delete(tr.tasks, vpid)
	tr.mu.Unlock()
}

// Task looks up a live task by its virtual pid.
func (tr *Tracer) Task(vpid ipc.VPid) (*Task, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	t, ok := tr.tasks[vpid]
	return t, ok
}

// Run starts one event-loop goroutine per currently attached task and
// blocks until ctx is canceled or any task's loop returns an error.
func (tr *Tracer) Run(ctx context.Context) error {
	tr.mu.Lock()
	snapshot := make([]*Task, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		snapshot = append(snapshot, t)
	}
	tr.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, t := range snapshot {
		t := t
		entry := tr.log.WithFields(logrus.Fields{"vpid": t.VPid, "task_id": t.CorrelationID})
		g.Go(func() error {
			return tr.runTaskLoop(ctx, t, entry)
		})
	}
	return g.Wait()
}

func (tr *Tracer) runTaskLoop(ctx context.Context, t *Task, log *logrus.Entry) error {
	t.setState(Running)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if t.State() == Exited {
			return nil
		}

		sc, err := t.Remote.ReadTrappedSyscall()
		if err != nil {
			return fmt.Errorf("task %d: read trapped syscall: %w", t.VPid, err)
		}
		if err := t.Dispatch(sc, log); err != nil {
			return fmt.Errorf("task %d: dispatch: %w", t.VPid, err)
		}

		exited, code, err := t.Remote.ContinueToNextTrap()
		if err != nil {
			return fmt.Errorf("task %d: continue: %w", t.VPid, err)
		}
		if exited {
			t.MarkExited(int32(code))
			tr.Detach(t.VPid)
			return nil
		}
	}
}
