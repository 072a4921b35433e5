// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command sandrun is the tracer: it loads an image, forks and
// ptrace-attaches the guest bootstrap stub, and drives the resulting
// task's syscall traps until it exits (spec §6 "Guest image entry").
//
// CLI argument parsing is intentionally minimal (flag from the
// standard library); image registry fetch, layer extraction, and a
// real argument grammar are explicitly out of scope here (SPEC_FULL.md
// Non-goals) and belong to a caller-supplied ImageLoader instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/sandrun/sandrun/image/localstore"
	"github.com/sandrun/sandrun/task"
	"github.com/sandrun/sandrun/vfs"
)

func main() {
	var (
		imageRoot = flag.String("image-root", ".", "directory of extracted image layouts")
		ref       = flag.String("ref", "", "image reference (subdirectory of -image-root)")
		stubPath  = flag.String("stub", "sand", "path to the guest bootstrap stub binary")
		logLevel  = flag.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
	)
	flag.Parse()

	log := logrus.New()
	if lvl, err := logrus.ParseLevel(*logLevel); err == nil {
		log.SetLevel(lvl)
	}

	if *ref == "" {
		fmt.Fprintln(os.Stderr, "sandrun: -ref is required")
		os.Exit(2)
	}

	if err := run(log, *imageRoot, *ref, *stubPath); err != nil {
		log.WithError(err).Error("sandrun: fatal")
		os.Exit(1)
	}
}

func run(log *logrus.Logger, imageRoot, ref, stubPath string) error {
	loader := localstore.NewDirLoader(imageRoot)
	store := localstore.NewStore(imageRoot)

	fs, entry, err := loader.Load(ref)
	if err != nil {
		return fmt.Errorf("load image %q: %w", ref, err)
	}

	entryKey := vfs.ContentKey(filepath.Join(ref, entry.Path))
	execPath, err := store.ResolvedPath(entryKey)
	if err != nil {
		return fmt.Errorf("resolve entry point: %w", err)
	}

	tr := task.NewTracer(log)
	t, err := tr.Spawn(stubPath, task.ExecParams{
		Path: execPath,
		Argv: entry.Argv,
		Envp: entry.Envp,
	}, fs, loader, store)
	if err != nil {
		return fmt.Errorf("spawn guest: %w", err)
	}
	log.WithFields(logrus.Fields{"vpid": t.VPid, "sys_pid": t.SysPid}).Info("sandrun: guest running")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := tr.Run(ctx); err != nil {
		return fmt.Errorf("run tracer: %w", err)
	}
	log.WithField("exit_code", t.ExitCode()).Info("sandrun: guest exited")
	return nil
}
