// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package image declares the two external collaborator contracts a
// runtime must satisfy to run a real container image: looking up what
// to execute, and handing back real, open, read-only file descriptors
// for file content addressed by the virtual filesystem's opaque
// content keys (spec §6 "External interfaces").
package image

import (
	"os"

	"github.com/sandrun/sandrun/vfs"
)

// EntryPoint is what a loaded image resolves to: the path sandrun
// should execve inside the guest, plus the argv/envp to hand it.
type EntryPoint struct {
	Path string
	Argv []string
	Envp []string
}

// ImageLoader resolves an image reference (e.g. a registry tag or a
// local OCI layout path) to a populated vfs.FS and the program to run
// in it. Implementations own pulling, layer extraction, and manifest
// parsing; the runtime only ever sees the result (spec §6, Non-goal:
// "sandrun itself does not know how to talk to a registry").
type ImageLoader interface {
	Load(ref string) (*vfs.FS, EntryPoint, error)
}

// ContentStorage hands back a real, open, read-only file descriptor
// for the bytes a vfs.ContentKey names. The tracer passes that fd
// into the guest task via the fd-passing trampoline rather than ever
// copying file content through itself (spec §6, §9).
type ContentStorage interface {
	Open(key vfs.ContentKey) (*os.File, error)
	Size(key vfs.ContentKey) (int64, error)
}
