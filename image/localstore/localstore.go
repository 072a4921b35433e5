// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package localstore is a ContentStorage backed by a directory of
// blobs on the local filesystem, each addressed by its path relative
// to that directory, and the demo ImageLoader that populates a vfs.FS
// from a directory holding a small JSON manifest. It exists as a
// runnable example of the image package's two interfaces, grounded the way the teacher's own zipfs and
// unionfs packages wrap a concrete backing store behind a small
// filesystem-facing API.
package localstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/sandrun/sandrun/image"
	"github.com/sandrun/sandrun/vfs"
)

// Store reads content-addressed blobs named "<root>/<key>" off disk.
// afero.Fs handles the existence/size bookkeeping so path safety is
// checked the same way regardless of whether root is a real directory
// or (in tests) an in-memory filesystem; the final content handle
// still goes through a real os.Open, since ContentStorage hands the
// tracer a kernel fd it can pass into a guest task via SCM_RIGHTS, and
// an in-memory afero file has no such fd.
type Store struct {
	afs  afero.Fs
	root string
}

// NewStore returns a Store rooted at dir on the real filesystem.
func NewStore(dir string) *Store {
	return &Store{afs: afero.NewOsFs(), root: dir}
}

// NewStoreWithFs is the test-facing constructor: it lets tests swap in
// an afero.MemMapFs for the bookkeeping half of Store, while Open
// still requires root to be a real directory (the fd-passing contract
// cannot be satisfied by an in-memory file).
func NewStoreWithFs(afs afero.Fs, dir string) *Store {
	return &Store{afs: afs, root: dir}
}

func (s *Store) path(key vfs.ContentKey) (string, error) {
	if key == "" {
		return "", fmt.Errorf("localstore: empty content key")
	}
	clean := filepath.Clean(string(key))
	if clean == ".." || filepath.IsAbs(clean) || len(clean) >= 2 && clean[:2] == ".." {
		return "", fmt.Errorf("localstore: unsafe content key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Size returns a blob's length, per the ContentStorage contract.
func (s *Store) Size(key vfs.ContentKey) (int64, error) {
	p, err := s.path(key)
	if err != nil {
		return 0, err
	}
	info, err := s.afs.Stat(p)
	if err != nil {
		return 0, fmt.Errorf("localstore: stat %s: %w", key, err)
	}
	return info.Size(), nil
}

// Open returns a real, read-only file descriptor for key's bytes.
func (s *Store) Open(key vfs.ContentKey) (*os.File, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", key, err)
	}
	return f, nil
}

// ResolvedPath exposes key's real on-disk path. It has no place in
// the ContentStorage interface itself (a non-filesystem-backed store
// could never implement it), but cmd/sandrun's demo loader uses it to
// hand the guest stub a real execve path for the image entry point
// instead of threading another fd through the bootstrap handshake.
func (s *Store) ResolvedPath(key vfs.ContentKey) (string, error) {
	return s.path(key)
}

var _ image.ContentStorage = (*Store)(nil)
