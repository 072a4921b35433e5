// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfs

import "github.com/sandrun/sandrun/sandrunerr"

// Open resolves path from root, following symlinks both mid-path and
// at the tail (spec §4.1 public contract).
func (fs *FS) Open(path string) (VFile, error) {
	return fs.openFrom(RootIno, path, true)
}

// OpenAt resolves path starting at dir's inode instead of root,
// following symlinks both mid-path and at the tail. dir must itself
// be a directory. This backs openat's cwd-relative semantics (spec
// §4.4 dispatch table: "openat only supports cwd-relative").
func (fs *FS) OpenAt(dir VFile, path string) (VFile, error) {
	return fs.openFrom(dir.Ino, path, true)
}

// Lstat resolves path like Open but does not follow a tail symlink,
// so the returned handle names the link itself when path's last
// component is one (spec §4.1: "so that... lstat(symlink) does not"
// follow).
func (fs *FS) Lstat(path string) (VFile, error) {
	return fs.openFrom(RootIno, path, false)
}

// LstatAt is Lstat starting from dir's inode instead of root, the
// cwd-relative counterpart newfstatat's AT_SYMLINK_NOFOLLOW case
// needs (SPEC_FULL.md §4.4 additions).
func (fs *FS) LstatAt(dir VFile, path string) (VFile, error) {
	return fs.openFrom(dir.Ino, path, false)
}

func (fs *FS) openFrom(start Ino, path string, followTail bool) (VFile, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	limits := NewLimits()
	containingDir, result, err := fs.walk(start, path, limits)
	if err != nil {
		return VFile{}, err
	}
	if followTail {
		result, err = fs.resolveSymlinkChain(containingDir, result, limits)
		if err != nil {
			return VFile{}, err
		}
	}
	return VFile{Ino: result}, nil
}

// Stat returns the metadata of the inode an open handle refers to.
func (fs *FS) Stat(v VFile) (Metadata, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	node, err := fs.get(v.Ino)
	if err != nil {
		return Metadata{}, err
	}
	return node.Meta, nil
}

// Content returns the opaque content key backing a regular file,
// erroring with FileExpected if the handle does not name one (spec
// §4.1 public contract).
func (fs *FS) Content(v VFile) (ContentKey, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	node, err := fs.get(v.Ino)
	if err != nil {
		return "", err
	}
	switch p := node.Payload.(type) {
	case NormalFile:
		return p.Key, nil
	case EmptyFile:
		return "", nil
	default:
		return "", sandrunerr.NewVFSError(sandrunerr.FileExpected, "")
	}
}

// Readlink returns a symlink's target, erroring if the handle is not
// one (used by readlink/readlinkat, spec SPEC_FULL.md §4.4 additions).
func (fs *FS) Readlink(v VFile) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	node, err := fs.get(v.Ino)
	if err != nil {
		return "", err
	}
	sym, ok := node.Payload.(SymbolicLink)
	if !ok {
		return "", sandrunerr.NewVFSError(sandrunerr.FileExpected, "not a symlink")
	}
	return sym.Target, nil
}

// DirEntry is one entry surfaced by Readdir.
type DirEntry struct {
	Name string
	Ino  Ino
	Mode uint32
}

// Readdir lists a directory's entries in insertion order, including
// "." and "..". It backs getdents64 (SPEC_FULL.md §4.4 additions).
func (fs *FS) Readdir(v VFile) ([]DirEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir, err := fs.directoryNode(v.Ino)
	if err != nil {
		return nil, err
	}
	out := make([]DirEntry, 0, len(dir.Order))
	for _, name := range dir.Order {
		ino := dir.Index[name]
		node, err := fs.get(ino)
		if err != nil {
			return nil, err
		}
		out = append(out, DirEntry{Name: name, Ino: ino, Mode: node.Meta.Mode})
	}
	return out, nil
}
