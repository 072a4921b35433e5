// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vfs implements the in-memory virtual filesystem that
// answers every guest file operation (spec §4.1). It is the
// single source of truth for what the guest can see: lookup,
// metadata, content retrieval, and the writer operations used while
// an image is loaded into a fresh tree.
//
// The tree is organized the way the teacher's fs.Inode tree is
// organized (github.com/hanwen/go-fuse/v2/fs): nodes referenced by a
// dense integer id, directories holding named children, "." and ".."
// entries maintained explicitly rather than derived. Unlike the
// teacher, this tree never talks to a real kernel, so there is no
// lookup-count/FORGET lifecycle to manage -- the whole tree lives as
// long as its owning FS does, and the only lifecycle concern is
// cheap structural cloning for per-guest copy-on-write views.
package vfs

import (
	"time"
)

// Ino is a dense, non-negative index into an FS's inode table.
type Ino uint32

// RootIno is always the directory at the root of any FS.
const RootIno Ino = 0

// ContentKey is an opaque token the image loader hands the VFS and
// the content storage backend later resolves to readable bytes (spec
// §6 Image loader / Content storage contracts).
type ContentKey string

// Metadata is the fixed record every inode carries regardless of its
// payload kind.
type Metadata struct {
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Mtime time.Time
	Nlink uint32
	Size  uint64
}

// Payload is the variant part of an inode: exactly one of Directory,
// EmptyFile, NormalFile, SymbolicLink, Fifo, CharDevice, BlockDevice.
type Payload interface {
	isPayload()
}

// Directory holds an ordered mapping from entry name to child inode.
// Order is authoritative for iteration (spec "ordered mapping");
// Index provides O(1) lookup without scanning Order.
type Directory struct {
	Order []string
	Index map[string]Ino
}

func newDirectory() *Directory {
	return &Directory{Index: make(map[string]Ino)}
}

func (d *Directory) isPayload() {}

func (d *Directory) lookup(name string) (Ino, bool) {
	ino, ok := d.Index[name]
	return ino, ok
}

// insert adds or replaces the entry named name, reporting the
// previous occupant (if any) so the caller can adjust its link count.
func (d *Directory) insert(name string, ino Ino) (previous Ino, hadPrevious bool) {
	previous, hadPrevious = d.Index[name]
	if !hadPrevious {
		d.Order = append(d.Order, name)
	}
	d.Index[name] = ino
	return previous, hadPrevious
}

// clone performs the shallow copy needed before a Directory is
// mutated under copy-on-write (spec §4.1 "clone-on-write a shared
// inode before mutating it").
func (d *Directory) clone() *Directory {
	nd := &Directory{
		Order: append([]string(nil), d.Order...),
		Index: make(map[string]Ino, len(d.Index)),
	}
	for k, v := range d.Index {
		nd.Index[k] = v
	}
	return nd
}

// EmptyFile is a regular file with no backing content (write_file
// called with a nil content key).
type EmptyFile struct{}

func (EmptyFile) isPayload() {}

// NormalFile is a regular file backed by an opaque content key the
// content storage contract can later resolve.
type NormalFile struct {
	Key ContentKey
}

func (NormalFile) isPayload() {}

// SymbolicLink stores an unresolved link target string.
type SymbolicLink struct {
	Target string
}

func (SymbolicLink) isPayload() {}

// Fifo is a named pipe node; it carries no extra data.
type Fifo struct{}

func (Fifo) isPayload() {}

// CharDevice is a character-special node.
type CharDevice struct {
	Major, Minor uint32
}

func (CharDevice) isPayload() {}

// BlockDevice is a block-special node.
type BlockDevice struct {
	Major, Minor uint32
}

func (BlockDevice) isPayload() {}

// INode is one entry in an FS's append-only table.
type INode struct {
	Meta    Metadata
	Payload Payload
}

// IsDir reports whether this inode is a directory.
func (n *INode) IsDir() bool {
	_, ok := n.Payload.(*Directory)
	return ok
}

// VFile is an ephemeral open handle: an inode index plus room for
// per-open flags the task loop attaches later (spec §3 VFile).
type VFile struct {
	Ino   Ino
	Flags uint32
}
