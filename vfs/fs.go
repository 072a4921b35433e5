// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfs

import (
	"sync"

	"github.com/sandrun/sandrun/sandrunerr"
)

const modeDir = 0o040000 // S_IFDIR, spelled out to avoid a syscall import in this leaf package.

// FS is a complete in-memory filesystem tree: an append-only inode
// table plus the root directory at index 0 (spec §3, §4.1).
//
// Multiple FS values may share the same backing *INode pointers after
// Clone; mutation always happens through cow, which copies the
// pointed-to inode (and, for directories, its entry map) before
// writing, so a clone never observes another clone's in-progress
// writes. This is the Go-native rendering of the teacher's
// pointer-shared Inode tree (fs/node_wrapper.go), generalized to
// support whole-tree structural clones instead of single-node
// sharing.
type FS struct {
	mu     sync.Mutex
	inodes []*INode
}

// New returns a fresh FS containing only the root directory.
func New() *FS {
	fs := &FS{}
	root := &INode{
		Meta:    Metadata{Mode: modeDir | 0o755, Nlink: 2},
		Payload: newDirectory(),
	}
	fs.inodes = append(fs.inodes, root)
	root.Payload.(*Directory).insert(".", RootIno)
	root.Payload.(*Directory).insert("..", RootIno)
	return fs
}

// Clone returns a new FS sharing every inode pointer with fs. It is
// the "cheap structural clone" of spec §4.1: O(n) in the number of
// inodes, O(1) in the size of file content, since content itself is
// never copied (it lives behind opaque ContentKeys).
func (fs *FS) Clone() *FS {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	cloned := make([]*INode, len(fs.inodes))
	copy(cloned, fs.inodes)
	return &FS{inodes: cloned}
}

func (fs *FS) get(ino Ino) (*INode, error) {
	if int(ino) >= len(fs.inodes) || fs.inodes[ino] == nil {
		return nil, sandrunerr.NewVFSError(sandrunerr.UnallocNode, "")
	}
	return fs.inodes[ino], nil
}

func (fs *FS) directoryNode(ino Ino) (*Directory, error) {
	node, err := fs.get(ino)
	if err != nil {
		return nil, err
	}
	dir, ok := node.Payload.(*Directory)
	if !ok {
		return nil, sandrunerr.NewVFSError(sandrunerr.DirectoryExpected, "")
	}
	return dir, nil
}

// alloc appends a fresh inode and returns its index. Must be called
// with fs.mu held.
func (fs *FS) alloc(node *INode) Ino {
	ino := Ino(len(fs.inodes))
	fs.inodes = append(fs.inodes, node)
	return ino
}

// cowInode clones the inode at ino (and, if it is a directory, its
// entry map) so subsequent mutation cannot be observed by any other
// FS sharing the original pointer. Must be called with fs.mu held.
func (fs *FS) cowInode(ino Ino) (*INode, error) {
	old, err := fs.get(ino)
	if err != nil {
		return nil, err
	}
	clone := *old
	if dir, ok := old.Payload.(*Directory); ok {
		clone.Payload = dir.clone()
	}
	fs.inodes[ino] = &clone
	return &clone, nil
}

// incLink bumps the link count of the inode at ino, erroring on
// overflow rather than silently wrapping (spec §4.1).
func (fs *FS) incLink(ino Ino) error {
	node, err := fs.cowInode(ino)
	if err != nil {
		return err
	}
	if node.Meta.Nlink == ^uint32(0) {
		return sandrunerr.NewVFSError(sandrunerr.INodeRefCountError, "link count overflow")
	}
	node.Meta.Nlink++
	return nil
}

// decLink drops the link count of the inode at ino, erroring on
// underflow.
func (fs *FS) decLink(ino Ino) error {
	node, err := fs.cowInode(ino)
	if err != nil {
		return err
	}
	if node.Meta.Nlink == 0 {
		return sandrunerr.NewVFSError(sandrunerr.INodeRefCountError, "link count underflow")
	}
	node.Meta.Nlink--
	return nil
}

// insertEntry inserts name -> child into the directory at dirIno,
// maintaining link counts on both the new and any displaced inode
// (spec §4.1 "Link-count maintenance").
func (fs *FS) insertEntry(dirIno Ino, name string, child Ino) error {
	dirNode, err := fs.cowInode(dirIno)
	if err != nil {
		return err
	}
	dir := dirNode.Payload.(*Directory)
	previous, had := dir.insert(name, child)
	if err := fs.incLink(child); err != nil {
		return err
	}
	if had {
		if err := fs.decLink(previous); err != nil {
			return err
		}
	}
	return nil
}

// LinkCount returns the inode's current link count, exposed for the
// test suite's §8 invariant checks.
func (fs *FS) LinkCount(ino Ino) (uint32, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	node, err := fs.get(ino)
	if err != nil {
		return 0, err
	}
	return node.Meta.Nlink, nil
}

// CountDirEntriesReferencing walks every directory in the table and
// counts entries pointing at ino, the independent tally §8's
// invariant checks the maintained Nlink counter against.
func (fs *FS) CountDirEntriesReferencing(ino Ino) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	count := 0
	for _, node := range fs.inodes {
		if node == nil {
			continue
		}
		dir, ok := node.Payload.(*Directory)
		if !ok {
			continue
		}
		for _, child := range dir.Index {
			if child == ino {
				count++
			}
		}
	}
	return count
}
