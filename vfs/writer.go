// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfs

import "github.com/sandrun/sandrun/sandrunerr"

// splitParent separates path into its parent directory's segments and
// its leaf name. Writer operations always treat path as rooted, the
// same way the image loader's paths are always absolute (spec §6).
func splitParent(path string) (parentSegs []string, name string) {
	segs, _ := splitSegments(path)
	if len(segs) == 0 {
		return nil, ""
	}
	return segs[:len(segs)-1], segs[len(segs)-1]
}

// ensureDirChain walks segs from root, creating any missing
// directory with mode 0o755 along the way (spec §4.1 "auto-creates
// missing parent directories"). If leafStat is non-nil, the final
// segment is created with that metadata if missing, or has its
// metadata overwritten (link count preserved) if it already exists --
// this is also how write_directory_metadata achieves idempotence.
func (fs *FS) ensureDirChain(segs []string, leafStat *Metadata) (Ino, error) {
	cur := RootIno
	for i, seg := range segs {
		dir, err := fs.directoryNode(cur)
		if err != nil {
			return 0, err
		}
		isLast := i == len(segs)-1
		next, ok := dir.lookup(seg)
		switch {
		case !ok:
			stat := Metadata{Mode: modeDir | 0o755}
			if isLast && leafStat != nil {
				stat = *leafStat
				stat.Mode |= modeDir
			}
			stat.Nlink = 0
			child := fs.alloc(&INode{Meta: stat, Payload: newDirectory()})
			if err := fs.insertEntry(cur, seg, child); err != nil {
				return 0, err
			}
			if err := fs.insertEntry(child, ".", child); err != nil {
				return 0, err
			}
			if err := fs.insertEntry(child, "..", cur); err != nil {
				return 0, err
			}
			next = child
		case isLast && leafStat != nil:
			node, err := fs.get(next)
			if err != nil {
				return 0, err
			}
			if !node.IsDir() {
				return 0, sandrunerr.NewVFSError(sandrunerr.DirectoryExpected, seg)
			}
			updated, err := fs.cowInode(next)
			if err != nil {
				return 0, err
			}
			nlink := updated.Meta.Nlink
			updated.Meta = *leafStat
			updated.Meta.Mode |= modeDir
			updated.Meta.Nlink = nlink
		default:
			node, err := fs.get(next)
			if err != nil {
				return 0, err
			}
			if !node.IsDir() {
				return 0, sandrunerr.NewVFSError(sandrunerr.DirectoryExpected, seg)
			}
		}
		cur = next
	}
	return cur, nil
}

// writeLeaf allocates a fresh inode for payload with the given stat
// (its Nlink is always derived, never taken from stat) and links it
// into path's parent directory, auto-creating missing parents.
func (fs *FS) writeLeaf(path string, payload Payload, stat Metadata) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parentSegs, name := splitParent(path)
	if name == "" {
		return sandrunerr.NewVFSError(sandrunerr.NotFound, path)
	}
	parent, err := fs.ensureDirChain(parentSegs, nil)
	if err != nil {
		return err
	}
	stat.Nlink = 0
	child := fs.alloc(&INode{Meta: stat, Payload: payload})
	return fs.insertEntry(parent, name, child)
}

// WriteFile creates (or overwrites) a regular file at path. A zero
// ContentKey ("") produces an EmptyFile node; a non-empty key
// produces a NormalFile node referencing it (spec §4.1
// write_file(path, key?, stat)).
func (fs *FS) WriteFile(path string, key ContentKey, stat Metadata) error {
	var payload Payload
	if key == "" {
		payload = EmptyFile{}
	} else {
		payload = NormalFile{Key: key}
	}
	return fs.writeLeaf(path, payload, stat)
}

// WriteSymlink creates a symbolic link at path pointing at target.
func (fs *FS) WriteSymlink(path, target string, stat Metadata) error {
	return fs.writeLeaf(path, SymbolicLink{Target: target}, stat)
}

// WriteFifo creates a named-pipe node at path.
func (fs *FS) WriteFifo(path string, stat Metadata) error {
	return fs.writeLeaf(path, Fifo{}, stat)
}

// WriteCharDevice creates a character-special node at path.
func (fs *FS) WriteCharDevice(path string, major, minor uint32, stat Metadata) error {
	return fs.writeLeaf(path, CharDevice{Major: major, Minor: minor}, stat)
}

// WriteBlockDevice creates a block-special node at path.
func (fs *FS) WriteBlockDevice(path string, major, minor uint32, stat Metadata) error {
	return fs.writeLeaf(path, BlockDevice{Major: major, Minor: minor}, stat)
}

// WriteHardlink adds a new directory entry at path pointing at the
// inode already named by existing, bumping its link count (spec §4.1
// write_hardlink(path, existing)). existing is resolved without
// following a tail symlink, matching link(2) semantics.
func (fs *FS) WriteHardlink(path, existing string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, target, err := fs.walk(RootIno, existing, NewLimits())
	if err != nil {
		return err
	}
	parentSegs, name := splitParent(path)
	if name == "" {
		return sandrunerr.NewVFSError(sandrunerr.NotFound, path)
	}
	parent, err := fs.ensureDirChain(parentSegs, nil)
	if err != nil {
		return err
	}
	return fs.insertEntry(parent, name, target)
}

// WriteDirectoryMetadata ensures path exists as a directory, creating
// it and any missing ancestors with mode 0o755, and sets its metadata
// to stat. Calling it twice with the same arguments leaves the tree
// unchanged (spec §8 idempotence invariant).
func (fs *FS) WriteDirectoryMetadata(path string, stat Metadata) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	segs, _ := splitSegments(path)
	if len(segs) == 0 {
		// "/" itself: just overwrite root's metadata, preserving Nlink.
		root, err := fs.cowInode(RootIno)
		if err != nil {
			return err
		}
		nlink := root.Meta.Nlink
		root.Meta = stat
		root.Meta.Mode |= modeDir
		root.Meta.Nlink = nlink
		return nil
	}
	_, err := fs.ensureDirChain(segs, &stat)
	return err
}
