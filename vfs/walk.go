// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfs

import (
	"strings"

	"github.com/sandrun/sandrun/sandrunerr"
)

// splitSegments normalizes away repeated/leading/trailing slashes and
// reports whether path was absolute.
func splitSegments(path string) (segs []string, absolute bool) {
	absolute = strings.HasPrefix(path, "/")
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			segs = append(segs, p)
		}
	}
	return segs, absolute
}

// walk resolves path starting at start (root if path is absolute),
// returning the inode containing the final entry and the entry
// itself. It never resolves a symlink at the tail position -- callers
// that want tail resolution call resolveSymlinkChain themselves (spec
// §4.1 "the tail entry is returned without tail-symlink resolution").
//
// The "first segment restarts at root, or is looked up in the working
// inode" rule in spec §4.1 falls out for free here: start (or root,
// for an absolute path) plays the role of "previous result" for the
// very first segment exactly as any mid-path directory does for
// later segments, so a single loop handles both cases.
func (fs *FS) walk(start Ino, path string, limits *Limits) (containingDir Ino, result Ino, err error) {
	segs, absolute := splitSegments(path)
	if len(segs) > limits.Segments {
		return 0, 0, sandrunerr.NewVFSError(sandrunerr.PathSegmentLimitExceeded, path)
	}
	cur := start
	if absolute {
		cur = RootIno
	}
	containingDir = cur
	for _, seg := range segs {
		if err := limits.decSegment(); err != nil {
			return 0, 0, err
		}
		resolved, err := fs.resolveSymlinkChain(containingDir, cur, limits)
		if err != nil {
			return 0, 0, err
		}
		dir, err := fs.directoryNode(resolved)
		if err != nil {
			return 0, 0, err
		}
		next, ok := dir.lookup(seg)
		if !ok {
			return 0, 0, sandrunerr.NewVFSError(sandrunerr.NotFound, path)
		}
		containingDir = resolved
		cur = next
	}
	return containingDir, cur, nil
}

// resolveSymlinkChain follows ino through as many symlink hops as
// needed until it names a non-symlink inode, resolving each target
// relative to the directory that contained the link being chased
// (spec §4.1 "symlink targets are resolved relative to the link's
// containing directory").
func (fs *FS) resolveSymlinkChain(containingDir, ino Ino, limits *Limits) (Ino, error) {
	dir, cur := containingDir, ino
	for {
		node, err := fs.get(cur)
		if err != nil {
			return 0, err
		}
		sym, ok := node.Payload.(SymbolicLink)
		if !ok {
			return cur, nil
		}
		if err := limits.decSymlink(); err != nil {
			return 0, err
		}
		newDir, newCur, err := fs.walk(dir, sym.Target, limits)
		if err != nil {
			return 0, err
		}
		dir, cur = newDir, newCur
	}
}

// resolve is walk wrapped with a fresh Limits instance (spec §3
// "Limits are instantiated fresh per public VFS call").
func (fs *FS) resolve(start Ino, path string) (containingDir Ino, result Ino, err error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.walk(start, path, NewLimits())
}
