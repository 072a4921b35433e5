// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfs

import "github.com/sandrun/sandrun/sandrunerr"

// DefaultSegmentLimit and DefaultSymlinkLimit are the per-call budgets
// spec §3 mandates: 1000 path segments, 50 symlink hops.
const (
	DefaultSegmentLimit = 1000
	DefaultSymlinkLimit = 50
)

// Limits is a path-walk accumulator instantiated fresh per public VFS
// call (spec §3). Every name lookup decrements Segments; every
// symlink dereference decrements Symlinks.
type Limits struct {
	Segments int
	Symlinks int
}

// NewLimits returns a Limits with the spec's default budgets.
func NewLimits() *Limits {
	return &Limits{Segments: DefaultSegmentLimit, Symlinks: DefaultSymlinkLimit}
}

func (l *Limits) decSegment() error {
	if l.Segments <= 0 {
		return sandrunerr.NewVFSError(sandrunerr.PathSegmentLimitExceeded, "")
	}
	l.Segments--
	return nil
}

func (l *Limits) decSymlink() error {
	if l.Symlinks <= 0 {
		return sandrunerr.NewVFSError(sandrunerr.SymbolicLinkLimitExceeded, "")
	}
	l.Symlinks--
	return nil
}
