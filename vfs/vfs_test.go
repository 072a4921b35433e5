// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vfs

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/sandrun/sandrun/sandrunerr"
)

// snapshot walks a directory tree depth-first and returns a
// name->mode map, the same flattened shape the teacher's own
// loopback tests diff with godebug/pretty rather than a deep
// reflect.DeepEqual across raw structs.
func snapshot(t *testing.T, fs *FS, v VFile, prefix string, out map[string]uint32) {
	t.Helper()
	entries, err := fs.Readdir(v)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		path := prefix + "/" + e.Name
		out[path] = e.Mode
		if e.Mode&modeDir != 0 {
			child, err := fs.OpenAt(v, e.Name)
			require.NoError(t, err)
			snapshot(t, fs, child, path, out)
		}
	}
}

func TestRootOpenIsDirectory(t *testing.T) {
	fs := New()
	v, err := fs.Open("/")
	require.NoError(t, err)
	meta, err := fs.Stat(v)
	require.NoError(t, err)
	require.NotZero(t, meta.Mode&modeDir)
}

func TestSymlinkInMiddle(t *testing.T) {
	fs := New()
	require.NoError(t, fs.WriteDirectoryMetadata("/a/b", Metadata{Mode: 0o755}))
	require.NoError(t, fs.WriteSymlink("/link", "/a", Metadata{Mode: 0o777}))
	require.NoError(t, fs.WriteFile("/a/b/c", ContentKey("K"), Metadata{Mode: 0o644}))

	v, err := fs.Open("/link/b/c")
	require.NoError(t, err)
	key, err := fs.Content(v)
	require.NoError(t, err)
	require.Equal(t, ContentKey("K"), key)
}

func TestSymlinkLoopFailsAfter50Hops(t *testing.T) {
	fs := New()
	require.NoError(t, fs.WriteSymlink("/x", "/y", Metadata{Mode: 0o777}))
	require.NoError(t, fs.WriteSymlink("/y", "/x", Metadata{Mode: 0o777}))

	_, err := fs.Open("/x")
	require.Error(t, err)
	vfsErr, ok := err.(*sandrunerr.VFSError)
	require.True(t, ok)
	require.Equal(t, sandrunerr.SymbolicLinkLimitExceeded, vfsErr.Kind)
}

func TestPathSegmentLimitExceeded(t *testing.T) {
	fs := New()
	path := "/a"
	for i := 0; i < 1001; i++ {
		path += "/a"
	}
	_, err := fs.Open(path)
	require.Error(t, err)
	vfsErr, ok := err.(*sandrunerr.VFSError)
	require.True(t, ok)
	require.Equal(t, sandrunerr.PathSegmentLimitExceeded, vfsErr.Kind)
}

func TestMissingPathReportsNotFound(t *testing.T) {
	fs := New()
	_, err := fs.Open("/does/not/exist")
	require.Error(t, err)
	vfsErr, ok := err.(*sandrunerr.VFSError)
	require.True(t, ok)
	require.Equal(t, sandrunerr.NotFound, vfsErr.Kind)
}

func TestWriteDirectoryMetadataIdempotent(t *testing.T) {
	fs := New()
	stat := Metadata{Mode: 0o755, Uid: 1, Gid: 2}
	require.NoError(t, fs.WriteDirectoryMetadata("/etc", stat))
	v1, err := fs.Open("/etc")
	require.NoError(t, err)
	m1, err := fs.Stat(v1)
	require.NoError(t, err)

	require.NoError(t, fs.WriteDirectoryMetadata("/etc", stat))
	v2, err := fs.Open("/etc")
	require.NoError(t, err)
	m2, err := fs.Stat(v2)
	require.NoError(t, err)

	require.Equal(t, m1, m2)
	require.Equal(t, v1.Ino, v2.Ino)
}

func TestLinkCountMatchesDirectoryEntryCount(t *testing.T) {
	fs := New()
	require.NoError(t, fs.WriteFile("/a", ContentKey("x"), Metadata{Mode: 0o644}))
	require.NoError(t, fs.WriteHardlink("/b", "/a"))

	v, err := fs.Open("/a")
	require.NoError(t, err)

	nlink, err := fs.LinkCount(v.Ino)
	require.NoError(t, err)
	require.EqualValues(t, fs.CountDirEntriesReferencing(v.Ino), nlink)
	require.EqualValues(t, 2, nlink)
}

func TestLstatDoesNotFollowTailSymlink(t *testing.T) {
	fs := New()
	require.NoError(t, fs.WriteFile("/target", ContentKey("x"), Metadata{Mode: 0o644}))
	require.NoError(t, fs.WriteSymlink("/link", "/target", Metadata{Mode: 0o777}))

	follow, err := fs.Open("/link")
	require.NoError(t, err)
	_, err = fs.Content(follow)
	require.NoError(t, err)

	noFollow, err := fs.Lstat("/link")
	require.NoError(t, err)
	target, err := fs.Readlink(noFollow)
	require.NoError(t, err)
	require.Equal(t, "/target", target)
}

func TestCloneIsIndependent(t *testing.T) {
	base := New()
	require.NoError(t, base.WriteFile("/a", ContentKey("1"), Metadata{Mode: 0o644}))

	clone := base.Clone()
	require.NoError(t, clone.WriteFile("/a", ContentKey("2"), Metadata{Mode: 0o644}))

	v, err := base.Open("/a")
	require.NoError(t, err)
	key, err := base.Content(v)
	require.NoError(t, err)
	require.Equal(t, ContentKey("1"), key)

	v2, err := clone.Open("/a")
	require.NoError(t, err)
	key2, err := clone.Content(v2)
	require.NoError(t, err)
	require.Equal(t, ContentKey("2"), key2)
}

func TestReaddirIncludesDotEntries(t *testing.T) {
	fs := New()
	require.NoError(t, fs.WriteFile("/a/b", ContentKey("x"), Metadata{Mode: 0o644}))
	v, err := fs.Open("/a")
	require.NoError(t, err)
	entries, err := fs.Readdir(v)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	require.Contains(t, names, ".")
	require.Contains(t, names, "..")
	require.Contains(t, names, "b")
}

func TestCloneTreeMatchesOriginalBeforeDivergentWrites(t *testing.T) {
	base := New()
	require.NoError(t, base.WriteFile("/etc/hosts", ContentKey("h"), Metadata{Mode: 0o644}))
	require.NoError(t, base.WriteFile("/etc/passwd", ContentKey("p"), Metadata{Mode: 0o644}))
	require.NoError(t, base.WriteDirectoryMetadata("/var/log", Metadata{Mode: 0o755}))

	clone := base.Clone()

	baseRoot, err := base.Open("/")
	require.NoError(t, err)
	cloneRoot, err := clone.Open("/")
	require.NoError(t, err)

	baseTree := map[string]uint32{}
	cloneTree := map[string]uint32{}
	snapshot(t, base, baseRoot, "", baseTree)
	snapshot(t, clone, cloneRoot, "", cloneTree)

	if diff := pretty.Compare(baseTree, cloneTree); diff != "" {
		t.Fatalf("clone diverged from original before any clone-side write:\n%s", diff)
	}

	require.NoError(t, clone.WriteFile("/var/log/app.log", ContentKey("l"), Metadata{Mode: 0o644}))

	cloneTree = map[string]uint32{}
	snapshot(t, clone, cloneRoot, "", cloneTree)
	if diff := pretty.Compare(baseTree, cloneTree); diff == "" {
		t.Fatal("clone's new file is missing from the clone's own tree")
	}

	baseTree = map[string]uint32{}
	snapshot(t, base, baseRoot, "", baseTree)
	require.NotContains(t, baseTree, "/var/log/app.log")
}
