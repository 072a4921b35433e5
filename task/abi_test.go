//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sandrun/sandrun/vfs"
)

func TestEncodeLinuxStatLayout(t *testing.T) {
	mtime := time.Unix(1700000000, 123)
	raw := encodeLinuxStat(vfs.Metadata{Mode: 0o100644, Uid: 1000, Gid: 1000, Size: 42, Nlink: 1, Mtime: mtime})
	require.Len(t, raw, statSize)

	le := binary.LittleEndian
	require.EqualValues(t, 1, le.Uint64(raw[16:])) // st_nlink
	require.EqualValues(t, 0o100644, le.Uint32(raw[24:]))
	require.EqualValues(t, 1000, le.Uint32(raw[28:]))
	require.EqualValues(t, 1000, le.Uint32(raw[32:]))
	require.EqualValues(t, 42, le.Uint64(raw[48:]))
	require.EqualValues(t, 1700000000, le.Uint64(raw[72:]))
}

func TestEncodeLinuxDirentsFitsWithinBuffer(t *testing.T) {
	entries := []vfs.DirEntry{
		{Name: ".", Ino: 1, Mode: 0o040755},
		{Name: "..", Ino: 1, Mode: 0o040755},
		{Name: "file", Ino: 2, Mode: 0o100644},
	}
	raw, err := encodeLinuxDirents(entries, 4096)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	// Walk the records and confirm every reclen is 8-byte aligned and
	// the names decode back out in order.
	var names []string
	off := 0
	for off < len(raw) {
		reclen := int(binary.LittleEndian.Uint16(raw[off+16:]))
		require.Zero(t, reclen%8)
		nameEnd := off + 19
		for raw[nameEnd] != 0 {
			nameEnd++
		}
		names = append(names, string(raw[off+19:nameEnd]))
		off += reclen
	}
	require.Equal(t, []string{".", "..", "file"}, names)
}

func TestEncodeLinuxDirentsTruncatesAtBufferLimit(t *testing.T) {
	entries := []vfs.DirEntry{
		{Name: "aaaaaaaaaaaaaaaaaaaa", Ino: 1, Mode: 0o100644},
		{Name: "bbbbbbbbbbbbbbbbbbbb", Ino: 2, Mode: 0o100644},
	}
	raw, err := encodeLinuxDirents(entries, 32)
	require.NoError(t, err)
	require.Less(t, len(raw), 64)
}

func TestEncodeUnameFieldsAreNulPadded(t *testing.T) {
	raw := encodeUname()
	require.Len(t, raw, unameFieldLen*6)
	sysname := raw[0:unameFieldLen]
	require.Equal(t, "Linux", string(sysname[:5]))
	require.Zero(t, sysname[5])
}

func TestDirectoryTypeClassifiesDirAndLink(t *testing.T) {
	require.EqualValues(t, 4, directoryType(0o040755))
	require.EqualValues(t, 10, directoryType(0o120777))
	require.EqualValues(t, 8, directoryType(0o100644))
}
