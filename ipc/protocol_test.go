// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sandrun/sandrun/sandrunerr"
)

func TestRoundTripFromTask(t *testing.T) {
	dir := SysFd(7)
	path := "/etc/passwd"
	cases := []MessageFromSand{
		{Task: 3, Op: OpOpenProcess{Pid: 99}},
		{Task: 3, Op: OpFileOpen{Dir: &dir, Path: "/a/b", Flags: 0, Mode: 0644}},
		{Task: 3, Op: OpFileOpen{Dir: nil, Path: "/", Flags: 0, Mode: 0}},
		{Task: 3, Op: OpFileAccess{Path: "/bin/sh", Mode: 1}},
		{Task: 3, Op: OpFileStat{Path: &path, NoFollow: true}},
		{Task: 3, Op: OpGetWorkingDir{BufSize: 64}},
		{Task: 3, Op: OpChangeWorkingDir{Path: "/tmp"}},
		{Task: 3, Op: OpLog{Level: LogWarn, Payload: "uname stub"}},
		{Task: 3, Op: OpExited{Code: 0}},
	}
	for _, m := range cases {
		buf, err := EncodeFromSand(m)
		require.NoError(t, err)
		got, err := DecodeFromSand(buf)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestRoundTripToTask(t *testing.T) {
	cases := []MessageToSand{
		{Task: 1, Op: OpInit{Args: 4}},
		{Task: 1, Op: OpReply{Result: OkResult()}},
		{Task: 1, Op: OpReply{Result: ErrResult(sandrunerr.ENOSYS)}},
		{Task: 1, Op: OpFileReply{Result: OkResult(), Fd: 9}},
		{Task: 1, Op: OpFileReply{Result: ErrResult(-2)}},
		{Task: 1, Op: OpFileStatReply{Result: OkResult(), Stat: FileStat{Mode: 0100644, Size: 42}}},
		{Task: 1, Op: OpSizeReply{Result: OkResult(), Size: 128}},
		{Task: 1, Op: OpOpenProcessReply{Handle: ProcessHandle{Pid: 55}}},
	}
	for _, m := range cases {
		buf, err := EncodeToSand(m)
		require.NoError(t, err)
		got, err := DecodeToSand(buf)
		require.NoError(t, err)
		require.Equal(t, m, got)
	}
}

func TestFdOrderPreserved(t *testing.T) {
	buf := NewBuffer()
	e := NewEncoder(buf)
	require.NoError(t, e.PutFd(10))
	require.NoError(t, e.PutFd(20))
	require.NoError(t, e.PutFd(30))

	d := NewDecoder(buf)
	for _, want := range []int{10, 20, 30} {
		got, err := d.GetFd()
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestEncodeFromSandRejectsOversizedPath(t *testing.T) {
	big := make([]byte, 300)
	_, err := EncodeFromSand(MessageFromSand{
		Task: 1,
		Op:   OpChangeWorkingDir{Path: string(big)},
	})
	require.Error(t, err)
}
