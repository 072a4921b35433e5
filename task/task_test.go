//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/sandrun/sandrun/ipc"
	"github.com/sandrun/sandrun/sandrunerr"
)

func noopLogEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestStateTransitionsAndString(t *testing.T) {
	tsk := &Task{VPid: 1}
	require.Equal(t, FreshFork, tsk.State())
	require.Equal(t, "fresh-fork", tsk.State().String())

	tsk.setState(Running)
	require.Equal(t, Running, tsk.State())

	tsk.MarkExited(7)
	require.Equal(t, Exited, tsk.State())
	require.EqualValues(t, 7, tsk.ExitCode())

	// A second MarkExited must not overwrite the first recorded code.
	tsk.MarkExited(99)
	require.EqualValues(t, 7, tsk.ExitCode())
}

func TestUnknownStateString(t *testing.T) {
	require.Equal(t, "unknown", State(99).String())
}

// fakeBrkMapper stands in for *trampoline.Remote's mapping operations
// so brk's grow/shrink bookkeeping can be exercised without a live
// ptrace-stopped task.
type fakeBrkMapper struct {
	mappedAddr, mappedLen uintptr
	mremapCalls           int
	munmapCalls           int
}

func (f *fakeBrkMapper) MmapAnonymousNoReplace(addr, length uintptr, prot int) (uintptr, error) {
	f.mappedAddr, f.mappedLen = addr, length
	return addr, nil
}

func (f *fakeBrkMapper) Mremap(oldAddr uintptr, oldSize, newSize uintptr, mayMove bool) (uintptr, error) {
	f.mremapCalls++
	f.mappedLen = newSize
	return oldAddr, nil
}

func (f *fakeBrkMapper) Munmap(addr uintptr, length uintptr) (int64, error) {
	f.munmapCalls++
	f.mappedLen = 0
	return 0, nil
}

// TestBrkGrowthRoundsToPagesAndMapsArena mirrors spec scenario 4: a
// guest with brk_start = brk = 0x100000 asking for 0x100800 must get
// back the page-rounded 0x101000, with a real mapping now covering
// [0x100000, 0x101000).
func TestBrkGrowthRoundsToPagesAndMapsArena(t *testing.T) {
	tsk := &Task{
		Arena: Arena{
			BrkBase:    0x100000,
			BrkCurrent: 0x100000,
			BrkLimit:   0x200000,
		},
	}
	fake := &fakeBrkMapper{}

	ret, err := tsk.brk(fake, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0x100000, ret)

	ret, err = tsk.brk(fake, 0x100800)
	require.NoError(t, err)
	require.EqualValues(t, 0x101000, ret)
	require.EqualValues(t, 0x101000, tsk.Arena.BrkCurrent)
	require.EqualValues(t, 0x100000, fake.mappedAddr)
	require.EqualValues(t, 0x1000, fake.mappedLen)
}

func TestBrkGrowsAndShrinksWithinArena(t *testing.T) {
	tsk := &Task{
		Arena: Arena{
			BrkBase:    0x100000,
			BrkCurrent: 0x100000,
			BrkLimit:   0x200000,
		},
	}
	fake := &fakeBrkMapper{}

	// First growth establishes the initial mapping.
	ret, err := tsk.brk(fake, 0x100800)
	require.NoError(t, err)
	require.EqualValues(t, 0x101000, ret)

	// A further request within the same page is a no-op.
	ret, err = tsk.brk(fake, 0x100900)
	require.NoError(t, err)
	require.EqualValues(t, 0x101000, ret)

	// Growing past the already-mapped page remaps, not mmaps fresh.
	ret, err = tsk.brk(fake, 0x101800)
	require.NoError(t, err)
	require.EqualValues(t, 0x102000, ret)
	require.Equal(t, 1, fake.mremapCalls)
	require.EqualValues(t, 0x2000, fake.mappedLen)

	// Past the arena limit: request is refused, current break reported back.
	ret, err = tsk.brk(fake, 0x300000)
	require.NoError(t, err)
	require.EqualValues(t, 0x102000, ret)

	// Shrinking back down to the base unmaps entirely.
	ret, err = tsk.brk(fake, 0x100000)
	require.NoError(t, err)
	require.EqualValues(t, 0x100000, ret)
	require.Equal(t, 1, fake.munmapCalls)
	require.EqualValues(t, 0x100000, tsk.Arena.BrkCurrent)
}

func TestCloneRefusesSharedAddressSpace(t *testing.T) {
	tsk := &Task{}
	ret, err := tsk.doClone(uint64(0x100) /* CLONE_VM */)
	require.NoError(t, err)
	require.EqualValues(t, int64(sandrunerr.ENOSYS), ret)
}

func TestVPidAllocationIsSequential(t *testing.T) {
	tr := NewTracer(nil)
	require.EqualValues(t, ipc.VPid(1), tr.allocVPid())
	require.EqualValues(t, ipc.VPid(2), tr.allocVPid())
}

func TestFixedValueSyscallsReportParentAndIdentity(t *testing.T) {
	tsk := &Task{VPid: 5, ParentVPid: 2}

	ret, err := tsk.emulate(trappedSyscall{Nr: uint64(unix.SYS_GETPPID)}, noopLogEntry())
	require.NoError(t, err)
	require.EqualValues(t, 2, ret)

	ret, err = tsk.emulate(trappedSyscall{Nr: uint64(unix.SYS_GETUID)}, noopLogEntry())
	require.NoError(t, err)
	require.EqualValues(t, 0, ret)

	ret, err = tsk.emulate(trappedSyscall{Nr: uint64(unix.SYS_GETPGRP)}, noopLogEntry())
	require.NoError(t, err)
	require.EqualValues(t, 1, ret)

	ret, err = tsk.emulate(trappedSyscall{Nr: uint64(unix.SYS_SET_TID_ADDRESS)}, noopLogEntry())
	require.NoError(t, err)
	require.EqualValues(t, 5, ret)

	ret, err = tsk.emulate(trappedSyscall{Nr: 0xFFFF}, noopLogEntry())
	require.NoError(t, err)
	require.EqualValues(t, int64(sandrunerr.ENOSYS), ret)
}
