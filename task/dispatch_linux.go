//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sandrun/sandrun/sandrunerr"
	"github.com/sandrun/sandrun/trampoline"
	"github.com/sandrun/sandrun/vfs"
)

// trappedSyscall is a local alias so dispatch code doesn't repeat the
// trampoline package qualifier on every line.
type trappedSyscall = trampoline.TrappedSyscall

// maxPathLen bounds how far ReadCString will walk into guest memory
// for a path argument, matching the kernel's own PATH_MAX.
const maxPathLen = 4096

const atFdCwd = -100 // AT_FDCWD, linux/fcntl.h

// Dispatch handles one trapped syscall for t, emulating it against
// the virtual filesystem and image collaborators, then faking the
// guest's return value via the trampoline (spec §4.4).
func (t *Task) Dispatch(sc trappedSyscall, log *logrus.Entry) error {
	t.setState(Handling)
	defer t.setState(Running)

	ret, err := t.emulate(sc, log)
	if err != nil {
		log.WithError(err).WithField("nr", sc.Nr).Warn("syscall emulation failed")
	}
	return t.Remote.SkipAndReturn(ret)
}

func (t *Task) emulate(sc trappedSyscall, log *logrus.Entry) (int64, error) {
	switch sc.Nr {
	case uint64(unix.SYS_OPEN):
		return t.doOpen(atFdCwd, sc.A0, sc.A2)
	case uint64(unix.SYS_OPENAT):
		return t.doOpen(int(int32(sc.A0)), sc.A1, sc.A3)
	case uint64(unix.SYS_STAT):
		return t.doStat(atFdCwd, sc.A0, sc.A1, false)
	case uint64(unix.SYS_LSTAT):
		return t.doStat(atFdCwd, sc.A0, sc.A1, true)
	case uint64(unix.SYS_NEWFSTATAT):
		noFollow := sc.A3&unix.AT_SYMLINK_NOFOLLOW != 0
		return t.doStat(int(int32(sc.A0)), sc.A1, sc.A2, noFollow)
	case uint64(unix.SYS_ACCESS):
		return t.doAccess(atFdCwd, sc.A0)
	case uint64(unix.SYS_FACCESSAT):
		return t.doAccess(int(int32(sc.A0)), sc.A1)
	case uint64(unix.SYS_READLINK):
		return t.doReadlink(atFdCwd, sc.A0, sc.A1, sc.A2)
	case uint64(unix.SYS_READLINKAT):
		return t.doReadlink(int(int32(sc.A0)), sc.A1, sc.A2, sc.A3)
	case uint64(unix.SYS_GETCWD):
		return t.doGetcwd(sc.A0, sc.A1)
	case uint64(unix.SYS_CHDIR):
		return t.doChdir(sc.A0)
	case uint64(unix.SYS_GETDENTS64):
		return t.doGetdents64(sc.A0, sc.A1, sc.A2)
	case uint64(unix.SYS_GETPID):
		log.Debug("guest queried getpid")
		return int64(t.VPid), nil
	case uint64(unix.SYS_UNAME):
		return t.doUname(sc.A0)
	case uint64(unix.SYS_BRK):
		return t.doBrk(sc.A0)
	case uint64(unix.SYS_CLONE):
		return t.doClone(sc.A0)
	case uint64(unix.SYS_RT_SIGACTION), uint64(unix.SYS_RT_SIGPROCMASK), uint64(unix.SYS_SIGALTSTACK):
		log.WithField("nr", sc.Nr).Debug("signal syscall acknowledged as a no-op")
		return 0, nil
	case uint64(unix.SYS_GETPPID):
		log.WithField("nr", sc.Nr).Warn("guest queried getppid, returning fixed value")
		return int64(t.ParentVPid), nil
	case uint64(unix.SYS_GETUID), uint64(unix.SYS_GETGID), uint64(unix.SYS_GETEUID), uint64(unix.SYS_GETEGID):
		log.WithField("nr", sc.Nr).Warn("guest queried uid/gid, returning fixed value")
		return 0, nil
	case uint64(unix.SYS_GETPGRP):
		log.WithField("nr", sc.Nr).Warn("guest queried getpgrp, returning fixed value")
		return 1, nil
	case uint64(unix.SYS_GETPGID):
		log.WithField("nr", sc.Nr).Warn("guest queried getpgid, returning fixed value")
		return 1, nil
	case uint64(unix.SYS_SETPGID):
		log.WithField("nr", sc.Nr).Warn("guest called setpgid, accepted as a no-op")
		return 0, nil
	case uint64(unix.SYS_SYSINFO):
		log.WithField("nr", sc.Nr).Warn("guest called sysinfo, zeroing the struct")
		return t.doSysinfo(sc.A0)
	case uint64(unix.SYS_SET_TID_ADDRESS):
		log.WithField("nr", sc.Nr).Warn("guest called set_tid_address, returning fixed vpid")
		return int64(t.VPid), nil
	case uint64(unix.SYS_IOCTL):
		log.WithField("nr", sc.Nr).Warn("guest called ioctl, returning fixed success")
		return 0, nil
	case uint64(unix.SYS_EXIT), uint64(unix.SYS_EXIT_GROUP):
		t.MarkExited(int32(sc.A0))
		return 0, nil
	default:
		log.WithField("nr", sc.Nr).Error("unsupported syscall, returning ENOSYS")
		return int64(sandrunerr.ENOSYS), nil
	}
}

func (t *Task) resolveDir(dirFd int) (vfs.VFile, error) {
	if dirFd == atFdCwd {
		return t.Cwd, nil
	}
	return vfs.VFile{}, fmt.Errorf("task: only AT_FDCWD-relative lookups are supported, got fd %d", dirFd)
}

func (t *Task) readPathArg(addr uint64) (string, error) {
	return t.mem.ReadCString(uintptr(addr), maxPathLen)
}

func errnoRet(err error) int64 {
	return int64(sandrunerr.FromSyscallErrno(err))
}

func (t *Task) doOpen(dirFd int, pathAddr, flagsOrMode uint64) (int64, error) {
	path, err := t.readPathArg(pathAddr)
	if err != nil {
		return errnoRet(unix.EFAULT), nil
	}

	var v vfs.VFile
	if dirFd == atFdCwd {
		v, err = t.FS.OpenAt(t.Cwd, path)
	} else {
		dir, derr := t.resolveDir(dirFd)
		if derr != nil {
			return errnoRet(unix.EBADF), nil
		}
		v, err = t.FS.OpenAt(dir, path)
	}
	if err != nil {
		return errnoRet(unix.ENOENT), nil
	}

	key, err := t.FS.Content(v)
	if err != nil {
		return errnoRet(unix.EISDIR), nil
	}
	hostFile, err := t.Storage.Open(key)
	if err != nil {
		return errnoRet(unix.EIO), fmt.Errorf("open content %s: %w", path, err)
	}
	defer hostFile.Close()

	guestFd, err := sendFileToGuest(t.Conn, t.Remote, t.mem, t.Arena.ScratchAddr, int(hostFile.Fd()))
	if err != nil {
		return errnoRet(unix.EIO), fmt.Errorf("hand off fd for %s: %w", path, err)
	}
	return int64(guestFd), nil
}

func (t *Task) doStat(dirFd int, pathAddr, statAddr uint64, noFollow bool) (int64, error) {
	path, err := t.readPathArg(pathAddr)
	if err != nil {
		return errnoRet(unix.EFAULT), nil
	}
	dir, err := t.resolveDir(dirFd)
	if err != nil {
		return errnoRet(unix.EBADF), nil
	}

	var v vfs.VFile
	if noFollow {
		v, err = t.FS.LstatAt(dir, path)
	} else {
		v, err = t.FS.OpenAt(dir, path)
	}
	if err != nil {
		return errnoRet(unix.ENOENT), nil
	}
	meta, err := t.FS.Stat(v)
	if err != nil {
		return errnoRet(unix.ENOENT), nil
	}

	raw := encodeLinuxStat(meta)
	if err := t.mem.Write(uintptr(statAddr), raw); err != nil {
		return errnoRet(unix.EFAULT), err
	}
	return 0, nil
}

func (t *Task) doAccess(dirFd int, pathAddr uint64) (int64, error) {
	path, err := t.readPathArg(pathAddr)
	if err != nil {
		return errnoRet(unix.EFAULT), nil
	}
	dir, err := t.resolveDir(dirFd)
	if err != nil {
		return errnoRet(unix.EBADF), nil
	}
	if _, err := t.FS.OpenAt(dir, path); err != nil {
		return errnoRet(unix.ENOENT), nil
	}
	return 0, nil
}

func (t *Task) doReadlink(dirFd int, pathAddr, bufAddr, bufSize uint64) (int64, error) {
	path, err := t.readPathArg(pathAddr)
	if err != nil {
		return errnoRet(unix.EFAULT), nil
	}
	dir, err := t.resolveDir(dirFd)
	if err != nil {
		return errnoRet(unix.EBADF), nil
	}
	v, err := t.FS.LstatAt(dir, path)
	if err != nil {
		return errnoRet(unix.ENOENT), nil
	}
	target, err := t.FS.Readlink(v)
	if err != nil {
		return errnoRet(unix.EINVAL), nil
	}
	if uint64(len(target)) > bufSize {
		target = target[:bufSize]
	}
	if err := t.mem.Write(uintptr(bufAddr), []byte(target)); err != nil {
		return errnoRet(unix.EFAULT), err
	}
	return int64(len(target)), nil
}

func (t *Task) doGetcwd(bufAddr, bufSize uint64) (int64, error) {
	// Non-root working directories are not yet tracked as path strings
	// (only as inode handles); getcwd only ever reports root until
	// that's added.
	path := "/"
	if uint64(len(path)+1) > bufSize {
		return errnoRet(unix.ERANGE), nil
	}
	if err := t.mem.Write(uintptr(bufAddr), append([]byte(path), 0)); err != nil {
		return errnoRet(unix.EFAULT), err
	}
	return int64(len(path) + 1), nil
}

func (t *Task) doChdir(pathAddr uint64) (int64, error) {
	path, err := t.readPathArg(pathAddr)
	if err != nil {
		return errnoRet(unix.EFAULT), nil
	}
	v, err := t.FS.OpenAt(t.Cwd, path)
	if err != nil {
		return errnoRet(unix.ENOENT), nil
	}
	meta, err := t.FS.Stat(v)
	if err != nil || meta.Mode&0o040000 == 0 {
		return errnoRet(unix.ENOTDIR), nil
	}
	t.Cwd = v
	return 0, nil
}

func (t *Task) doGetdents64(fdPlaceholder, bufAddr, bufSize uint64) (int64, error) {
	entries, err := t.FS.Readdir(t.Cwd)
	if err != nil {
		return errnoRet(unix.ENOTDIR), nil
	}
	raw, err := encodeLinuxDirents(entries, bufSize)
	if err != nil {
		return errnoRet(unix.EINVAL), err
	}
	if err := t.mem.Write(uintptr(bufAddr), raw); err != nil {
		return errnoRet(unix.EFAULT), err
	}
	return int64(len(raw)), nil
}

func (t *Task) doSysinfo(bufAddr uint64) (int64, error) {
	raw := encodeSysinfo()
	if err := t.mem.Write(uintptr(bufAddr), raw); err != nil {
		return errnoRet(unix.EFAULT), err
	}
	return 0, nil
}

func (t *Task) doUname(bufAddr uint64) (int64, error) {
	raw := encodeUname()
	if err := t.mem.Write(uintptr(bufAddr), raw); err != nil {
		return errnoRet(unix.EFAULT), err
	}
	return 0, nil
}

// pageSize is the x86-64 page granularity brk mappings are rounded
// to, matching every other ABI assumption this package hard-codes for
// x86-64 (abi_linux.go's struct encoders).
const pageSize = 4096

// pageRound rounds x up to the next page boundary.
func pageRound(x uintptr) uintptr {
	return (x + pageSize - 1) &^ (pageSize - 1)
}

// brkMapper is the subset of *trampoline.Remote's address-space
// operations brk emulation needs, pulled out as an interface so the
// arena growth/shrink logic can be driven by a fake in tests instead
// of a live ptrace-stopped task.
type brkMapper interface {
	MmapAnonymousNoReplace(addr, length uintptr, prot int) (uintptr, error)
	Mremap(oldAddr uintptr, oldSize, newSize uintptr, mayMove bool) (uintptr, error)
	Munmap(addr uintptr, length uintptr) (int64, error)
}

// doBrk emulates the classic malloc arena: the guest only ever moves
// a single break pointer forward or back, but the host kernel will
// not let the tracer adjust the guest's real brk (spec §4.4 brk row),
// so every grow/shrink is rendered as a real mmap/mremap/munmap over
// a fixed region of the guest's address space starting at
// t.Arena.BrkBase. The requested break is rounded up to a page
// boundary before comparison, matching the real kernel's page-granular
// brk bookkeeping; the current break is compared as stored, since the
// only values ever stored into it are BrkBase and page-rounded breaks.
func (t *Task) doBrk(requested uint64) (int64, error) {
	return t.brk(t.Remote, requested)
}

func (t *Task) brk(m brkMapper, requested uint64) (int64, error) {
	if requested == 0 {
		return int64(t.Arena.BrkCurrent), nil
	}
	want := pageRound(uintptr(requested))
	cur := t.Arena.BrkCurrent
	switch {
	case want == cur:
		return int64(want), nil
	case want > cur:
		if want > t.Arena.BrkLimit {
			return int64(cur), nil
		}
		var err error
		if cur == t.Arena.BrkBase {
			_, err = m.MmapAnonymousNoReplace(t.Arena.BrkBase, want-t.Arena.BrkBase, unix.PROT_READ|unix.PROT_WRITE)
		} else {
			_, err = m.Mremap(t.Arena.BrkBase, cur-t.Arena.BrkBase, want-t.Arena.BrkBase, false)
		}
		if err != nil {
			return int64(cur), fmt.Errorf("task: grow brk arena to %#x: %w", want, err)
		}
		t.Arena.BrkCurrent = want
		return int64(want), nil
	default: // want < cur
		var err error
		if want == t.Arena.BrkBase {
			_, err = m.Munmap(t.Arena.BrkBase, cur-t.Arena.BrkBase)
		} else {
			_, err = m.Mremap(t.Arena.BrkBase, cur-t.Arena.BrkBase, want-t.Arena.BrkBase, false)
		}
		if err != nil {
			return int64(cur), fmt.Errorf("task: shrink brk arena to %#x: %w", want, err)
		}
		t.Arena.BrkCurrent = want
		return int64(want), nil
	}
}

// doClone refuses every clone request with ENOSYS and creates no child
// task. A request with CLONE_VM set is refused without an error; any
// other request also returns an error, which Dispatch logs.
func (t *Task) doClone(flags uint64) (int64, error) {
	if flags&unix.CLONE_VM != 0 {
		return int64(sandrunerr.ENOSYS), nil
	}
	return int64(sandrunerr.ENOSYS), fmt.Errorf("task: process-level clone is not yet wired to the fork path")
}
