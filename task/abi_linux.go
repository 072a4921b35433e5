//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import (
	"encoding/binary"

	"github.com/sandrun/sandrun/vfs"
)

// statSize is sizeof(struct stat) on x86-64 (bits/stat.h via glibc).
const statSize = 144

// encodeLinuxStat lays Metadata out exactly the way the kernel would
// fill in struct stat, since that's the buffer the guest's libc is
// about to read through unmodified.
func encodeLinuxStat(m vfs.Metadata) []byte {
	b := make([]byte, statSize)
	le := binary.LittleEndian
	le.PutUint64(b[0:], 1)                 // st_dev: a single synthetic device
	le.PutUint64(b[8:], 0)                 // st_ino: not surfaced by Metadata; callers keying off inode use VFile.Ino directly
	le.PutUint64(b[16:], uint64(m.Nlink))   // st_nlink
	le.PutUint32(b[24:], m.Mode)            // st_mode
	le.PutUint32(b[28:], m.Uid)             // st_uid
	le.PutUint32(b[32:], m.Gid)             // st_gid
	le.PutUint64(b[40:], 0)                 // st_rdev
	le.PutUint64(b[48:], m.Size)            // st_size
	le.PutUint64(b[56:], 4096)              // st_blksize
	le.PutUint64(b[64:], (m.Size+511)/512)  // st_blocks
	sec := m.Mtime.Unix()
	nsec := int64(m.Mtime.Nanosecond())
	le.PutUint64(b[72:], uint64(sec))  // st_atim.tv_sec
	le.PutUint64(b[80:], uint64(nsec)) // st_atim.tv_nsec
	le.PutUint64(b[88:], uint64(sec))  // st_mtim.tv_sec
	le.PutUint64(b[96:], uint64(nsec)) // st_mtim.tv_nsec
	le.PutUint64(b[104:], uint64(sec)) // st_ctim.tv_sec
	le.PutUint64(b[112:], uint64(nsec))
	return b
}

// encodeLinuxDirents packs entries into linux_dirent64 records up to
// bufSize bytes, the same layout getdents64 fills its caller's buffer
// with. Entries that would overflow bufSize are simply dropped from
// this call; a real multi-call continuation (tracking an offset
// across repeated getdents64 calls on the same fd) is not implemented,
// so directories wider than one buffer will appear truncated.
func encodeLinuxDirents(entries []vfs.DirEntry, bufSize uint64) ([]byte, error) {
	var out []byte
	for i, e := range entries {
		name := append([]byte(e.Name), 0)
		// header(8+8+2+1) + name, padded to the next multiple of 8.
		reclen := (19 + len(name) + 7) / 8 * 8
		if uint64(len(out)+reclen) > bufSize {
			break
		}
		rec := make([]byte, reclen)
		binary.LittleEndian.PutUint64(rec[0:], uint64(e.Ino))
		binary.LittleEndian.PutUint64(rec[8:], uint64(i+1)) // d_off: next-entry cookie
		binary.LittleEndian.PutUint16(rec[16:], uint16(reclen))
		rec[18] = directoryType(e.Mode)
		copy(rec[19:], name)
		out = append(out, rec...)
	}
	return out, nil
}

func directoryType(mode uint32) byte {
	const (
		sIfmt = 0o170000
		sIfdir = 0o040000
		sIflnk = 0o120000
	)
	switch mode & sIfmt {
	case sIfdir:
		return 4 // DT_DIR
	case sIflnk:
		return 10 // DT_LNK
	default:
		return 8 // DT_REG
	}
}

// unameFieldLen is _UTSNAME_LENGTH from linux/utsname.h.
const unameFieldLen = 65

// encodeUname builds a struct utsname reporting a fixed, synthetic
// identity for every guest, matching what a real container runtime
// reports independent of the host kernel actually running underneath.
// doUname writes it straight into guest memory through /proc/pid/mem.
func encodeUname() []byte {
	fields := []string{"Linux", "host", "4.0.0-sandbox", "#1 SMP", "x86_64", ""}
	out := make([]byte, unameFieldLen*len(fields))
	for i, f := range fields {
		copy(out[i*unameFieldLen:], f)
	}
	return out
}

// sysinfoSize is sizeof(struct sysinfo) on x86-64 (asm-generic/sysinfo.h).
const sysinfoSize = 112

// sysinfoMemUnitOffset is the byte offset of mem_unit within struct
// sysinfo on x86-64: uptime(8) + loads[3](24) + 4 ram/swap fields(32) +
// totalswap/freeswap(16) + procs/pad(4) + alignment(4) +
// totalhigh/freehigh(16) = 104.
const sysinfoMemUnitOffset = 104

// encodeSysinfo reports an all-zero struct sysinfo except mem_unit,
// which glibc callers divide memory totals by; zero there would fault
// that division, so it's pinned to 1.
func encodeSysinfo() []byte {
	b := make([]byte, sysinfoSize)
	binary.LittleEndian.PutUint32(b[sysinfoMemUnitOffset:], 1)
	return b
}
