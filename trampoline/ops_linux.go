//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trampoline

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func errnoOf(ret int64) error {
	if ret >= 0 {
		return nil
	}
	return unix.Errno(-ret)
}

// Mmap asks the task to map length bytes of fd at offset with the
// given prot/flags, at whatever address the kernel picks (addr 0,
// no MAP_FIXED). The emulated brk arena does not use it; brk goes
// through MmapAnonymousNoReplace and Mremap.
func (r *Remote) Mmap(length uintptr, prot, flags int, fd int, offset int64) (uintptr, error) {
	ret, err := r.Syscall6(uint64(unix.SYS_MMAP), 0, uint64(length), uint64(prot), uint64(flags), uint64(fd), uint64(offset))
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("trampoline: mmap: %w", errnoOf(ret))
	}
	return uintptr(ret), nil
}

// MmapAnonymousNoReplace maps length bytes of anonymous memory at the
// exact address requested, failing rather than silently relocating if
// something is already mapped there. Older kernels ignore
// MAP_FIXED_NOREPLACE; this wrapper notices that case (the kernel
// returned a different address than requested) and rolls the mapping
// back itself rather than trust the flag blindly.
func (r *Remote) MmapAnonymousNoReplace(addr uintptr, length uintptr, prot int) (uintptr, error) {
	const mapFixedNoreplace = 0x100000 // MAP_FIXED_NOREPLACE, linux/mman.h
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | mapFixedNoreplace
	ret, err := r.Syscall6(uint64(unix.SYS_MMAP), uint64(addr), uint64(length), uint64(prot), uint64(flags), ^uint64(0), 0)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("trampoline: mmap_noreplace: %w", errnoOf(ret))
	}
	got := uintptr(ret)
	if got != addr {
		// The kernel silently relocated us: undo it and report a conflict.
		_, _ = r.Munmap(got, length)
		return 0, fmt.Errorf("trampoline: mmap_noreplace: kernel placed mapping at %#x instead of requested %#x", got, addr)
	}
	return got, nil
}

// Munmap unmaps length bytes starting at addr.
func (r *Remote) Munmap(addr uintptr, length uintptr) (int64, error) {
	ret, err := r.Syscall6(uint64(unix.SYS_MUNMAP), uint64(addr), uint64(length), 0, 0, 0, 0)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return ret, fmt.Errorf("trampoline: munmap: %w", errnoOf(ret))
	}
	return ret, nil
}

// Mremap resizes an existing anonymous mapping in place or, if
// mayMove is true, lets the kernel relocate it.
func (r *Remote) Mremap(oldAddr uintptr, oldSize, newSize uintptr, mayMove bool) (uintptr, error) {
	var flags uint64
	if mayMove {
		flags = unix.MREMAP_MAYMOVE
	}
	ret, err := r.Syscall6(uint64(unix.SYS_MREMAP), uint64(oldAddr), uint64(oldSize), uint64(newSize), flags, 0, 0)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("trampoline: mremap: %w", errnoOf(ret))
	}
	return uintptr(ret), nil
}

// Pread reads up to length bytes from fd at offset, directly into
// the task's address space at bufAddr (the tracer writes into task
// memory via /proc/pid/mem, then asks the task to read into its own
// buffer so the data ends up where the guest expects it).
func (r *Remote) Pread(fd int, bufAddr uintptr, length uintptr, offset int64) (int64, error) {
	ret, err := r.Syscall6(uint64(unix.SYS_PREAD64), uint64(fd), uint64(bufAddr), uint64(length), uint64(offset), 0, 0)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("trampoline: pread: %w", errnoOf(ret))
	}
	return ret, nil
}

// PreadExact repeats Pread until exactly length bytes are read or an
// error or short read (EOF) occurs.
func (r *Remote) PreadExact(fd int, bufAddr uintptr, length uintptr, offset int64) error {
	var done uintptr
	for done < length {
		n, err := r.Pread(fd, bufAddr+done, length-done, offset+int64(done))
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("trampoline: pread_exact: unexpected EOF after %d/%d bytes", done, length)
		}
		done += uintptr(n)
	}
	return nil
}

// Pwrite writes up to length bytes to fd at offset from the task's
// own bufAddr.
func (r *Remote) Pwrite(fd int, bufAddr uintptr, length uintptr, offset int64) (int64, error) {
	ret, err := r.Syscall6(uint64(unix.SYS_PWRITE64), uint64(fd), uint64(bufAddr), uint64(length), uint64(offset), 0, 0)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("trampoline: pwrite: %w", errnoOf(ret))
	}
	return ret, nil
}

// PwriteExact repeats Pwrite until exactly length bytes are written.
func (r *Remote) PwriteExact(fd int, bufAddr uintptr, length uintptr, offset int64) error {
	var done uintptr
	for done < length {
		n, err := r.Pwrite(fd, bufAddr+done, length-done, offset+int64(done))
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("trampoline: pwrite_exact: wrote 0 bytes after %d/%d", done, length)
		}
		done += uintptr(n)
	}
	return nil
}

// Close closes fd inside the task.
func (r *Remote) Close(fd int) error {
	ret, err := r.Syscall6(uint64(unix.SYS_CLOSE), uint64(fd), 0, 0, 0, 0, 0)
	if err != nil {
		return err
	}
	if ret < 0 {
		return fmt.Errorf("trampoline: close: %w", errnoOf(ret))
	}
	return nil
}

// Getrandom fills up to length bytes of the task's bufAddr with
// kernel randomness, without the guest ever touching a real device
// node.
func (r *Remote) Getrandom(bufAddr uintptr, length uintptr, flags uint) (int64, error) {
	ret, err := r.Syscall6(uint64(unix.SYS_GETRANDOM), uint64(bufAddr), uint64(length), uint64(flags), 0, 0, 0)
	if err != nil {
		return 0, err
	}
	if ret < 0 {
		return 0, fmt.Errorf("trampoline: getrandom: %w", errnoOf(ret))
	}
	return ret, nil
}

// GetrandomExact repeats Getrandom until length bytes are filled.
func (r *Remote) GetrandomExact(bufAddr uintptr, length uintptr) error {
	var done uintptr
	for done < length {
		n, err := r.Getrandom(bufAddr+done, length-done, 0)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("trampoline: getrandom_exact: read 0 bytes after %d/%d", done, length)
		}
		done += uintptr(n)
	}
	return nil
}

// UnmapAllUserspaceMem reads the task's own memory map and unmaps
// every region below the x86-64 userspace ceiling, except the vdso
// and vvar mappings the injected syscalls rely on. It makes a single
// pass over the map as read at the start of the call.
func (r *Remote) UnmapAllUserspaceMem() error {
	const userspaceCeiling = 0x7ffffffff000
	regions, err := readMaps(r.pid)
	if err != nil {
		return fmt.Errorf("trampoline: read maps: %w", err)
	}
	for _, reg := range regions {
		if reg.vdso || reg.lo >= userspaceCeiling {
			continue
		}
		if _, err := r.Munmap(reg.lo, reg.hi-reg.lo); err != nil {
			return fmt.Errorf("trampoline: unmap %#x-%#x: %w", reg.lo, reg.hi, err)
		}
	}
	return nil
}
