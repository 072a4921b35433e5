// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sandrunerr

import "syscall"

// Errno is a negated kernel errno value, the form in which failed
// syscalls are reported back to the guest via its return register.
type Errno int32

// FromSyscallErrno negates a syscall.Errno into the guest-facing form.
// A nil/zero errno maps to 0 (success).
func FromSyscallErrno(err error) Errno {
	if err == nil {
		return 0
	}
	errno, ok := err.(syscall.Errno)
	if !ok {
		return Errno(-int32(syscall.EIO))
	}
	return Errno(-int32(errno))
}

// ENOSYS is the errno returned for syscalls the emulator does not
// recognize (spec §4.4 dispatch table, "anything else").
const ENOSYS Errno = Errno(-int32(syscall.ENOSYS))
