//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package seccomp

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// prctl option numbers and the seccomp filter mode (linux/prctl.h,
// linux/seccomp.h). Spelled out locally for the same reason the BPF
// opcodes are (compiler.go): stable ABI values golang.org/x/sys/unix
// does not always export by name across the versions the rest of
// this module's dependency pack pins.
const (
	prSetNoNewPrivs  = 38
	prSetSeccomp     = 22
	seccompModeFilter = 2
)

// Install asserts PR_SET_NO_NEW_PRIVS and then installs prog as the
// calling thread's seccomp filter (spec §4.2 "Both policies first
// assert PR_SET_NO_NEW_PRIVS, then install the filter program.
// Installation failure is fatal.").
func Install(prog []unix.SockFilter) error {
	if err := unix.Prctl(prSetNoNewPrivs, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccomp: PR_SET_NO_NEW_PRIVS: %w", err)
	}

	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	if err := unix.Prctl(prSetSeccomp, seccompModeFilter, uintptr(unsafe.Pointer(&fprog)), 0, 0); err != nil {
		return fmt.Errorf("seccomp: PR_SET_SECCOMP: %w", err)
	}
	return nil
}

// InstallTracerPolicy compiles and installs the tracer-side policy.
func InstallTracerPolicy() error {
	return Install(Compile(TracerPolicy()))
}

// InstallGuestPolicy compiles and installs the guest-side policy. It
// must be the last action the guest stub takes before exec'ing the
// untrusted program image (spec §9, SPEC_FULL.md §9 "stage-2 seccomp
// handoff").
func InstallGuestPolicy() error {
	return Install(Compile(GuestPolicy()))
}
