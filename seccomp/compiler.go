//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package seccomp

import "golang.org/x/sys/unix"

// Classic BPF instruction classes/opcodes (linux/filter.h,
// linux/bpf_common.h). golang.org/x/sys/unix does not export these as
// named constants, so they are spelled out here the way
// canonical-lxd's and snapd's seccomp program builders do
// (other_examples, cgo versions of the same bytecode).
const (
	bpfLdW  = 0x00 | 0x00 | 0x20 // BPF_LD | BPF_W | BPF_ABS
	bpfJeqK = 0x05 | 0x10 | 0x00 // BPF_JMP | BPF_JEQ | BPF_K
	bpfRetK = 0x06 | 0x00        // BPF_RET | BPF_K
)

// seccompDataNrOffset is the byte offset of the `nr` field in the
// kernel's struct seccomp_data -- the same on every architecture
// (linux/seccomp.h). The compiler only ever reads this field, never
// the argument words that follow it (spec §4.2 "required to inspect
// only the syscall number register").
const seccompDataNrOffset = 0

// Kernel seccomp return-action values (linux/seccomp.h).
const (
	retKillProcess uint32 = 0x80000000
	retTrace       uint32 = 0x7ff00000
	retAllow       uint32 = 0x7fff0000
)

func actionRetValue(a Action) uint32 {
	switch a {
	case ActionAllow:
		return retAllow
	case ActionKillProcess:
		return retKillProcess
	default:
		return retTrace
	}
}

// Compile turns a Policy into a classic BPF program installable via
// PR_SET_SECCOMP. Each rule becomes a compare-and-return pair: if the
// loaded syscall number matches, control falls through to an
// immediately following RET; otherwise it skips that RET and reaches
// the next rule's compare instruction. A final RET carries the
// policy's default action.
func Compile(p Policy) []unix.SockFilter {
	rules := p.Rules()
	prog := make([]unix.SockFilter, 0, 1+2*len(rules)+1)

	prog = append(prog, unix.SockFilter{
		Code: bpfLdW,
		K:    seccompDataNrOffset,
	})

	for _, r := range rules {
		prog = append(prog, unix.SockFilter{
			Code: bpfJeqK,
			Jt:   0,
			Jf:   1,
			K:    uint32(r.Syscall),
		})
		prog = append(prog, unix.SockFilter{
			Code: bpfRetK,
			K:    actionRetValue(r.Action),
		})
	}

	prog = append(prog, unix.SockFilter{
		Code: bpfRetK,
		K:    actionRetValue(p.Default),
	})

	return prog
}
