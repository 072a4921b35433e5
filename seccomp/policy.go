// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package seccomp compiles a small declarative rule list into the
// kernel BPF bytecode for the two policies the sandbox installs: one
// for the tracer itself, and a narrower one handed to every guest
// right before it execs the untrusted program (spec §4.2).
//
// The compiler is grounded on the same BPF classic-filter ABI
// canonical-lxd's and snapd's seccomp plumbing target
// (other_examples/4fbfaac5_canonical-lxd__lxd-seccomp.go.go,
// other_examples/7eeb531e_canonical-snapd__interfaces-seccomp-template.go.go),
// and on sysbox-fs's rule-table shape for a ptrace-cooperating tracer
// (other_examples/971cf83d_nestybox-sysbox-fs__seccomp-tracer.go.go).
// Unlike those, installation here goes straight through
// golang.org/x/sys/unix rather than cgo/libseccomp, since the policy
// shape needed (inspect syscall number only, no argument filters) is
// simple enough not to need a BPF-generation library.
package seccomp

// Action is what the kernel does when a rule's syscall matches.
type Action int

const (
	// ActionAllow lets the syscall execute without trapping.
	ActionAllow Action = iota
	// ActionTrace traps into the attached tracer (RET_TRACE). With no
	// tracer attached yet, the kernel converts this to ENOSYS (spec
	// §4.2 "which is exactly what early tracer startup code wants").
	ActionTrace
	// ActionKillProcess terminates the process immediately.
	ActionKillProcess
)

// Rule matches one syscall number to an Action.
type Rule struct {
	Syscall int
	Action  Action
}

// Policy is a base rule list plus an override list applied on top of
// it, so that two policies sharing a prefix (spec §9) never duplicate
// the base list textually -- they differ only in Override and
// Default.
type Policy struct {
	Base     []Rule
	Override []Rule
	// Default is the action for any syscall neither Base nor Override
	// names.
	Default Action
}

// Rules returns the effective rule set: Override entries take
// precedence over Base entries naming the same syscall.
func (p Policy) Rules() []Rule {
	byNr := make(map[int]Rule, len(p.Base)+len(p.Override))
	var order []int
	for _, r := range p.Base {
		if _, ok := byNr[r.Syscall]; !ok {
			order = append(order, r.Syscall)
		}
		byNr[r.Syscall] = r
	}
	for _, r := range p.Override {
		if _, ok := byNr[r.Syscall]; !ok {
			order = append(order, r.Syscall)
		}
		byNr[r.Syscall] = r
	}
	out := make([]Rule, 0, len(order))
	for _, nr := range order {
		out = append(out, byNr[nr])
	}
	return out
}
