//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package seccomp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPolicyRulesOverrideWinsAndOrderIsStable(t *testing.T) {
	p := Policy{
		Base: []Rule{
			{Syscall: 1, Action: ActionAllow},
			{Syscall: 2, Action: ActionAllow},
		},
		Override: []Rule{
			{Syscall: 2, Action: ActionKillProcess},
			{Syscall: 3, Action: ActionAllow},
		},
		Default: ActionTrace,
	}
	rules := p.Rules()
	require.Len(t, rules, 3)
	require.Equal(t, Rule{Syscall: 1, Action: ActionAllow}, rules[0])
	require.Equal(t, Rule{Syscall: 2, Action: ActionKillProcess}, rules[1])
	require.Equal(t, Rule{Syscall: 3, Action: ActionAllow}, rules[2])
}

func TestGuestPolicyKillsPtraceAndAllowsBase(t *testing.T) {
	rules := GuestPolicy().Rules()
	byNr := make(map[int]Action, len(rules))
	for _, r := range rules {
		byNr[r.Syscall] = r.Action
	}
	require.Equal(t, ActionKillProcess, byNr[unix.SYS_PTRACE])
	require.Equal(t, ActionAllow, byNr[unix.SYS_READ])
	require.Equal(t, ActionAllow, byNr[unix.SYS_WRITE])
	require.Equal(t, ActionAllow, byNr[unix.SYS_CLOSE])
}

func TestTracerPolicyTracesByDefault(t *testing.T) {
	p := TracerPolicy()
	require.Equal(t, ActionTrace, p.Default)
	rules := p.Rules()
	byNr := make(map[int]Action, len(rules))
	for _, r := range rules {
		byNr[r.Syscall] = r.Action
	}
	require.Equal(t, ActionAllow, byNr[unix.SYS_PTRACE])
}

func TestCompileProducesOneLoadAndTerminatingDefault(t *testing.T) {
	p := Policy{
		Base:    []Rule{{Syscall: int(unix.SYS_READ), Action: ActionAllow}},
		Default: ActionTrace,
	}
	prog := Compile(p)
	require.Len(t, prog, 1+2*1+1)
	require.EqualValues(t, bpfLdW, prog[0].Code)
	last := prog[len(prog)-1]
	require.EqualValues(t, bpfRetK, last.Code)
	require.Equal(t, retTrace, last.K)
}

func TestCompileGuestPolicyKillsPtraceAction(t *testing.T) {
	prog := Compile(GuestPolicy())
	var found bool
	for i := 1; i+1 < len(prog); i += 2 {
		jeq := prog[i]
		ret := prog[i+1]
		if jeq.K == uint32(unix.SYS_PTRACE) {
			found = true
			require.Equal(t, retKillProcess, ret.K)
		}
	}
	require.True(t, found, "expected a compiled rule for SYS_PTRACE")
}
