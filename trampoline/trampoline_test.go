//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package trampoline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMaps = `55a1c0a1f000-55a1c0a21000 r--p 00000000 fd:01 123 /bin/cat
55a1c0a21000-55a1c0a25000 r-xp 00002000 fd:01 123 /bin/cat
7f2e9a000000-7f2e9a022000 rw-p 00000000 00:00 0
7ffd1a3e0000-7ffd1a401000 rw-p 00000000 00:00 0                          [stack]
7ffd1a451000-7ffd1a455000 r--p 00000000 00:00 0                          [vvar]
7ffd1a455000-7ffd1a457000 r-xp 00000000 00:00 0                          [vdso]
`

func TestParseVdsoRange(t *testing.T) {
	lo, hi, err := parseVdsoRange(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Equal(t, uint64(0x7ffd1a455000), lo)
	require.Equal(t, uint64(0x7ffd1a457000), hi)
}

func TestParseVdsoRangeMissing(t *testing.T) {
	_, _, err := parseVdsoRange(strings.NewReader("55a1c0a1f000-55a1c0a21000 r--p 00000000 fd:01 123 /bin/cat\n"))
	require.Error(t, err)
}

func TestParseMapsFlagsVdsoAndVvar(t *testing.T) {
	regions, err := parseMaps(strings.NewReader(sampleMaps))
	require.NoError(t, err)
	require.Len(t, regions, 6)

	var vdsoCount int
	for _, r := range regions {
		if r.vdso {
			vdsoCount++
		}
	}
	require.Equal(t, 2, vdsoCount)
}

func TestIndexOfFindsSyscallOpcode(t *testing.T) {
	buf := []byte{0x90, 0x90, 0x0f, 0x05, 0xc3}
	require.Equal(t, 2, indexOf(buf, syscallOpcode))
}

func TestIndexOfNotFound(t *testing.T) {
	buf := []byte{0x90, 0x90, 0x90}
	require.Equal(t, -1, indexOf(buf, syscallOpcode))
}
