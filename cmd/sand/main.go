// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command sand is the freestanding guest bootstrap stub. The tracer
// execs it into a freshly forked, ptrace-attached child in place of
// the untrusted program image; it talks to the tracer just long
// enough to pick up its real exec parameters, installs the guest
// seccomp policy, and execs away into the image itself (spec §6
// "Guest image entry").
package main

import (
	"fmt"
	"os"

	"github.com/sandrun/sandrun/internal/sand"
	"github.com/sandrun/sandrun/ipc"
)

func main() {
	conn := ipc.NewConn(sand.ConnFd)
	if err := sand.Run(conn); err != nil {
		fmt.Fprintf(os.Stderr, "sand: %v\n", err)
		os.Exit(1)
	}
	// Run only returns on success via syscall.Exec, which never
	// returns to here; reaching this line is itself a bug.
	fmt.Fprintln(os.Stderr, "sand: Run returned without exec'ing")
	os.Exit(1)
}
