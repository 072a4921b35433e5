//go:build linux

// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package task

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/sandrun/sandrun/ipc"
	"github.com/sandrun/sandrun/trampoline"
)

// msghdrSize and iovecSize are the x86-64 struct msghdr / struct iovec
// layouts (linux/socket.h), reproduced here because the tracer must
// write a well-formed one directly into the guest's own memory before
// injecting a recvmsg call targeting it -- there is no Go struct
// already shaped for "lives in someone else's address space".
const (
	msghdrSize = 56
	iovecSize  = 16
)

func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:], v) }
func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

// sendFileToGuest hands hostFd to the running guest task by sending it
// down the surviving bootstrap IPC socket (SCM_RIGHTS) from the tracer
// side, then injecting a recvmsg call into the stopped task so the
// kernel materializes the fd in the task's own table as a side effect
// -- the task never has to cooperate or even be aware a new fd
// appeared. A small scratch region inside the task's mmap arena holds
// the msghdr/iovec/control buffers the injected call reads and writes.
//
// Returns the guest-visible fd number, recovered from the control
// buffer the kernel filled in during the injected recvmsg.
func sendFileToGuest(conn *ipc.Conn, remote *trampoline.Remote, mem *guestMem, scratch uintptr, hostFd int) (int, error) {
	if err := conn.SendRawFd(hostFd); err != nil {
		return 0, fmt.Errorf("task: send fd to guest socket: %w", err)
	}

	const dataCap = 8
	control := unix.UnixRights(-1) // sized correctly; bytes overwritten by the kernel on receive
	controlCap := len(control)

	dataAddr := scratch
	controlAddr := scratch + dataCap
	iovAddr := controlAddr + uintptr(controlCap)
	msgAddr := iovAddr + iovecSize

	iov := make([]byte, iovecSize)
	putU64(iov, 0, uint64(dataAddr))
	putU64(iov, 8, uint64(dataCap))
	if err := mem.Write(iovAddr, iov); err != nil {
		return 0, err
	}

	msg := make([]byte, msghdrSize)
	putU64(msg, 0, 0) // msg_name
	putU32(msg, 8, 0) // msg_namelen
	putU64(msg, 16, uint64(iovAddr))
	putU64(msg, 24, 1) // msg_iovlen
	putU64(msg, 32, uint64(controlAddr))
	putU64(msg, 40, uint64(controlCap))
	putU32(msg, 48, 0) // msg_flags
	if err := mem.Write(msgAddr, msg); err != nil {
		return 0, err
	}
	// Zero the control buffer so a short/failed receive can't be
	// mistaken for a valid cmsg.
	if err := mem.Write(controlAddr, make([]byte, controlCap)); err != nil {
		return 0, err
	}

	ret, err := remote.Syscall6(uint64(unix.SYS_RECVMSG), uint64(bootstrapConnFd), uint64(msgAddr), 0, 0, 0, 0)
	if err != nil {
		return 0, fmt.Errorf("task: inject recvmsg: %w", err)
	}
	if ret < 0 {
		return 0, fmt.Errorf("task: guest recvmsg failed: %w", unix.Errno(-ret))
	}

	gotControl := make([]byte, controlCap)
	if err := mem.Read(controlAddr, gotControl); err != nil {
		return 0, err
	}
	scms, err := unix.ParseSocketControlMessage(gotControl)
	if err != nil {
		return 0, fmt.Errorf("task: parse guest cmsg: %w", err)
	}
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return 0, fmt.Errorf("task: injected recvmsg delivered no fd")
}

// bootstrapConnFd is the fixed descriptor number the guest's tracer
// socket sits on: Spawn hands the socket over as the child's first
// ExtraFiles entry, which becomes fd 3. No FD environment variable is
// set. The socket is created without close-on-exec, so it survives the
// stub's exec of the image.
const bootstrapConnFd = 3
