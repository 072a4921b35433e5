// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import (
	"golang.org/x/sys/unix"

	"github.com/sandrun/sandrun/sandrunerr"
)

// Conn is a Unix-domain SOCK_STREAM endpoint that exchanges framed
// Buffers with descriptors attached as SCM_RIGHTS ancillary data, the
// transport the guest<->tracer protocol runs over (spec §6).
type Conn struct {
	fd int
}

// NewConn wraps an already-connected socket descriptor.
func NewConn(fd int) *Conn { return &Conn{fd: fd} }

// Fd returns the underlying descriptor, e.g. for passing FD=<int> to
// a freshly exec'd guest (spec §6 "Guest image entry").
func (c *Conn) Fd() int { return c.fd }

// SocketPair creates a connected pair of sockets suitable for a fresh
// guest fork, the child end having its close-on-exec flag cleared.
func SocketPair() (host *Conn, guest *Conn, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := unix.SetNonblock(fds[0], false); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	return NewConn(fds[0]), NewConn(fds[1]), nil
}

// Close closes the underlying descriptor.
func (c *Conn) Close() error { return unix.Close(c.fd) }

// Send writes buf's bytes as one frame, preceded by a one-byte length
// prefix, with buf's descriptors attached as ancillary data.
func (c *Conn) Send(buf *Buffer) error {
	if len(buf.Bytes) > MaxBytes {
		return sandrunerr.NewIPCError(sandrunerr.BufferFull, "frame exceeds MaxBytes")
	}
	frame := make([]byte, 1+len(buf.Bytes))
	frame[0] = byte(len(buf.Bytes))
	copy(frame[1:], buf.Bytes)

	var oob []byte
	if len(buf.Fds) > 0 {
		oob = unix.UnixRights(buf.Fds...)
	}
	return unix.Sendmsg(c.fd, frame, oob, nil, 0)
}

// SendRawFd pushes fd across the connection as ancillary data with a
// single marker byte of payload, bypassing the length-prefixed frame
// format. It exists for the tracer to hand a task a file descriptor
// by injecting a matching recvmsg directly into that task (see the
// task package's fd-passing helper) rather than through the normal
// Recv/RecvFromSand path.
func (c *Conn) SendRawFd(fd int) error {
	return unix.Sendmsg(c.fd, []byte{0}, unix.UnixRights(fd), nil, 0)
}

// Recv reads exactly one frame, along with any descriptors attached
// to it, blocking until a full frame is available.
func (c *Conn) Recv() (*Buffer, error) {
	// Descriptors ride on the frame's first byte, so the length byte is
	// read with recvmsg: a plain read would discard them.
	var lenByte [1]byte
	oobBuf := make([]byte, unix.CmsgSpace(4*MaxFds))
	got, oobn, _, _, err := unix.Recvmsg(c.fd, lenByte[:], oobBuf, 0)
	if err != nil {
		return nil, err
	}
	if got == 0 {
		return nil, sandrunerr.NewIPCError(sandrunerr.UnexpectedEnd, "peer closed connection")
	}
	n := int(lenByte[0])
	if n > MaxBytes {
		return nil, sandrunerr.NewIPCError(sandrunerr.BufferFull, "peer announced oversized frame")
	}

	payload := make([]byte, n)
	if err := c.readFull(payload); err != nil {
		return nil, err
	}

	fds, err := parseFds(oobBuf[:oobn])
	if err != nil {
		return nil, err
	}
	return &Buffer{Bytes: payload, Fds: fds}, nil
}

func (c *Conn) readFull(b []byte) error {
	for len(b) > 0 {
		n, err := unix.Read(c.fd, b)
		if err != nil {
			return err
		}
		if n == 0 {
			return sandrunerr.NewIPCError(sandrunerr.UnexpectedEnd, "peer closed connection")
		}
		b = b[n:]
	}
	return nil
}

func parseFds(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var fds []int
	for _, m := range msgs {
		got, err := unix.ParseUnixRights(&m)
		if err != nil {
			return nil, err
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

// SendFromSand encodes and sends a guest->tracer message.
func (c *Conn) SendFromSand(m MessageFromSand) error {
	buf, err := EncodeFromSand(m)
	if err != nil {
		return err
	}
	return c.Send(buf)
}

// RecvFromSand receives and decodes a guest->tracer message.
func (c *Conn) RecvFromSand() (MessageFromSand, error) {
	buf, err := c.Recv()
	if err != nil {
		return MessageFromSand{}, err
	}
	return DecodeFromSand(buf)
}

// SendToSand encodes and sends a tracer->guest message.
func (c *Conn) SendToSand(m MessageToSand) error {
	buf, err := EncodeToSand(m)
	if err != nil {
		return err
	}
	return c.Send(buf)
}

// RecvToSand receives and decodes a tracer->guest message.
func (c *Conn) RecvToSand() (MessageToSand, error) {
	buf, err := c.Recv()
	if err != nil {
		return MessageToSand{}, err
	}
	return DecodeToSand(buf)
}
