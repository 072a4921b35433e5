// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ipc implements the fixed-capacity, length-prefixed wire
// format that carries messages and out-of-band file descriptors
// across the tracer<->guest socket pair (spec §4.5, §6).
//
// The format mirrors the teacher's raw fixed-header encoding
// (fuse.InHeader/OutHeader, see fuse/request.go) in spirit: small,
// fixed-width, little-endian fields read and written without a
// generic reflection-based codec. Unlike the kernel's FUSE ABI, this
// protocol is ours to define, so the layout is variant-tagged rather
// than opcode-dispatched, and capacities are bounded at compile time
// because the guest side (internal/sand) cannot allocate.
package ipc

import "github.com/sandrun/sandrun/sandrunerr"

// MaxBytes is the largest byte payload a single frame may carry.
const MaxBytes = 128

// MaxFds is the largest number of descriptors a single frame may carry.
const MaxFds = 8

// Buffer is the byte+descriptor pair serialized together for one
// frame. Descriptors never appear inline in Bytes; they are queued
// separately and attached as SCM_RIGHTS ancillary data at send time.
type Buffer struct {
	Bytes []byte
	Fds   []int
}

// NewBuffer returns an empty buffer with MaxBytes/MaxFds capacity
// pre-reserved, avoiding reallocation during encode.
func NewBuffer() *Buffer {
	return &Buffer{
		Bytes: make([]byte, 0, MaxBytes),
		Fds:   make([]int, 0, MaxFds),
	}
}

// Encoder appends scalars to a Buffer, failing with BufferFull once
// capacity is exhausted.
type Encoder struct {
	buf *Buffer
}

// NewEncoder wraps buf for writing.
func NewEncoder(buf *Buffer) *Encoder { return &Encoder{buf: buf} }

func (e *Encoder) reserve(n int) error {
	if len(e.buf.Bytes)+n > MaxBytes {
		return sandrunerr.NewIPCError(sandrunerr.BufferFull, "byte capacity exceeded")
	}
	return nil
}

// PutU8 appends a single byte.
func (e *Encoder) PutU8(v uint8) error {
	if err := e.reserve(1); err != nil {
		return err
	}
	e.buf.Bytes = append(e.buf.Bytes, v)
	return nil
}

// PutBool appends a byte: 1 for true, 0 for false.
func (e *Encoder) PutBool(v bool) error {
	if v {
		return e.PutU8(1)
	}
	return e.PutU8(0)
}

// PutU32 appends a little-endian uint32.
func (e *Encoder) PutU32(v uint32) error {
	if err := e.reserve(4); err != nil {
		return err
	}
	e.buf.Bytes = append(e.buf.Bytes,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	return nil
}

// PutI32 appends a little-endian int32.
func (e *Encoder) PutI32(v int32) error { return e.PutU32(uint32(v)) }

// PutU64 appends a little-endian uint64.
func (e *Encoder) PutU64(v uint64) error {
	if err := e.reserve(8); err != nil {
		return err
	}
	e.buf.Bytes = append(e.buf.Bytes,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56))
	return nil
}

// PutI64 appends a little-endian int64.
func (e *Encoder) PutI64(v int64) error { return e.PutU64(uint64(v)) }

// PutBytesN appends a length-prefixed (1-byte length) byte slice. The
// length byte bounds strings/paths to 255 bytes in addition to the
// overall MaxBytes frame cap.
func (e *Encoder) PutBytesN(b []byte) error {
	if len(b) > 255 {
		return sandrunerr.NewIPCError(sandrunerr.InvalidValue, "value longer than 255 bytes")
	}
	if err := e.reserve(1 + len(b)); err != nil {
		return err
	}
	e.buf.Bytes = append(e.buf.Bytes, byte(len(b)))
	e.buf.Bytes = append(e.buf.Bytes, b...)
	return nil
}

// PutString appends a length-prefixed UTF-8 string.
func (e *Encoder) PutString(s string) error { return e.PutBytesN([]byte(s)) }

// PutFd queues a descriptor for out-of-band transmission and does not
// touch the byte stream at all (spec §4.5).
func (e *Encoder) PutFd(fd int) error {
	if len(e.buf.Fds) >= MaxFds {
		return sandrunerr.NewIPCError(sandrunerr.BufferFull, "descriptor capacity exceeded")
	}
	e.buf.Fds = append(e.buf.Fds, fd)
	return nil
}

// Decoder reads scalars out of a Buffer in the order they were
// written, failing with UnexpectedEnd on truncated input.
type Decoder struct {
	buf    *Buffer
	off    int
	fdNext int
}

// NewDecoder wraps buf for reading from the start.
func NewDecoder(buf *Buffer) *Decoder { return &Decoder{buf: buf} }

func (d *Decoder) need(n int) error {
	if d.off+n > len(d.buf.Bytes) {
		return sandrunerr.NewIPCError(sandrunerr.UnexpectedEnd, "short frame")
	}
	return nil
}

// GetU8 reads a single byte.
func (d *Decoder) GetU8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf.Bytes[d.off]
	d.off++
	return v, nil
}

// GetBool reads a single byte as a boolean.
func (d *Decoder) GetBool() (bool, error) {
	v, err := d.GetU8()
	return v != 0, err
}

// GetU32 reads a little-endian uint32.
func (d *Decoder) GetU32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	b := d.buf.Bytes[d.off : d.off+4]
	d.off += 4
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// GetI32 reads a little-endian int32.
func (d *Decoder) GetI32() (int32, error) {
	v, err := d.GetU32()
	return int32(v), err
}

// GetU64 reads a little-endian uint64.
func (d *Decoder) GetU64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	b := d.buf.Bytes[d.off : d.off+8]
	d.off += 8
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

// GetI64 reads a little-endian int64.
func (d *Decoder) GetI64() (int64, error) {
	v, err := d.GetU64()
	return int64(v), err
}

// GetBytesN reads a length-prefixed byte slice.
func (d *Decoder) GetBytesN() ([]byte, error) {
	n, err := d.GetU8()
	if err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf.Bytes[d.off:d.off+int(n)])
	d.off += int(n)
	return out, nil
}

// GetString reads a length-prefixed UTF-8 string.
func (d *Decoder) GetString() (string, error) {
	b, err := d.GetBytesN()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetFd dequeues the next out-of-band descriptor in arrival order.
func (d *Decoder) GetFd() (int, error) {
	if d.fdNext >= len(d.buf.Fds) {
		return -1, sandrunerr.NewIPCError(sandrunerr.UnexpectedEnd, "no descriptor queued")
	}
	fd := d.buf.Fds[d.fdNext]
	d.fdNext++
	return fd, nil
}

// Done reports whether every byte and descriptor has been consumed.
func (d *Decoder) Done() bool {
	return d.off == len(d.buf.Bytes) && d.fdNext == len(d.buf.Fds)
}
