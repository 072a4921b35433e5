// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ipc

import "github.com/sandrun/sandrun/sandrunerr"

// VPid is the virtual pid a guest task is known by to the guest itself.
type VPid uint32

// SysPid is the host's opaque process identifier for a guest task.
type SysPid uint32

// SysFd is a raw host file descriptor number, carried out of band.
type SysFd int32

// LogLevel mirrors the small set of levels the guest stub can report
// without pulling in a logging library (it is freestanding, §9).
type LogLevel uint8

const (
	LogError LogLevel = iota
	LogWarn
	LogInfo
	LogDebug
	LogTrace
)

// Result is a generic Ok/Err envelope used by several reply variants.
// Err carries a negated errno (sandrunerr.Errno) rather than a string,
// since guest-facing failures are always syscall failures.
type Result struct {
	Ok  bool
	Err sandrunerr.Errno
}

// OkResult builds a successful Result.
func OkResult() Result { return Result{Ok: true} }

// ErrResult builds a failed Result carrying errno.
func ErrResult(errno sandrunerr.Errno) Result { return Result{Ok: false, Err: errno} }

func (r Result) encode(e *Encoder) error {
	if err := e.PutBool(r.Ok); err != nil {
		return err
	}
	if r.Ok {
		return nil
	}
	return e.PutI32(int32(r.Err))
}

func decodeResult(d *Decoder) (Result, error) {
	ok, err := d.GetBool()
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{Ok: true}, nil
	}
	errno, err := d.GetI32()
	if err != nil {
		return Result{}, err
	}
	return Result{Ok: false, Err: sandrunerr.Errno(errno)}, nil
}

// FileStat is the fixed-layout metadata struct returned by FileStat
// requests; see SPEC_FULL.md §9 for the marshaling decision.
type FileStat struct {
	Mode     uint32
	Uid      uint32
	Gid      uint32
	Size     uint64
	Mtime    int64
	Nlink    uint32
	RdevMaj  uint32
	RdevMin  uint32
}

func (s FileStat) encode(e *Encoder) error {
	for _, err := range []error{
		e.PutU32(s.Mode),
		e.PutU32(s.Uid),
		e.PutU32(s.Gid),
		e.PutU64(s.Size),
		e.PutI64(s.Mtime),
		e.PutU32(s.Nlink),
		e.PutU32(s.RdevMaj),
		e.PutU32(s.RdevMin),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeFileStat(d *Decoder) (FileStat, error) {
	var s FileStat
	var err error
	if s.Mode, err = d.GetU32(); err != nil {
		return s, err
	}
	if s.Uid, err = d.GetU32(); err != nil {
		return s, err
	}
	if s.Gid, err = d.GetU32(); err != nil {
		return s, err
	}
	if s.Size, err = d.GetU64(); err != nil {
		return s, err
	}
	if s.Mtime, err = d.GetI64(); err != nil {
		return s, err
	}
	if s.Nlink, err = d.GetU32(); err != nil {
		return s, err
	}
	if s.RdevMaj, err = d.GetU32(); err != nil {
		return s, err
	}
	if s.RdevMin, err = d.GetU32(); err != nil {
		return s, err
	}
	return s, nil
}

// ProcessHandle identifies a process the tracer opened on the guest's
// behalf (spec §6, OpenProcessReply).
type ProcessHandle struct {
	Pid SysPid
}

// FromTask is the guest->tracer operation union (spec §6).
type FromTask interface {
	isFromTask()
}

type OpOpenProcess struct{ Pid SysPid }
type OpFileOpen struct {
	Dir   *SysFd
	Path  string
	Flags uint32
	Mode  uint32
}
type OpFileAccess struct {
	Dir  *SysFd
	Path string
	Mode uint32
}
type OpFileStat struct {
	File     *SysFd
	Path     *string
	NoFollow bool
}
type OpGetWorkingDir struct{ BufSize uint32 }
type OpChangeWorkingDir struct{ Path string }
type OpLog struct {
	Level   LogLevel
	Payload string
}
type OpExited struct{ Code int32 }

func (OpOpenProcess) isFromTask()      {}
func (OpFileOpen) isFromTask()         {}
func (OpFileAccess) isFromTask()       {}
func (OpFileStat) isFromTask()         {}
func (OpGetWorkingDir) isFromTask()    {}
func (OpChangeWorkingDir) isFromTask() {}
func (OpLog) isFromTask()              {}
func (OpExited) isFromTask()           {}

// ToTask is the tracer->guest operation union (spec §6).
type ToTask interface {
	isToTask()
}

type OpInit struct{ Args SysFd }
type OpReply struct{ Result Result }
type OpFileReply struct {
	Result Result
	Fd     SysFd
}
type OpFileStatReply struct {
	Result Result
	Stat   FileStat
}
type OpSizeReply struct {
	Result Result
	Size   uint64
}
type OpOpenProcessReply struct{ Handle ProcessHandle }

func (OpInit) isToTask()            {}
func (OpReply) isToTask()           {}
func (OpFileReply) isToTask()       {}
func (OpFileStatReply) isToTask()   {}
func (OpSizeReply) isToTask()       {}
func (OpOpenProcessReply) isToTask() {}

// MessageFromSand is one frame sent guest->tracer.
type MessageFromSand struct {
	Task VPid
	Op   FromTask
}

// MessageToSand is one frame sent tracer->guest.
type MessageToSand struct {
	Task VPid
	Op   ToTask
}

// Wire tags. Values must stay < 256 (spec §4.5) and, once assigned,
// must never be reused for a different variant -- the guest stub and
// the tracer are compiled independently and must agree by convention.
const (
	tagOpenProcess      = 0
	tagFileOpen         = 1
	tagFileAccess       = 2
	tagFileStat         = 3
	tagGetWorkingDir    = 4
	tagChangeWorkingDir = 5
	tagLog              = 6
	tagExited           = 7

	tagInit            = 0
	tagReply           = 1
	tagFileReply       = 2
	tagFileStatReply   = 3
	tagSizeReply       = 4
	tagOpenProcessReply = 5
)

func putOptFd(e *Encoder, fd *SysFd) error {
	if fd == nil {
		return e.PutBool(false)
	}
	if err := e.PutBool(true); err != nil {
		return err
	}
	return e.PutI32(int32(*fd))
}

func getOptFd(d *Decoder) (*SysFd, error) {
	present, err := d.GetBool()
	if err != nil || !present {
		return nil, err
	}
	v, err := d.GetI32()
	if err != nil {
		return nil, err
	}
	fd := SysFd(v)
	return &fd, nil
}

func putOptString(e *Encoder, s *string) error {
	if s == nil {
		return e.PutBool(false)
	}
	if err := e.PutBool(true); err != nil {
		return err
	}
	return e.PutString(*s)
}

func getOptString(d *Decoder) (*string, error) {
	present, err := d.GetBool()
	if err != nil || !present {
		return nil, err
	}
	v, err := d.GetString()
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// EncodeFromSand serializes a guest->tracer message into a fresh Buffer.
func EncodeFromSand(m MessageFromSand) (*Buffer, error) {
	buf := NewBuffer()
	e := NewEncoder(buf)
	if err := e.PutU32(uint32(m.Task)); err != nil {
		return nil, err
	}
	switch op := m.Op.(type) {
	case OpOpenProcess:
		if err := e.PutU8(tagOpenProcess); err != nil {
			return nil, err
		}
		if err := e.PutU32(uint32(op.Pid)); err != nil {
			return nil, err
		}
	case OpFileOpen:
		if err := e.PutU8(tagFileOpen); err != nil {
			return nil, err
		}
		if err := putOptFd(e, op.Dir); err != nil {
			return nil, err
		}
		if err := e.PutString(op.Path); err != nil {
			return nil, err
		}
		if err := e.PutU32(op.Flags); err != nil {
			return nil, err
		}
		if err := e.PutU32(op.Mode); err != nil {
			return nil, err
		}
	case OpFileAccess:
		if err := e.PutU8(tagFileAccess); err != nil {
			return nil, err
		}
		if err := putOptFd(e, op.Dir); err != nil {
			return nil, err
		}
		if err := e.PutString(op.Path); err != nil {
			return nil, err
		}
		if err := e.PutU32(op.Mode); err != nil {
			return nil, err
		}
	case OpFileStat:
		if err := e.PutU8(tagFileStat); err != nil {
			return nil, err
		}
		if err := putOptFd(e, op.File); err != nil {
			return nil, err
		}
		if err := putOptString(e, op.Path); err != nil {
			return nil, err
		}
		if err := e.PutBool(op.NoFollow); err != nil {
			return nil, err
		}
	case OpGetWorkingDir:
		if err := e.PutU8(tagGetWorkingDir); err != nil {
			return nil, err
		}
		if err := e.PutU32(op.BufSize); err != nil {
			return nil, err
		}
	case OpChangeWorkingDir:
		if err := e.PutU8(tagChangeWorkingDir); err != nil {
			return nil, err
		}
		if err := e.PutString(op.Path); err != nil {
			return nil, err
		}
	case OpLog:
		if err := e.PutU8(tagLog); err != nil {
			return nil, err
		}
		if err := e.PutU8(uint8(op.Level)); err != nil {
			return nil, err
		}
		if err := e.PutString(op.Payload); err != nil {
			return nil, err
		}
	case OpExited:
		if err := e.PutU8(tagExited); err != nil {
			return nil, err
		}
		if err := e.PutI32(op.Code); err != nil {
			return nil, err
		}
	default:
		return nil, sandrunerr.NewIPCError(sandrunerr.Unimplemented, "unknown FromTask variant")
	}
	return buf, nil
}

// DecodeFromSand parses a guest->tracer message out of buf.
func DecodeFromSand(buf *Buffer) (MessageFromSand, error) {
	d := NewDecoder(buf)
	taskRaw, err := d.GetU32()
	if err != nil {
		return MessageFromSand{}, err
	}
	tag, err := d.GetU8()
	if err != nil {
		return MessageFromSand{}, err
	}
	var op FromTask
	switch tag {
	case tagOpenProcess:
		pid, err := d.GetU32()
		if err != nil {
			return MessageFromSand{}, err
		}
		op = OpOpenProcess{Pid: SysPid(pid)}
	case tagFileOpen:
		dir, err := getOptFd(d)
		if err != nil {
			return MessageFromSand{}, err
		}
		path, err := d.GetString()
		if err != nil {
			return MessageFromSand{}, err
		}
		flags, err := d.GetU32()
		if err != nil {
			return MessageFromSand{}, err
		}
		mode, err := d.GetU32()
		if err != nil {
			return MessageFromSand{}, err
		}
		op = OpFileOpen{Dir: dir, Path: path, Flags: flags, Mode: mode}
	case tagFileAccess:
		dir, err := getOptFd(d)
		if err != nil {
			return MessageFromSand{}, err
		}
		path, err := d.GetString()
		if err != nil {
			return MessageFromSand{}, err
		}
		mode, err := d.GetU32()
		if err != nil {
			return MessageFromSand{}, err
		}
		op = OpFileAccess{Dir: dir, Path: path, Mode: mode}
	case tagFileStat:
		file, err := getOptFd(d)
		if err != nil {
			return MessageFromSand{}, err
		}
		path, err := getOptString(d)
		if err != nil {
			return MessageFromSand{}, err
		}
		noFollow, err := d.GetBool()
		if err != nil {
			return MessageFromSand{}, err
		}
		op = OpFileStat{File: file, Path: path, NoFollow: noFollow}
	case tagGetWorkingDir:
		bufSize, err := d.GetU32()
		if err != nil {
			return MessageFromSand{}, err
		}
		op = OpGetWorkingDir{BufSize: bufSize}
	case tagChangeWorkingDir:
		path, err := d.GetString()
		if err != nil {
			return MessageFromSand{}, err
		}
		op = OpChangeWorkingDir{Path: path}
	case tagLog:
		level, err := d.GetU8()
		if err != nil {
			return MessageFromSand{}, err
		}
		payload, err := d.GetString()
		if err != nil {
			return MessageFromSand{}, err
		}
		op = OpLog{Level: LogLevel(level), Payload: payload}
	case tagExited:
		code, err := d.GetI32()
		if err != nil {
			return MessageFromSand{}, err
		}
		op = OpExited{Code: code}
	default:
		return MessageFromSand{}, sandrunerr.NewIPCError(sandrunerr.Deserialize, "unknown FromTask tag")
	}
	return MessageFromSand{Task: VPid(taskRaw), Op: op}, nil
}

// EncodeToSand serializes a tracer->guest message into a fresh Buffer.
func EncodeToSand(m MessageToSand) (*Buffer, error) {
	buf := NewBuffer()
	e := NewEncoder(buf)
	if err := e.PutU32(uint32(m.Task)); err != nil {
		return nil, err
	}
	switch op := m.Op.(type) {
	case OpInit:
		if err := e.PutU8(tagInit); err != nil {
			return nil, err
		}
		if err := e.PutFd(int(op.Args)); err != nil {
			return nil, err
		}
	case OpReply:
		if err := e.PutU8(tagReply); err != nil {
			return nil, err
		}
		if err := op.Result.encode(e); err != nil {
			return nil, err
		}
	case OpFileReply:
		if err := e.PutU8(tagFileReply); err != nil {
			return nil, err
		}
		if err := op.Result.encode(e); err != nil {
			return nil, err
		}
		if op.Result.Ok {
			if err := e.PutFd(int(op.Fd)); err != nil {
				return nil, err
			}
		}
	case OpFileStatReply:
		if err := e.PutU8(tagFileStatReply); err != nil {
			return nil, err
		}
		if err := op.Result.encode(e); err != nil {
			return nil, err
		}
		if op.Result.Ok {
			if err := op.Stat.encode(e); err != nil {
				return nil, err
			}
		}
	case OpSizeReply:
		if err := e.PutU8(tagSizeReply); err != nil {
			return nil, err
		}
		if err := op.Result.encode(e); err != nil {
			return nil, err
		}
		if op.Result.Ok {
			if err := e.PutU64(op.Size); err != nil {
				return nil, err
			}
		}
	case OpOpenProcessReply:
		if err := e.PutU8(tagOpenProcessReply); err != nil {
			return nil, err
		}
		if err := e.PutU32(uint32(op.Handle.Pid)); err != nil {
			return nil, err
		}
	default:
		return nil, sandrunerr.NewIPCError(sandrunerr.Unimplemented, "unknown ToTask variant")
	}
	return buf, nil
}

// DecodeToSand parses a tracer->guest message out of buf.
func DecodeToSand(buf *Buffer) (MessageToSand, error) {
	d := NewDecoder(buf)
	taskRaw, err := d.GetU32()
	if err != nil {
		return MessageToSand{}, err
	}
	tag, err := d.GetU8()
	if err != nil {
		return MessageToSand{}, err
	}
	var op ToTask
	switch tag {
	case tagInit:
		fd, err := d.GetFd()
		if err != nil {
			return MessageToSand{}, err
		}
		op = OpInit{Args: SysFd(fd)}
	case tagReply:
		res, err := decodeResult(d)
		if err != nil {
			return MessageToSand{}, err
		}
		op = OpReply{Result: res}
	case tagFileReply:
		res, err := decodeResult(d)
		if err != nil {
			return MessageToSand{}, err
		}
		var fd int
		if res.Ok {
			fd, err = d.GetFd()
			if err != nil {
				return MessageToSand{}, err
			}
		}
		op = OpFileReply{Result: res, Fd: SysFd(fd)}
	case tagFileStatReply:
		res, err := decodeResult(d)
		if err != nil {
			return MessageToSand{}, err
		}
		var st FileStat
		if res.Ok {
			st, err = decodeFileStat(d)
			if err != nil {
				return MessageToSand{}, err
			}
		}
		op = OpFileStatReply{Result: res, Stat: st}
	case tagSizeReply:
		res, err := decodeResult(d)
		if err != nil {
			return MessageToSand{}, err
		}
		var sz uint64
		if res.Ok {
			sz, err = d.GetU64()
			if err != nil {
				return MessageToSand{}, err
			}
		}
		op = OpSizeReply{Result: res, Size: sz}
	case tagOpenProcessReply:
		pid, err := d.GetU32()
		if err != nil {
			return MessageToSand{}, err
		}
		op = OpOpenProcessReply{Handle: ProcessHandle{Pid: SysPid(pid)}}
	default:
		return MessageToSand{}, sandrunerr.NewIPCError(sandrunerr.Deserialize, "unknown ToTask tag")
	}
	return MessageToSand{Task: VPid(taskRaw), Op: op}, nil
}
