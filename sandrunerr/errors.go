// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sandrunerr collects the error kinds shared across the
// sandbox substrate: the VFS, the IPC codec, the task runtime, and the
// image loader each raise errors from here instead of ad-hoc strings,
// so that callers at a component boundary can type-switch or
// errors.Is/As on a stable set of kinds.
package sandrunerr

import "fmt"

// VFSError is one of the named virtual-filesystem failure kinds.
type VFSError struct {
	Kind VFSErrorKind
	Path string
}

// VFSErrorKind enumerates the possible VFSError values.
type VFSErrorKind int

const (
	NotFound VFSErrorKind = iota
	DirectoryExpected
	FileExpected
	UnallocNode
	PathSegmentLimitExceeded
	SymbolicLinkLimitExceeded
	INodeRefCountError
)

func (k VFSErrorKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case DirectoryExpected:
		return "directory expected"
	case FileExpected:
		return "file expected"
	case UnallocNode:
		return "unallocated inode"
	case PathSegmentLimitExceeded:
		return "path segment limit exceeded"
	case SymbolicLinkLimitExceeded:
		return "symbolic link limit exceeded"
	case INodeRefCountError:
		return "inode refcount error"
	default:
		return "unknown vfs error"
	}
}

func (e *VFSError) Error() string {
	if e.Path == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

// NewVFSError constructs a VFSError for the given path.
func NewVFSError(kind VFSErrorKind, path string) *VFSError {
	return &VFSError{Kind: kind, Path: path}
}

// Is allows errors.Is(err, sandrunerr.ErrNotFound) style comparisons
// against a bare kind wrapped in a zero-path VFSError.
func (e *VFSError) Is(target error) bool {
	t, ok := target.(*VFSError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel kind-only errors for errors.Is comparisons.
var (
	ErrNotFound                  = &VFSError{Kind: NotFound}
	ErrDirectoryExpected         = &VFSError{Kind: DirectoryExpected}
	ErrFileExpected              = &VFSError{Kind: FileExpected}
	ErrUnallocNode               = &VFSError{Kind: UnallocNode}
	ErrPathSegmentLimitExceeded  = &VFSError{Kind: PathSegmentLimitExceeded}
	ErrSymbolicLinkLimitExceeded = &VFSError{Kind: SymbolicLinkLimitExceeded}
	ErrINodeRefCountError        = &VFSError{Kind: INodeRefCountError}
)

// IPCErrorKind enumerates wire-codec and conversation-level failures.
type IPCErrorKind int

const (
	WrongProcessState IPCErrorKind = iota
	Unimplemented
	UnexpectedEnd
	BufferFull
	InvalidValue
	Serialize
	Deserialize
)

func (k IPCErrorKind) String() string {
	switch k {
	case WrongProcessState:
		return "wrong process state"
	case Unimplemented:
		return "unimplemented"
	case UnexpectedEnd:
		return "unexpected end"
	case BufferFull:
		return "buffer full"
	case InvalidValue:
		return "invalid value"
	case Serialize:
		return "serialize error"
	case Deserialize:
		return "deserialize error"
	default:
		return "unknown ipc error"
	}
}

// IPCError wraps an IPCErrorKind with optional context.
type IPCError struct {
	Kind    IPCErrorKind
	Context string
}

func (e *IPCError) Error() string {
	if e.Context == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *IPCError) Is(target error) bool {
	t, ok := target.(*IPCError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewIPCError constructs an IPCError with context.
func NewIPCError(kind IPCErrorKind, context string) *IPCError {
	return &IPCError{Kind: kind, Context: context}
}

// RuntimeErrorKind enumerates task/runtime-lifecycle failures.
type RuntimeErrorKind int

const (
	NoImage RuntimeErrorKind = iota
	NoEntryPoint
	TaskJoinError
)

func (k RuntimeErrorKind) String() string {
	switch k {
	case NoImage:
		return "no image loaded"
	case NoEntryPoint:
		return "no entry point"
	case TaskJoinError:
		return "task join error"
	default:
		return "unknown runtime error"
	}
}

// RuntimeError wraps a RuntimeErrorKind with optional context.
type RuntimeError struct {
	Kind    RuntimeErrorKind
	Context string
}

func (e *RuntimeError) Error() string {
	if e.Context == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewRuntimeError constructs a RuntimeError with context.
func NewRuntimeError(kind RuntimeErrorKind, context string) *RuntimeError {
	return &RuntimeError{Kind: kind, Context: context}
}

// ImageErrorKind enumerates image-loading failures. The loader itself
// is an external collaborator (spec §6); this kind set exists so the
// core can classify loader failures it is handed without depending on
// the loader's implementation.
type ImageErrorKind int

const (
	Registry ImageErrorKind = iota
	Storage
	Manifest
	Decompression
	PathSafety
)

func (k ImageErrorKind) String() string {
	switch k {
	case Registry:
		return "registry error"
	case Storage:
		return "storage error"
	case Manifest:
		return "manifest error"
	case Decompression:
		return "decompression error"
	case PathSafety:
		return "path safety violation"
	default:
		return "unknown image error"
	}
}

// ImageError wraps an ImageErrorKind with optional context.
type ImageError struct {
	Kind    ImageErrorKind
	Context string
}

func (e *ImageError) Error() string {
	if e.Context == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Context)
}

func (e *ImageError) Is(target error) bool {
	t, ok := target.(*ImageError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// NewImageError constructs an ImageError with context.
func NewImageError(kind ImageErrorKind, context string) *ImageError {
	return &ImageError{Kind: kind, Context: context}
}
