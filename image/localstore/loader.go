// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package localstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/sandrun/sandrun/image"
	"github.com/sandrun/sandrun/vfs"
)

// manifest is the tiny on-disk descriptor a DirLoader expects to find
// at "<root>/<ref>/sandrun-image.json": the entry point plus a flat list of
// regular files to graft into the image's vfs.FS. It is intentionally
// far smaller than a real OCI image manifest -- enough to demonstrate
// ImageLoader end to end without sandrun itself growing a layer/tar
// unpacker (spec §6 Non-goal: registry and layer handling live outside
// the runtime).
type manifest struct {
	Entrypoint string   `json:"entrypoint"`
	Args       []string `json:"args"`
	Env        []string `json:"env"`
	Files      []struct {
		Path string `json:"path"`
		Mode uint32 `json:"mode"`
	} `json:"files"`
}

// DirLoader builds a vfs.FS from a directory holding a manifest file
// and the regular files it lists, content-addressing each file by its
// path relative to root (so DirLoader and a Store sharing the same
// root agree on content keys with no extra bookkeeping).
type DirLoader struct {
	afs  afero.Fs
	root string
}

func NewDirLoader(dir string) *DirLoader {
	return &DirLoader{afs: afero.NewOsFs(), root: dir}
}

func (l *DirLoader) Load(ref string) (*vfs.FS, image.EntryPoint, error) {
	manifestPath := filepath.Join(l.root, ref, "sandrun-image.json")
	raw, err := afero.ReadFile(l.afs, manifestPath)
	if err != nil {
		return nil, image.EntryPoint{}, fmt.Errorf("localstore: read manifest for %s: %w", ref, err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, image.EntryPoint{}, fmt.Errorf("localstore: parse manifest for %s: %w", ref, err)
	}

	fs := vfs.New()
	for _, f := range m.Files {
		info, err := l.afs.Stat(filepath.Join(l.root, ref, f.Path))
		if err != nil {
			return nil, image.EntryPoint{}, fmt.Errorf("localstore: stat %s: %w", f.Path, err)
		}
		mode := f.Mode
		if mode == 0 {
			mode = uint32(info.Mode().Perm()) | 0o100000 // S_IFREG
		}
		key := vfs.ContentKey(filepath.Join(ref, f.Path))
		if err := fs.WriteFile(f.Path, key, vfs.Metadata{
			Mode:  mode,
			Size:  uint64(info.Size()),
			Mtime: info.ModTime(),
		}); err != nil {
			return nil, image.EntryPoint{}, fmt.Errorf("localstore: graft %s: %w", f.Path, err)
		}
	}

	return fs, image.EntryPoint{Path: m.Entrypoint, Argv: append([]string{m.Entrypoint}, m.Args...), Envp: m.Env}, nil
}

var _ image.ImageLoader = (*DirLoader)(nil)

// ContentRoot returns the directory holding ref's manifest and files.
// Content keys are relative to the loader's root, not to this
// directory (they already begin with ref), so a Store resolving them
// is rooted at the loader's root, as cmd/sandrun does.
func (l *DirLoader) ContentRoot(ref string) string {
	return filepath.Join(l.root, ref)
}
