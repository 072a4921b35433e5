// Copyright 2024 the sandrun Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package localstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestStoreOpenAndSizeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob-1"), []byte("hello"), 0o644))

	s := NewStoreWithFs(afero.NewOsFs(), dir)

	size, err := s.Size("blob-1")
	require.NoError(t, err)
	require.EqualValues(t, 5, size)

	f, err := s.Open("blob-1")
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 5)
	n, err := f.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestStoreRejectsPathEscape(t *testing.T) {
	s := NewStoreWithFs(afero.NewMemMapFs(), t.TempDir())
	_, err := s.Open("../../etc/passwd")
	require.Error(t, err)
}

func TestDirLoaderBuildsFsFromManifest(t *testing.T) {
	dir := t.TempDir()
	imgDir := filepath.Join(dir, "demo")
	require.NoError(t, os.MkdirAll(imgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(imgDir, "sandrun-image.json"), []byte(`{
		"entrypoint": "/bin/app",
		"args": ["--serve"],
		"env": ["HOME=/root"],
		"files": [{"path": "/bin/app", "mode": 33261}]
	}`), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(imgDir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(imgDir, "bin", "app"), []byte("#!/bin/app\n"), 0o755))

	loader := NewDirLoader(dir)
	fs, entry, err := loader.Load("demo")
	require.NoError(t, err)
	require.Equal(t, "/bin/app", entry.Path)
	require.Equal(t, []string{"/bin/app", "--serve"}, entry.Argv)
	require.Equal(t, []string{"HOME=/root"}, entry.Envp)

	v, err := fs.Open("/bin/app")
	require.NoError(t, err)
	key, err := fs.Content(v)
	require.NoError(t, err)
	require.Equal(t, "demo/bin/app", string(key))
}
