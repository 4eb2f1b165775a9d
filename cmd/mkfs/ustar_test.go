package main

import (
	"archive/tar"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"simplix/ustr"
	"simplix/vfs"
	"simplix/vfs/ustar"
)

func TestBuildUSTARImageRoundTrips(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "bin", "shell.elf"), []byte("fake elf bytes"), 0644))

	out := filepath.Join(t.TempDir(), "boot.tar")
	require.NoError(t, buildUSTARImage(out, src))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	tr := tar.NewReader(bytes.NewReader(raw))
	names := map[string]bool{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names[hdr.Name] = true
	}
	require.True(t, names["bin/"])
	require.True(t, names["bin/shell.elf"])

	fs := ustar.New(raw)
	v := vfs.New(8)
	_, errno := v.Mount(ustr.Root(), fs.Ops(), nil)
	require.Zero(t, errno)
	of, errno := v.Open(ustr.Mk("/bin/shell.elf"), 0)
	require.Zero(t, errno)
	data, errno := vfs.ReadAll(v, of)
	require.Zero(t, errno)
	require.Equal(t, "fake elf bytes", string(data))
}
