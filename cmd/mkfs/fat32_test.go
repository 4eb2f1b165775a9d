package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"simplix/defs"
	"simplix/hal"
	"simplix/hal/fakehw"
	"simplix/ustr"
	"simplix/vfs"
	"simplix/vfs/fat32"
)

func TestBuildFAT32ImageSeedsHostFiles(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "root.txt"), []byte("top level"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "sub", "nested.txt"), []byte("nested contents"), 0644))

	out := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, buildFAT32Image(out, src, 4, 512, 32))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)

	dev := fakehw.NewMemBlockDeviceFromImage(512, raw)
	fs, err := fat32.New(dev, hal.SystemClock{})
	require.NoError(t, err)

	v := vfs.New(16)
	_, errno := v.Mount(ustr.Root(), fs.Ops(), nil)
	require.Zero(t, errno)

	of, errno := v.Open(ustr.Mk("/root.txt"), defs.O_RDWR)
	require.Zero(t, errno)
	data, errno := vfs.ReadAll(v, of)
	require.Zero(t, errno)
	require.Equal(t, "top level", string(data))

	of2, errno := v.Open(ustr.Mk("/sub/nested.txt"), defs.O_RDWR)
	require.Zero(t, errno)
	data2, errno := vfs.ReadAll(v, of2)
	require.Zero(t, errno)
	require.Equal(t, "nested contents", string(data2))
}

func TestBuildFAT32ImageWithoutSeedFormatsEmptyVolume(t *testing.T) {
	out := filepath.Join(t.TempDir(), "empty.img")
	require.NoError(t, buildFAT32Image(out, "", 2, 512, 32))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	dev := fakehw.NewMemBlockDeviceFromImage(512, raw)
	_, err = fat32.New(dev, hal.SystemClock{})
	require.NoError(t, err)
}
