package main

import (
	"archive/tar"
	"bytes"
	"fmt"

	"golang.org/x/sync/errgroup"

	"simplix/hal"
	"simplix/hal/fakehw"
	"simplix/ustr"
	"simplix/vfs"
	"simplix/vfs/console"
	"simplix/vfs/fat32"
	"simplix/vfs/pipe"
	"simplix/vfs/ustar"
)

// mountBootFS mounts the root USTAR archive, /dev/console, /pipe, and a
// freshly formatted FAT32 scratch volume at /mnt/data concurrently, the
// way a real boot sequence brings up independent device drivers in
// parallel and only blocks on the slowest one (SPEC_FULL.md's DOMAIN
// STACK row for golang.org/x/sync/errgroup: "mount USTAR/FAT32/console/
// pipe concurrently at boot, join, fail fast").
func mountBootFS(v *vfs.VFS, clock hal.Clock) error {
	var g errgroup.Group

	g.Go(func() error {
		fs := ustar.New(buildDemoArchive())
		_, errno := v.Mount(ustr.Root(), fs.Ops(), nil)
		if errno != 0 {
			return fmt.Errorf("mount ustar at /: errno %d", errno)
		}
		return nil
	})
	g.Go(func() error {
		c := console.New(80, 25, func() {})
		_, errno := v.Mount(ustr.Mk("/dev/console"), c.Ops(), nil)
		if errno != 0 {
			return fmt.Errorf("mount console: errno %d", errno)
		}
		return nil
	})
	g.Go(func() error {
		t := pipe.NewTable(4096, func() {})
		_, errno := v.Mount(ustr.Mk("/pipe"), t.Ops(), nil)
		if errno != 0 {
			return fmt.Errorf("mount pipe: errno %d", errno)
		}
		return nil
	})
	g.Go(func() error {
		dev := fakehw.NewMemBlockDevice(512, 8192)
		if err := fat32.Format(dev, 32); err != nil {
			return fmt.Errorf("format scratch fat32 volume: %w", err)
		}
		fs, err := fat32.New(dev, clock)
		if err != nil {
			return fmt.Errorf("mount scratch fat32 volume: %w", err)
		}
		_, errno := v.Mount(ustr.Mk("/mnt/data"), fs.Ops(), nil)
		if errno != 0 {
			return fmt.Errorf("mount fat32 at /mnt/data: errno %d", errno)
		}
		return nil
	})

	return g.Wait()
}

// buildDemoArchive assembles a tiny in-memory USTAR archive (two regular
// files, hello.txt and shell.elf) with the standard library's archive/tar, the ordinary way any Go
// program emits a valid USTAR byte stream — vfs/ustar only ever reads an
// archive, so something has to produce one for the boot demo, and
// reimplementing tar encoding by hand here would just be archive/tar with
// extra steps.
func buildDemoArchive() []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	writeEntry := func(name string, body []byte) {
		hdr := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			panic(fmt.Sprintf("kernelsim: building demo archive: %v", err))
		}
		if _, err := tw.Write(body); err != nil {
			panic(fmt.Sprintf("kernelsim: writing demo archive body: %v", err))
		}
	}

	writeEntry("hello.txt", []byte("hello from the simulated root file system\n"))
	writeEntry("shell.elf", buildDemoELF(0x1000))

	if err := tw.Close(); err != nil {
		panic(fmt.Sprintf("kernelsim: closing demo archive: %v", err))
	}
	return buf.Bytes()
}
