package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"simplix/defs"
	"simplix/hal"
	"simplix/hal/fakehw"
	"simplix/klog"
	"simplix/ustr"
	"simplix/vfs"
	"simplix/vfs/fat32"
)

func newFAT32Cmd() *cobra.Command {
	var (
		out             string
		from            string
		sizeMB          int
		blockSize       int
		reservedSectors int
	)

	cmd := &cobra.Command{
		Use:   "fat32",
		Short: "Format a fresh FAT32 image and optionally seed it from a host directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" {
				return fmt.Errorf("--out is required")
			}
			return buildFAT32Image(out, from, sizeMB, blockSize, reservedSectors)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path to write the image to")
	cmd.Flags().StringVar(&from, "from", "", "host directory whose contents seed the image (optional)")
	cmd.Flags().IntVar(&sizeMB, "size-mb", 16, "image size in megabytes")
	cmd.Flags().IntVar(&blockSize, "block-size", 512, "device block size in bytes")
	cmd.Flags().IntVar(&reservedSectors, "reserved-sectors", 32, "reserved sectors before the first FAT copy")
	return cmd
}

// buildFAT32Image formats a scratch block device, optionally copies in
// every regular file under from (directories are created with Mkdir as
// they're encountered, mirroring os.MkdirAll's own walk order), and writes
// the resulting bytes to out.
func buildFAT32Image(out, from string, sizeMB, blockSize, reservedSectors int) error {
	log := klog.L.WithFields(map[string]interface{}{"layer": "mkfs", "format": "fat32"})

	nblocks := uint64(sizeMB) * (1024 * 1024) / uint64(blockSize)
	dev := fakehw.NewMemBlockDevice(blockSize, nblocks)
	if err := fat32.Format(dev, reservedSectors); err != nil {
		return fmt.Errorf("format: %w", err)
	}

	if from != "" {
		fs, err := fat32.New(dev, hal.SystemClock{})
		if err != nil {
			return fmt.Errorf("mount freshly formatted image: %w", err)
		}
		v := vfs.New(64)
		if _, errno := v.Mount(ustr.Root(), fs.Ops(), nil); errno != 0 {
			return fmt.Errorf("mount ops: errno %d", errno)
		}
		n, err := seedFromHost(v, from)
		if err != nil {
			return fmt.Errorf("seed from %s: %w", from, err)
		}
		log.Infof("copied %d files from %s", n, from)
	}

	if err := os.WriteFile(out, dev.Snapshot(), 0644); err != nil {
		return fmt.Errorf("write image: %w", err)
	}
	log.Infof("wrote %s (%d MiB, %d-byte blocks)", out, sizeMB, blockSize)
	return nil
}

// seedFromHost walks the host tree rooted at from in lexical order,
// mkdir-ing every directory and copying every regular file's bytes into
// the mounted image at the matching path.
func seedFromHost(v *vfs.VFS, from string) (int, error) {
	copied := 0
	err := filepath.Walk(from, func(hostPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(from, hostPath)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := ustr.Mk("/" + filepath.ToSlash(rel))

		if info.IsDir() {
			if errno := v.Mkdir(target); errno != 0 {
				return fmt.Errorf("mkdir %s: errno %d", target, errno)
			}
			return nil
		}

		data, err := os.ReadFile(hostPath)
		if err != nil {
			return err
		}
		of, errno := v.Open(target, defs.O_CREAT|defs.O_RDWR)
		if errno != 0 {
			return fmt.Errorf("open %s: errno %d", target, errno)
		}
		defer v.Close(of)
		if _, errno := v.Write(of, data); errno != 0 {
			return fmt.Errorf("write %s: errno %d", target, errno)
		}
		copied++
		return nil
	})
	return copied, err
}
