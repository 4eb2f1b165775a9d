package main

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"simplix/klog"
)

func newUSTARCmd() *cobra.Command {
	var (
		out  string
		from string
	)

	cmd := &cobra.Command{
		Use:   "ustar",
		Short: "Pack a host directory into a USTAR archive vfs/ustar can mount read-only",
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "" || from == "" {
				return fmt.Errorf("--out and --from are both required")
			}
			return buildUSTARImage(out, from)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "path to write the archive to")
	cmd.Flags().StringVar(&from, "from", "", "host directory to archive")
	return cmd
}

// buildUSTARImage walks from and writes every regular file and directory
// into a USTAR archive at out, using the standard library's archive/tar
// the same way cmd/kernelsim's own buildDemoArchive does for its in-memory
// boot root — the production, directory-driven counterpart to that fixed
// two-entry demo.
func buildUSTARImage(out, from string) error {
	log := klog.L.WithFields(map[string]interface{}{"layer": "mkfs", "format": "ustar"})

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	entries := 0
	err = filepath.Walk(from, func(hostPath string, info os.FileInfo, err error) error {
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
		name := filepath.ToSlash(rel)

		if info.IsDir() {
			hdr := &tar.Header{Name: name + "/", Typeflag: tar.TypeDir, Mode: 0755, Format: tar.FormatUSTAR}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			entries++
			return nil
		}

		data, err := os.ReadFile(hostPath)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatUSTAR,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
		entries++
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", from, err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	log.Infof("wrote %s (%d entries from %s)", out, entries, from)
	return nil
}
