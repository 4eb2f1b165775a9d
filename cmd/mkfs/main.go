// Command mkfs builds a boot-ready disk or archive image offline, the way
// a real kernel of this shape is handed a pre-formatted FAT32 partition or
// USTAR initrd rather than formatting its own boot media at runtime.
// cmd/kernelsim's own demo mounts build their file systems in memory for
// the same reason this tool exists on disk: vfs/fat32.Format has no
// mkfs.fat32-equivalent ancestor in original_source/ to shell out to.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"simplix/klog"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			klog.L.WithFields(map[string]interface{}{"layer": "mkfs"}).Errorf("unrecovered panic: %v", r)
			os.Exit(1)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "mkfs",
		Short: "Build a FAT32 disk image or USTAR archive from a host directory",
	}
	root.AddCommand(newFAT32Cmd())
	root.AddCommand(newUSTARCmd())
	return root
}
