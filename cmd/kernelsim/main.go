// Command kernelsim boots the simulated kernel end to end: it builds the
// L0-L4 layers from a kconfig.Config, mounts the boot file systems, spins
// up the first process, drives it through a handful of gate syscalls via
// the scheduler, and reports what happened. It stands in for the real
// bootloader-to-init handoff spec §1 describes, the way the teacher's own
// misc/depgraph is a small flat-main tool rather than a framework-shaped
// CLI — cobra is used here because the rest of the example pack reaches
// for it for every multi-flag entrypoint, not because the teacher's own
// tooling does.
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
			klog.L.WithFields(map[string]interface{}{"layer": "kernelsim"}).Errorf("unrecovered panic: %v", r)
			os.Exit(1)
		}
	}()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var maxPasses int

	cmd := &cobra.Command{
		Use:   "kernelsim",
		Short: "Boot the simulated kernel and run a demo process to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runDemo(cfg, maxPasses)
		},
	}
	// kconfig.Default's frame count (1<<20) models the full 32-bit
	// physical address space a real boot would size the bitmap/arena for;
	// the arena is a real eagerly-allocated []byte (mem.NewArena), so a
	// host demo process defaults to a far smaller simulated machine
	// instead of actually reserving 4 GiB.
	cmd.Flags().Int("frame-count", 4096, "physical frames to simulate")
	cmd.Flags().Int("timer-hz", 0, "timer frequency in Hz (0 uses the config default)")
	cmd.Flags().IntVar(&maxPasses, "max-passes", 64, "scheduler passes before giving up on the demo")
	return cmd
}
