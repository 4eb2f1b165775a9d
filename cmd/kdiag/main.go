// Command kdiag runs a small representative allocation workload against
// the frame bitmap and kernel heap, then emits the observed usage as a
// pprof profile for offline inspection with `go tool pprof` — the
// SPEC_FULL.md DOMAIN STACK's home for github.com/google/pprof/profile,
// which the teacher's go.mod carried but the retrieved slice never
// exercised.
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
			klog.L.WithFields(map[string]interface{}{"layer": "kdiag"}).Errorf("unrecovered panic: %v", r)
			os.Exit(1)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		out        string
		frameCount int
		heapMin    int
		heapMax    int
	)

	cmd := &cobra.Command{
		Use:   "kdiag",
		Short: "Profile a representative frame-bitmap and kernel-heap workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiag(out, frameCount, heapMin, heapMax)
		},
	}
	cmd.Flags().StringVar(&out, "out", "kdiag.pprof", "path to write the pprof profile to")
	cmd.Flags().IntVar(&frameCount, "frame-count", 4096, "physical frames to simulate")
	cmd.Flags().IntVar(&heapMin, "heap-min-pages", 4, "kernel heap minimum page count")
	cmd.Flags().IntVar(&heapMax, "heap-max-pages", 256, "kernel heap maximum page count")
	return cmd
}
