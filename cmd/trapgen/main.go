// Command trapgen regenerates proc's trap-number table and a Trapframe
// field dump from proc.Trapframe's own field order, the Go-native
// counterpart to original_source/kernel/arch/i386/isr.h's hand-maintained
// isr0..isr31/irq0..irq15 extern list and INT_SYSCALL vector: instead of a
// human keeping a struct and an asm push order in sync by hand, trapgen
// reflects over the struct once and emits both the trap-name table and a
// diagnostic dump in the same source file, so they can never drift apart.
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
			klog.L.WithFields(map[string]interface{}{"layer": "trapgen"}).Errorf("unrecovered panic: %v", r)
			os.Exit(1)
		}
	}()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "trapgen",
		Short: "Regenerate proc's trap-name table and Trapframe field dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			return generate(out)
		},
	}
	cmd.Flags().StringVar(&out, "out", "proc/traps_gen.go", "output path for the generated source")
	return cmd
}
