package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"golang.org/x/tools/imports"

	"simplix/proc"
)

// cpuExceptionNames mirrors original_source/kernel/arch/i386/isr.h's
// isr0..isr31 (the first N_CPU_EXCEPTION_INT=32 interrupt vectors are CPU
// exceptions, the rest are reserved in that header) using the standard
// x86 exception mnemonics the original never bothered to name individually.
var cpuExceptionNames = [32]string{
	0: "divide-by-zero", 1: "debug", 2: "nmi", 3: "breakpoint",
	4: "overflow", 5: "bound-range", 6: "invalid-opcode", 7: "device-not-available",
	8: "double-fault", 9: "coprocessor-segment-overrun", 10: "invalid-tss",
	11: "segment-not-present", 12: "stack-fault", 13: "general-protection",
	14: "page-fault", 15: "reserved", 16: "x87-fp", 17: "alignment-check",
	18: "machine-check", 19: "simd-fp", 20: "virtualization",
	21: "reserved", 22: "reserved", 23: "reserved", 24: "reserved",
	25: "reserved", 26: "reserved", 27: "reserved", 28: "hypervisor-injection",
	29: "vmm-communication", 30: "security", 31: "reserved",
}

// irqBaseRemapped mirrors isr.h's IRQ_BASE_REMAPPED: IRQ i is delivered as
// interrupt irqBaseRemapped+i once the PIC has been remapped out of the
// CPU exception range.
const irqBaseRemapped = 32

// intSyscall mirrors isr.h's INT_SYSCALL software interrupt vector.
const intSyscall = 88

// generate reflects over proc.Trapframe's exported fields (in declaration
// order, which is also push order per trapframe.go's own grouping
// comments) and emits a Go source file with the trap-name table plus a
// Trapframe field-dump function, then formats it the way goimports would.
func generate(out string) error {
	var b strings.Builder
	b.WriteString("package proc\n\n")
	b.WriteString("// Code generated by trapgen. DO NOT EDIT.\n\n")

	writeTrapNames(&b)
	writeFieldDump(&b)

	formatted, err := imports.Process(out, []byte(b.String()), nil)
	if err != nil {
		return fmt.Errorf("format generated source: %w", err)
	}
	if err := os.WriteFile(out, formatted, 0644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("trapgen: wrote %s\n", out)
	return nil
}

func writeTrapNames(b *strings.Builder) {
	b.WriteString("// trapNames maps a Trapframe.TrapNo value to a human-readable name, for\n")
	b.WriteString("// panic reports and logs. Vectors 0-31 are CPU exceptions; 32-47 are the\n")
	b.WriteString("// remapped IRQ range; 88 is the software syscall gate.\n")
	b.WriteString("var trapNames = map[uint32]string{\n")
	for i, name := range cpuExceptionNames {
		fmt.Fprintf(b, "\t%d: %q,\n", i, name)
	}
	for irq := 0; irq < 16; irq++ {
		fmt.Fprintf(b, "\t%d: %q,\n", irqBaseRemapped+irq, fmt.Sprintf("irq%d", irq))
	}
	fmt.Fprintf(b, "\t%d: %q,\n", intSyscall, "syscall")
	b.WriteString("}\n\n")

	b.WriteString("// TrapName returns trapNames[no], or \"unknown\" if no is outside the\n")
	b.WriteString("// recognized vector set.\n")
	b.WriteString("func TrapName(no uint32) string {\n")
	b.WriteString("\tif name, ok := trapNames[no]; ok {\n")
	b.WriteString("\t\treturn name\n")
	b.WriteString("\t}\n")
	b.WriteString("\treturn \"unknown\"\n")
	b.WriteString("}\n\n")
}

// writeFieldDump reflects over Trapframe's exported fields, in struct
// declaration order, and emits a DumpTrapframe that reports each one by
// name — a diagnostic counterpart to isr.h's hand-maintained comment
// describing the pushed register layout, generated instead of transcribed
// so it can never drift from the struct it describes.
func writeFieldDump(b *strings.Builder) {
	t := reflect.TypeOf(proc.Trapframe{})

	b.WriteString("// DumpTrapframe returns tf's exported fields as an ordered slice of\n")
	b.WriteString("// name/value pairs, in the same order they appear in the struct (which is\n")
	b.WriteString("// also the order the trap stub would push them).\n")
	b.WriteString("func DumpTrapframe(tf *Trapframe) []TrapField {\n")
	b.WriteString("\treturn []TrapField{\n")
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue // unexported, e.g. the padding slot between the stub push and Ebx
		}
		fmt.Fprintf(b, "\t\t{%q, uint32(tf.%s)},\n", f.Name, f.Name)
	}
	b.WriteString("\t}\n")
	b.WriteString("}\n\n")

	b.WriteString("// TrapField is one named register value from a Trapframe, in push order.\n")
	b.WriteString("type TrapField struct {\n")
	b.WriteString("\tName  string\n")
	b.WriteString("\tValue uint32\n")
	b.WriteString("}\n")
}
