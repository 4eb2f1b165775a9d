package proc

// Trapframe is the on-stack register image saved at every privilege
// transition (spec §3 "Trapframe"): general registers, segment selectors,
// trap number, error code, user instruction pointer, flags, and (for ring
// crossings) the user stack pointer and stack segment. Field order mirrors
// what the original kernel's trap.S push sequence plus trap.c's struct
// build, the "pin the field order and total size" guidance of Design
// Notes §9 — cmd/trapgen generates the assembly push list from exactly
// this struct so the two never drift apart.
type Trapframe struct {
	// Pushed by the generic trap stub, callee-saved order.
	Edi, Esi, Ebp, _esp, Ebx, Edx, Ecx, Eax uint32
	// Segment registers, pushed by the stub before calling the C handler.
	Gs, Fs, Es, Ds uint32
	// Pushed by the CPU or a synthetic zero for traps with no error code.
	TrapNo, ErrorCode uint32
	// The hardware-pushed tail.
	Eip, Cs, Eflags uint32
	// Only valid when the trap crossed from ring 3 to ring 0.
	UserEsp, Ss uint32
}
