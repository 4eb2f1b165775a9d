package proc

// Context is the minimal callee-saved register set plus a saved
// instruction pointer, used by the original kernel to switch between
// kernel stacks (spec §3 "Context"): push callees, swap stack pointers,
// pop callees, return. This translation realizes the actual switch as a
// goroutine handoff over a channel pair (see scheduler.go) rather than a
// literal register swap, since there is no real kernel stack to pivot
// onto; Context is kept as a descriptor field for structural completeness
// only: no switch routine and no other package reads or writes it.
type Context struct {
	Edi, Esi, Ebx, Ebp, Eip uint32
}
