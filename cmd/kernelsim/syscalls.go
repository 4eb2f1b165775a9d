package main

import (
	"encoding/binary"

	"simplix/gate"
	"simplix/proc"
	"simplix/vm"
)

// syscall lays out the cdecl argument words the original's
// syscall_handler reads from r->esp+4*k, dispatches through g, and
// returns the signed result gate.Dispatch wrote back into Eax — the
// same convention gate_test.go's stackArgs/writeCString exercise, used
// here to drive a demo process's body instead of a test body.
func syscall(g *gate.Gate, p *proc.Process, num int, args ...uint32) int32 {
	base, err := p.AS.AllocPages(1, false, true)
	if err != nil {
		panic("kernelsim: demo process ran out of stack pages: " + err.Error())
	}
	p.Trapframe.UserEsp = uint32(base)
	for i, w := range args {
		addr := uint32(base) + uint32(4*(i+1))
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, w)
		vm.CopyToAS(p.AS, vm.VAddr(addr), buf)
	}
	p.Trapframe.Eax = uint32(num)
	g.Dispatch(p)
	return int32(p.Trapframe.Eax)
}

// writeCStr writes s NUL-terminated into a fresh page and returns its
// address, for syscalls that take a pointer argument (a path, a buffer).
func writeCStr(p *proc.Process, s string) uint32 {
	base, err := p.AS.AllocPages(1, false, true)
	if err != nil {
		panic("kernelsim: demo process ran out of argument pages: " + err.Error())
	}
	vm.CopyToAS(p.AS, vm.VAddr(base), append([]byte(s), 0))
	return uint32(base)
}
