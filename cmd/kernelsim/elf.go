package main

import "encoding/binary"

// buildDemoELF assembles the smallest ELF32 executable Table.Exec can
// load: one PT_LOAD segment holding a few bytes of filler "code" (this
// simulator never fetches real instructions — exec only needs to place
// the segment and set the entry point) with memsz one word past filesz
// so the bss zero-fill path in loadSegment runs too. Mirrors
// proc_test.go's own buildMinimalELF32 fixture, since exec's ELF32
// contract (spec §6) is exercised the same way here as there.
func buildDemoELF(vaddr uint32) []byte {
	const ehsize = 52
	const phsize = 32
	const ptLoad = 1
	code := []byte{0x90, 0x90, 0xf4} // nop nop hlt: inert filler, never executed
	phoff := uint32(ehsize)
	codeOff := phoff + phsize

	buf := make([]byte, int(codeOff)+len(code))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 1                                   // ELFCLASS32
	buf[5] = 1                                   // ELFDATA2LSB
	binary.LittleEndian.PutUint16(buf[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 3) // EM_386
	binary.LittleEndian.PutUint32(buf[24:28], vaddr)
	binary.LittleEndian.PutUint32(buf[28:32], phoff)
	binary.LittleEndian.PutUint16(buf[40:42], ehsize)
	binary.LittleEndian.PutUint16(buf[42:44], phsize)
	binary.LittleEndian.PutUint16(buf[44:46], 1)

	ph := buf[phoff : phoff+phsize]
	binary.LittleEndian.PutUint32(ph[0:4], ptLoad)
	binary.LittleEndian.PutUint32(ph[4:8], codeOff)
	binary.LittleEndian.PutUint32(ph[8:12], vaddr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(code)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(code))+4)

	copy(buf[codeOff:], code)
	return buf
}
