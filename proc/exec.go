package proc

import (
	"encoding/binary"

	"simplix/defs"
	"simplix/klog"
	"simplix/ustr"
	"simplix/vfs"
	"simplix/vm"
)

const (
	elfMagic0, elfMagic1, elfMagic2, elfMagic3 = 0x7f, 'E', 'L', 'F'
	elfClass32                                 = 1
	elfDataLSB                                 = 1
	ptLoad                                      = 1
)

// Fixed, arbitrary-but-stable selector/flags values for the trapframe
// fields a real GDT would assign; this simulator never actually switches
// privilege rings, so their only job is to be present and stable enough
// for a test to assert against (spec §4.4 exec: "fill the trapframe with
// user segments, flags enabled").
const (
	userCS  = 0x1b
	userDS  = 0x23
	eflagsIF = 0x200
)

// Exec implements spec §4.4's exec: resolve and load an ELF image
// (iterate program headers, copy each PT_LOAD segment into a fresh
// destination page range, zero bss, copy bytes), lay out a user stack
// with argc/argv just above the highest mapped address, and schedule a
// return at the ELF entry point with the new stack. Grounded on the
// original's exec.c loader and spec §6's ELF32 contract (EI_MAG at offset
// 0, PT_LOAD iteration, tail zero-fill).
func (t *Table) Exec(p *Process, path ustr.Ustr, argv []string) defs.Err_t {
	of, errno := t.v.Open(path, defs.O_RDONLY)
	if errno != 0 {
		return errno
	}
	data, errno := vfs.ReadAll(t.v, of)
	t.v.Close(of)
	if errno != 0 {
		return errno
	}

	entry, segs, errno := parseELF32(data)
	if errno != 0 {
		return errno
	}

	p.AS.FreeUserSpace()

	for _, seg := range segs {
		if errno := loadSegment(p.AS, seg, data); errno != 0 {
			return errno
		}
	}

	esp, err := layoutUserStack(p.AS, argv)
	if err != nil {
		klog.L.WithFields(map[string]interface{}{"pid": p.Pid, "path": path.String()}).
			Error("exec: failed to lay out user stack")
		return defs.ENOSPACE
	}
	p.AS.MarkBreakFloor()

	p.mu.Lock()
	p.Trapframe.Eip = entry
	p.Trapframe.UserEsp = esp
	p.Trapframe.Cs = userCS
	p.Trapframe.Ds = userDS
	p.Trapframe.Eflags = eflagsIF
	p.mu.Unlock()
	p.setState(Runnable)
	return 0
}

type elfSegment struct {
	vaddr, offset, filesz, memsz uint32
}

func parseELF32(data []byte) (entry uint32, segs []elfSegment, errno defs.Err_t) {
	if len(data) < 52 {
		return 0, nil, defs.EINVAL
	}
	if data[0] != elfMagic0 || data[1] != elfMagic1 || data[2] != elfMagic2 || data[3] != elfMagic3 {
		return 0, nil, defs.EINVAL
	}
	if data[4] != elfClass32 || data[5] != elfDataLSB {
		return 0, nil, defs.EINVAL
	}
	entry = binary.LittleEndian.Uint32(data[24:28])
	phoff := binary.LittleEndian.Uint32(data[28:32])
	phentsize := binary.LittleEndian.Uint16(data[42:44])
	phnum := binary.LittleEndian.Uint16(data[44:46])

	for i := 0; i < int(phnum); i++ {
		base := int(phoff) + i*int(phentsize)
		if base+32 > len(data) {
			return 0, nil, defs.EINVAL
		}
		ptype := binary.LittleEndian.Uint32(data[base : base+4])
		if ptype != ptLoad {
			continue
		}
		segs = append(segs, elfSegment{
			offset: binary.LittleEndian.Uint32(data[base+4 : base+8]),
			vaddr:  binary.LittleEndian.Uint32(data[base+8 : base+12]),
			filesz: binary.LittleEndian.Uint32(data[base+16 : base+20]),
			memsz:  binary.LittleEndian.Uint32(data[base+20 : base+24]),
		})
	}
	return entry, segs, 0
}

func loadSegment(as *vm.AddressSpace, seg elfSegment, data []byte) defs.Err_t {
	pageStart := vm.VAddr(seg.vaddr/vm.PageSize) * vm.PageSize
	end := seg.vaddr + seg.memsz
	pageEnd := ((end + vm.PageSize - 1) / vm.PageSize) * vm.PageSize
	npages := int((vm.VAddr(pageEnd) - pageStart) / vm.PageSize)
	if npages == 0 {
		npages = 1
	}
	if err := as.AllocPagesAt(pageStart, npages, false, true); err != nil {
		return defs.ENOSPACE
	}
	if seg.offset+seg.filesz > uint32(len(data)) {
		return defs.EINVAL
	}
	vm.CopyToAS(as, vm.VAddr(seg.vaddr), data[seg.offset:seg.offset+seg.filesz])
	if seg.memsz > seg.filesz {
		vm.ZeroAS(as, vm.VAddr(seg.vaddr+seg.filesz), int(seg.memsz-seg.filesz))
	}
	return 0
}

// layoutUserStack allocates one fresh user page and lays out argc, an
// argv pointer array (NULL-terminated), and the argv string bodies
// within it, returning the initial user stack pointer (spec §4.4: "lay
// out a user stack containing argc, argv pointers, and argv string
// bodies just above the highest mapped ELF address").
func layoutUserStack(as *vm.AddressSpace, argv []string) (uint32, error) {
	base, err := as.AllocPages(1, false, true)
	if err != nil {
		return 0, err
	}
	frame := as.FrameBytes(base)

	cursor := vm.PageSize
	ptrs := make([]uint32, 0, len(argv))
	for _, s := range argv {
		b := append([]byte(s), 0)
		cursor -= len(b)
		copy(frame[cursor:], b)
		ptrs = append(ptrs, uint32(base)+uint32(cursor))
	}
	cursor &^= 3
	cursor -= 4 * (len(ptrs) + 1)
	argvAddr := uint32(base) + uint32(cursor)
	for i, pv := range ptrs {
		binary.LittleEndian.PutUint32(frame[cursor+4*i:], pv)
	}
	binary.LittleEndian.PutUint32(frame[cursor+4*len(ptrs):], 0)

	cursor -= 4
	binary.LittleEndian.PutUint32(frame[cursor:], argvAddr)
	cursor -= 4
	binary.LittleEndian.PutUint32(frame[cursor:], uint32(len(argv)))

	return uint32(base) + uint32(cursor), nil
}
