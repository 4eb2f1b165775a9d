// Package vm implements L1, virtual memory: page directories and tables,
// mapping/unmapping virtual pages onto physical frames, copying and
// freeing user address spaces, and a page-fault handler that panics
// (spec.md §4.2). It is grounded on the teacher's vm.Vm_t (a locked
// struct wrapping a page map and region tree) and on the original
// kernel's arch/i386/paging/paging.c, translated from literal x86 paging
// structures into Go-native ones: since this translation hosts the
// kernel as an ordinary process rather than patching the Go runtime to
// run on bare metal, a PageDirectory holds *PageTable pointers directly
// instead of 32-bit physical addresses dereferenced through a recursive
// self-map. The "last slot always targets itself" invariant from spec §3
// is preserved structurally (Self() always returns the owning directory)
// rather than through a literal recursive virtual mapping, since no real
// MMU is present to require one.
package vm

import (
	"sync"

	"simplix/mem"
)

// PageSize mirrors mem.PageSize; pages and frames are the same size.
const PageSize = mem.PageSize

// PageIdx is a virtual page number, distinct from mem.FrameIdx per Design
// Notes §9.
type PageIdx uint32

// VAddr is a 32-bit virtual address.
type VAddr uint32

// PageOf returns the page number containing v.
func PageOf(v VAddr) PageIdx { return PageIdx(v / PageSize) }

// AddrOf returns the base address of page p.
func AddrOf(p PageIdx) VAddr { return VAddr(p) * PageSize }

const entriesPerTable = 1024

// KernelDirBase is the first directory slot devoted to kernel space: the
// upper quarter of the 4 GiB virtual address space (spec §3), i.e.
// directory entries [768, 1024).
const KernelDirBase = 768

// SelfRefSlot is the directory's self-referential slot (spec §3: "the
// last directory slot points at the directory itself").
const SelfRefSlot = entriesPerTable - 1

// pte is one page-table entry: present/writable/user/accessed/dirty bits
// plus the backing frame (spec §3: "20-bit frame index").
type pte struct {
	present, writable, user, accessed, dirty bool
	frame                                    mem.FrameIdx
}

// PageTable is one level-2 paging structure: 1024 entries, one per page
// in the 4 MiB region it covers.
type PageTable struct {
	entries [entriesPerTable]pte
}

// PageDirectory is the top-level paging structure. Directory entries
// [0, KernelDirBase) are user slots, private to this address space;
// [KernelDirBase, SelfRefSlot) are kernel slots shared (by table pointer,
// not copy) across every live directory; SelfRefSlot is this directory's
// own self-reference.
type PageDirectory struct {
	mu     sync.Mutex
	tables [entriesPerTable]*PageTable
}

// Self returns pd itself, satisfying the self-referential invariant: in a
// real x86 directory this is done by pointing the last PDE's frame field
// at the directory's own physical frame; here, since callers already hold
// a Go pointer to pd, Self just returns it so code that wants "my own
// directory, reached through the recursive slot" has a named access path
// identical in spirit to the real architecture's PAGE_DIR_PTR macro.
func (pd *PageDirectory) Self() *PageDirectory { return pd }

// NewPageDirectory allocates an empty directory and wires in the kernel
// slots from template by table pointer (not copy), so writes to a kernel
// page table through one address space are visible through every other
// live directory, matching spec §3's "kernel-space entries ... are
// identical across all live directories."
func NewPageDirectory(template *PageDirectory) *PageDirectory {
	pd := &PageDirectory{}
	if template != nil {
		template.mu.Lock()
		for i := KernelDirBase; i < SelfRefSlot; i++ {
			pd.tables[i] = template.tables[i]
		}
		template.mu.Unlock()
	} else {
		for i := KernelDirBase; i < SelfRefSlot; i++ {
			pd.tables[i] = &PageTable{}
		}
	}
	return pd
}

func isKernelSlot(dirIdx int) bool {
	return dirIdx >= KernelDirBase && dirIdx < SelfRefSlot
}

// lookup returns the pte for page p and whether it is present, without
// allocating a page table on demand.
func (pd *PageDirectory) lookup(p PageIdx) (*pte, bool) {
	dirIdx := int(p) / entriesPerTable
	tblIdx := int(p) % entriesPerTable
	if dirIdx >= entriesPerTable {
		return nil, false
	}
	t := pd.tables[dirIdx]
	if t == nil {
		return nil, false
	}
	e := &t.entries[tblIdx]
	return e, e.present
}

// ensureTable returns the page table covering p, allocating one if
// absent. Kernel slots always hold a table already (NewPageDirectory
// fills them in), so a new kernel mapping lands in a table that every
// directory descended from the same template shares.
func (pd *PageDirectory) ensureTable(p PageIdx) *PageTable {
	dirIdx := int(p) / entriesPerTable
	if pd.tables[dirIdx] == nil {
		pd.tables[dirIdx] = &PageTable{}
	}
	return pd.tables[dirIdx]
}

// entryFor returns a pointer to the (possibly newly allocated) pte for
// page p.
func (pd *PageDirectory) entryFor(p PageIdx) *pte {
	t := pd.ensureTable(p)
	return &t.entries[int(p)%entriesPerTable]
}
