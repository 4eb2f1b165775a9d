// Package kheap implements L2, the kernel heap: a first-fit,
// boundary-tagged free-list allocator sitting on L1 (spec.md §4.3). It is
// grounded on the original kernel's arch/i386/heap.c (intrusive
// header/footer magic numbers, size-ordered free list, left/right
// coalescing) translated per Design Notes §9 into explicit Go accessors
// over the backing pages instead of raw C pointer arithmetic: a block's
// header and footer are fixed-layout byte records at known offsets
// (encoding/binary, little-endian) rather than structs overlaid via
// unsafe.Pointer, since the heap's backing store here is a set of
// page-granular slices handed out by vm rather than one flat address
// space the CPU's MMU makes contiguous for free.
package kheap

import (
	"encoding/binary"
	"fmt"
	"sync"

	"simplix/klog"
	"simplix/vm"
)

const (
	headerSize = 16 // magic(4) size(4) prev(4) next(4)
	footerSize = 8  // magic(4) headerBack(4)
	wordAlign  = 8
)

// Magic numbers. LEFT marks the first header of a page run (its left
// neighbour is an unrelated run or nothing); MID marks every other
// header. Footers carry the symmetric RIGHT/MID pair for the run's right
// boundary (spec §3, Heap block).
const (
	magicHeaderLeft  uint32 = 0xFEEDC0DE
	magicHeaderMid   uint32 = 0xFEEDFACE
	magicFooterRight uint32 = 0xBAADC0DE
	magicFooterMid   uint32 = 0xBAADFACE
)

// offNone is the sentinel for "no block" in a prev/next field. A block
// cannot legitimately sit at this offset (the first headerSize bytes of
// every page-run are reserved for the initial header, and block 0 of the
// very first run is a valid header offset, so -1 rather than 0 is used).
const offNone int32 = -1

// Ptr is a kmalloc handle: the byte offset of a block's payload within
// the heap's logical address space. NullPtr plays the role of a null
// pointer.
type Ptr int32

const NullPtr Ptr = -1

// Heap is the L2 allocator.
type Heap struct {
	mu sync.Mutex

	as       *vm.AddressSpace
	base     vm.VAddr
	pages    [][]byte // live per-page slices, index i covers [i*PageSize, (i+1)*PageSize)
	minPages int
	maxPages int

	freeHead int32 // header offset of the smallest free block, offNone if empty
}

// New creates a heap backed by as, committing minPages pages immediately
// (the floor the shrink policy never goes below) and capping growth at maxPages.
func New(as *vm.AddressSpace, minPages, maxPages int) (*Heap, error) {
	if minPages < 1 || maxPages < minPages {
		return nil, fmt.Errorf("kheap: invalid bounds min=%d max=%d", minPages, maxPages)
	}
	h := &Heap{as: as, minPages: minPages, maxPages: maxPages, freeHead: offNone}
	base, err := as.AllocPages(minPages, true, true)
	if err != nil {
		return nil, err
	}
	h.base = base
	for i := 0; i < minPages; i++ {
		h.pages = append(h.pages, as.FrameBytes(base+vm.VAddr(i*vm.PageSize)))
	}
	h.carveInitialRun(0, minPages)
	return h, nil
}

func (h *Heap) totalBytes() int32 { return int32(len(h.pages)) * vm.PageSize }

// carveInitialRun installs one free block spanning the whole page range
// [startPage, startPage+nPages), with a LEFT header and RIGHT footer.
func (h *Heap) carveInitialRun(startPage, nPages int) {
	runOff := int32(startPage) * vm.PageSize
	runLen := int32(nPages) * vm.PageSize
	payload := runLen - headerSize - footerSize
	h.writeHeader(runOff, magicHeaderLeft, payload, offNone, runOff)
	h.writeFooter(runOff+headerSize+payload, magicFooterRight, runOff)
	h.freeListInsert(runOff)
}

// --- byte-level accessors, straddling pages transparently ---

func (h *Heap) readAt(off int32, n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; {
		page := int(off+int32(i)) / vm.PageSize
		inPage := int(off+int32(i)) % vm.PageSize
		chunk := vm.PageSize - inPage
		if chunk > n-i {
			chunk = n - i
		}
		copy(out[i:i+chunk], h.pages[page][inPage:inPage+chunk])
		i += chunk
	}
	return out
}

func (h *Heap) writeAt(off int32, data []byte) {
	n := len(data)
	for i := 0; i < n; {
		page := int(off+int32(i)) / vm.PageSize
		inPage := int(off+int32(i)) % vm.PageSize
		chunk := vm.PageSize - inPage
		if chunk > n-i {
			chunk = n - i
		}
		copy(h.pages[page][inPage:inPage+chunk], data[i:i+chunk])
		i += chunk
	}
}

func (h *Heap) u32(off int32) uint32 {
	return binary.LittleEndian.Uint32(h.readAt(off, 4))
}
func (h *Heap) setU32(off int32, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	h.writeAt(off, b[:])
}
func (h *Heap) i32(off int32) int32  { return int32(h.u32(off)) }
func (h *Heap) setI32(off int32, v int32) { h.setU32(off, uint32(v)) }

func (h *Heap) headerMagic(off int32) uint32    { return h.u32(off) }
func (h *Heap) headerSizeOf(off int32) int32    { return h.i32(off + 4) }
func (h *Heap) headerPrev(off int32) int32      { return h.i32(off + 8) }
func (h *Heap) headerNext(off int32) int32      { return h.i32(off + 12) }
func (h *Heap) setHeaderPrev(off, v int32)      { h.setI32(off+8, v) }
func (h *Heap) setHeaderNext(off, v int32)      { h.setI32(off+12, v) }

func (h *Heap) writeHeader(off int32, magic uint32, size, prev, next int32) {
	h.setU32(off, magic)
	h.setI32(off+4, size)
	h.setI32(off+8, prev)
	h.setI32(off+12, next)
}

func (h *Heap) footerOf(headerOff int32) int32 {
	return headerOff + headerSize + h.headerSizeOf(headerOff)
}
func (h *Heap) footerMagic(off int32) uint32  { return h.u32(off) }
func (h *Heap) footerHeader(off int32) int32  { return h.i32(off + 4) }
func (h *Heap) writeFooter(off int32, magic uint32, headerBack int32) {
	h.setU32(off, magic)
	h.setI32(off+4, headerBack)
}

func (h *Heap) setHeaderSize(off, size int32) { h.setI32(off+4, size) }

func roundUpWord(n int32) int32 {
	if n%wordAlign == 0 {
		return n
	}
	return n + (wordAlign - n%wordAlign)
}
