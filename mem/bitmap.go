// Package mem implements L0, the physical frame allocator: a fixed-length
// bit vector with one bit per 4 KiB physical frame, plus the handful of
// operations spec.md §4.1 requires (set_frame/clear_frame/test_frame,
// first_free_frame, n_free_frames, initialize_bitmap).
//
// It is grounded on the original kernel's arch/i386/memory_bitmap.c (a
// plain uint32 array with set/clear/test/first-free helpers) and carries
// forward the teacher's physical-memory-manager conventions: each Bitmap
// returned by New guarded by its own lock, panic on an allocation that the caller asserted cannot fail, and
// structured diagnostics instead of ad-hoc Printf.
package mem

import (
	"sync"

	"simplix/klog"
)

// PageSize is the size of a frame/page in bytes (spec §3: "4 KiB").
const PageSize = 4096

// FrameIdx is a physical frame number. It is a distinct type from a page
// index (vm.PageIdx) per Design Notes §9 ("encode physical frame index
// and virtual page index as distinct non-convertible newtypes"): nothing
// converts one to the other except the explicit arithmetic in this
// package and vm.
type FrameIdx uint32

const bitsPerWord = 32

// Bitmap is the L0 frame allocator: one bit per frame over the configured
// physical address space. The invariant from spec §3 holds by
// construction: a bit is set iff some caller (initialize_bitmap, a driver
// claiming DMA frames, or vm's allocator) explicitly set it.
type Bitmap struct {
	mu      sync.Mutex
	words   []uint32
	nframes int
	cursor  FrameIdx // last-allocated cursor, accelerates the next search
}

// New allocates a bitmap covering nframes frames, all initially free.
func New(nframes int) *Bitmap {
	return &Bitmap{
		words:   make([]uint32, (nframes+bitsPerWord-1)/bitsPerWord),
		nframes: nframes,
	}
}

func (b *Bitmap) index(i FrameIdx) (word int, off uint) {
	return int(i) / bitsPerWord, uint(i) % bitsPerWord
}

// SetFrame marks frame i as used.
func (b *Bitmap) SetFrame(i FrameIdx) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(i)
}

func (b *Bitmap) setLocked(i FrameIdx) {
	w, off := b.index(i)
	b.words[w] |= 1 << off
}

// ClearFrame marks frame i as free.
func (b *Bitmap) ClearFrame(i FrameIdx) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked(i)
}

func (b *Bitmap) clearLocked(i FrameIdx) {
	w, off := b.index(i)
	b.words[w] &^= 1 << off
}

// TestFrame reports whether frame i is currently marked used.
func (b *Bitmap) TestFrame(i FrameIdx) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.testLocked(i)
}

func (b *Bitmap) testLocked(i FrameIdx) bool {
	w, off := b.index(i)
	return b.words[w]&(1<<off) != 0
}

// FirstFreeFrame finds and claims the first free frame, advancing the
// cursor past it. It panics if no frame is free: the original C
// implementation prints "KERNEL PANIC: No free frame!" and spins forever,
// which this translates to a structured fatal log plus process halt.
func (b *Bitmap) FirstFreeFrame() FrameIdx {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.firstFreeLocked()
	b.setLocked(i)
	b.cursor = i + 1
	return i
}

func (b *Bitmap) firstFreeLocked() FrameIdx {
	start := int(b.cursor) / bitsPerWord
	for pass := 0; pass < 2; pass++ {
		lo, hi := 0, len(b.words)
		if pass == 0 {
			lo = start
		} else {
			hi = start
		}
		for wi := lo; wi < hi; wi++ {
			if b.words[wi] != 0xFFFFFFFF {
				for off := uint(0); off < bitsPerWord; off++ {
					idx := FrameIdx(wi*bitsPerWord) + FrameIdx(off)
					if int(idx) >= b.nframes {
						break
					}
					if b.words[wi]&(1<<off) == 0 {
						return idx
					}
				}
			}
		}
	}
	klog.Panic("mem.Bitmap.FirstFreeFrame", "no free frame", nil)
	panic("unreachable")
}

// NFreeFrames finds a contiguous run of n free frames, marks every frame
// in the run as used, advances the cursor past it, and returns the first
// frame index of the run. It panics when no such run exists, per spec
// §4.1 ("fail (panic) when no run exists").
func (b *Bitmap) NFreeFrames(n int) FrameIdx {
	if n <= 0 {
		panic("mem.NFreeFrames: n must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	run := 0
	var runStart FrameIdx
	for i := 0; i < b.nframes; i++ {
		idx := FrameIdx(i)
		if !b.testLocked(idx) {
			if run == 0 {
				runStart = idx
			}
			run++
			if run == n {
				for j := 0; j < n; j++ {
					b.setLocked(runStart + FrameIdx(j))
				}
				b.cursor = runStart + FrameIdx(n)
				return runStart
			}
		} else {
			run = 0
		}
	}
	klog.Panic("mem.Bitmap.NFreeFrames", "no contiguous free run", nil)
	panic("unreachable")
}

// NFrames returns the total number of frames this bitmap tracks.
func (b *Bitmap) NFrames() int {
	return b.nframes
}

// MemoryMapEntry mirrors one multiboot memory-map entry (spec §6):
// base/length in bytes, Type==Available meaning firmware reports it free.
type MemoryMapEntry struct {
	Base, Length uint64
	Available    bool
}

// InitializeBitmap implements spec §4.1's initialize_bitmap: set every
// bit, clear the bits covered by each AVAILABLE memory-map entry, then
// re-set the bits covered by any non-available entry or by the kernel
// image's physical extent. Reservations are applied last so that an
// overlap between an available range and a reserved range resolves to
// reserved, as spec.md requires ("Overlaps ... are resolved by applying
// reservations last").
func (b *Bitmap) InitializeBitmap(entries []MemoryMapEntry, kernelPhysStart, kernelPhysEnd uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := range b.words {
		b.words[i] = 0xFFFFFFFF
	}

	for _, e := range entries {
		if e.Available {
			b.clearRangeLocked(e.Base, e.Length)
		}
	}
	for _, e := range entries {
		if !e.Available {
			b.setRangeLocked(e.Base, e.Length)
		}
	}
	if kernelPhysEnd > kernelPhysStart {
		b.setRangeLocked(kernelPhysStart, kernelPhysEnd-kernelPhysStart)
	}
	b.cursor = 0
}

func (b *Bitmap) frameRange(base, length uint64) (FrameIdx, FrameIdx) {
	first := FrameIdx(base / PageSize)
	last := FrameIdx((base + length + PageSize - 1) / PageSize)
	if int(last) > b.nframes {
		last = FrameIdx(b.nframes)
	}
	return first, last
}

func (b *Bitmap) clearRangeLocked(base, length uint64) {
	first, last := b.frameRange(base, length)
	for i := first; i < last; i++ {
		b.clearLocked(i)
	}
}

func (b *Bitmap) setRangeLocked(base, length uint64) {
	first, last := b.frameRange(base, length)
	for i := first; i < last; i++ {
		b.setLocked(i)
	}
}
