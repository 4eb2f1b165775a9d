package kheap

import (
	"fmt"

	"simplix/klog"
	"simplix/vm"
)

// --- free list: a singly-linked-by-next-with-back-pointer chain ordered
// by size ascending. Property #3 (spec §8): prev is NULL iff this is the
// smallest-free head; next equals itself iff this is the last free block.
// Rebuilding the whole chain on every insert/remove is O(n) in the free
// list length, which is fine at kernel-heap scale and keeps the ordering
// invariant trivially correct to maintain. ---

func (h *Heap) freeListItems() []int32 {
	var items []int32
	cur := h.freeHead
	for cur != offNone {
		items = append(items, cur)
		next := h.headerNext(cur)
		if next == cur {
			break
		}
		cur = next
	}
	return items
}

func (h *Heap) relinkFreeList(items []int32) {
	if len(items) == 0 {
		h.freeHead = offNone
		return
	}
	h.freeHead = items[0]
	for i, it := range items {
		prev := offNone
		if i > 0 {
			prev = items[i-1]
		}
		next := it
		if i < len(items)-1 {
			next = items[i+1]
		}
		h.setHeaderPrev(it, prev)
		h.setHeaderNext(it, next)
	}
}

func (h *Heap) freeListInsert(off int32) {
	items := h.freeListItems()
	size := h.headerSizeOf(off)
	idx := len(items)
	for i, it := range items {
		if h.headerSizeOf(it) > size {
			idx = i
			break
		}
	}
	merged := make([]int32, 0, len(items)+1)
	merged = append(merged, items[:idx]...)
	merged = append(merged, off)
	merged = append(merged, items[idx:]...)
	h.relinkFreeList(merged)
}

func (h *Heap) freeListRemove(off int32) {
	items := h.freeListItems()
	out := items[:0:0]
	for _, it := range items {
		if it != off {
			out = append(out, it)
		}
	}
	h.relinkFreeList(out)
}

func (h *Heap) isFree(off int32) bool {
	for _, it := range h.freeListItems() {
		if it == off {
			return true
		}
	}
	return false
}

// --- allocation ---

// Kmalloc returns a handle to a writable, word-aligned byte run of at
// least size bytes, or NullPtr when out of memory (spec §4.3).
func (h *Heap) Kmalloc(size int) Ptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size <= 0 {
		return NullPtr
	}
	need := roundUpWord(int32(size))
	if int64(need)+headerSize+footerSize > int64(h.maxPages)*vm.PageSize {
		return NullPtr
	}

	off, ok := h.findFit(need)
	for !ok {
		if err := h.grow(); err != nil {
			klog.L.WithFields(map[string]interface{}{"size": size}).Debug("kheap: grow failed, returning null")
			return NullPtr
		}
		off, ok = h.findFit(need)
	}

	h.freeListRemove(off)
	blkSize := h.headerSizeOf(off)
	extra := blkSize - need
	if extra >= headerSize+footerSize+1 {
		h.splitBlock(off, need)
	}
	return Ptr(off + headerSize)
}

func (h *Heap) findFit(need int32) (int32, bool) {
	for _, it := range h.freeListItems() {
		if h.headerSizeOf(it) >= need {
			return it, true
		}
	}
	return 0, false
}

// splitBlock carves an allocSize-byte block out of the front of the free
// block at off, leaving the remainder as a new MID free block that keeps
// the original run's right boundary.
func (h *Heap) splitBlock(off, allocSize int32) {
	origFooterOff := h.footerOf(off)
	origFooterMagic := h.footerMagic(origFooterOff)

	allocFooterOff := off + headerSize + allocSize
	remHeaderOff := allocFooterOff + footerSize
	remPayload := origFooterOff - remHeaderOff - headerSize

	h.setHeaderSize(off, allocSize)
	h.writeFooter(allocFooterOff, magicFooterMid, off)

	h.writeHeader(remHeaderOff, magicHeaderMid, remPayload, offNone, remHeaderOff)
	h.writeFooter(origFooterOff, origFooterMagic, remHeaderOff)
	h.freeListInsert(remHeaderOff)
}

// grow doubles the heap's page count (capped at maxPages) and splices
// the new pages in as one additional free run (spec §4.3: "expand by
// doubling page count (capped at a configured maximum)").
func (h *Heap) grow() error {
	current := len(h.pages)
	target := current * 2
	if target > h.maxPages {
		target = h.maxPages
	}
	growBy := target - current
	if growBy <= 0 {
		return fmt.Errorf("kheap: already at max pages (%d)", h.maxPages)
	}
	return h.growPages(growBy)
}

func (h *Heap) growPages(n int) error {
	base, err := h.as.AllocPages(n, true, true)
	if err != nil {
		return err
	}
	if len(h.pages) > 0 {
		expected := h.base + vm.VAddr(len(h.pages)*vm.PageSize)
		if base != expected {
			return fmt.Errorf("kheap: grow returned non-contiguous pages (got %#x want %#x)", base, expected)
		}
	}
	startPage := len(h.pages)
	for i := 0; i < n; i++ {
		h.pages = append(h.pages, h.as.FrameBytes(base+vm.VAddr(i*vm.PageSize)))
	}
	h.carveInitialRun(startPage, n)
	return nil
}

// --- free ---

// Kfree releases a block previously returned by Kmalloc. A double free or
// a pointer into the middle of a block is detected via the magic-number
// and back-pointer checks and panics (spec §4.3, §7 Fatal tier).
func (h *Heap) Kfree(p Ptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	headerOff := int32(p) - headerSize
	if headerOff < 0 || headerOff+headerSize > h.totalBytes() {
		klog.Panic("kheap.Kfree", "pointer out of range", map[string]interface{}{"ptr": int32(p)})
	}
	magic := h.headerMagic(headerOff)
	if magic != magicHeaderLeft && magic != magicHeaderMid {
		klog.Panic("kheap.Kfree", "corrupt or invalid header magic", map[string]interface{}{"ptr": int32(p)})
	}
	footerOff := h.footerOf(headerOff)
	if footerOff+footerSize > h.totalBytes() {
		klog.Panic("kheap.Kfree", "footer out of range", map[string]interface{}{"ptr": int32(p)})
	}
	fmagic := h.footerMagic(footerOff)
	if fmagic != magicFooterRight && fmagic != magicFooterMid {
		klog.Panic("kheap.Kfree", "corrupt or invalid footer magic", map[string]interface{}{"ptr": int32(p)})
	}
	if h.footerHeader(footerOff) != headerOff {
		klog.Panic("kheap.Kfree", "pointer into the middle of a block", map[string]interface{}{"ptr": int32(p)})
	}
	if h.isFree(headerOff) {
		klog.Panic("kheap.Kfree", "double free", map[string]interface{}{"ptr": int32(p)})
	}

	candidate := h.coalesce(headerOff)
	h.freeListInsert(candidate)
	h.maybeShrink(candidate)
}

// coalesce merges candidate with its left and/or right neighbours when
// they are free, using the LEFT/RIGHT magics to avoid crossing a page-run
// boundary, and returns the (possibly now larger) block's header offset.
func (h *Heap) coalesce(candidate int32) int32 {
	if h.headerMagic(candidate) != magicHeaderLeft {
		leftFooterOff := candidate - footerSize
		leftHeaderOff := h.footerHeader(leftFooterOff)
		if h.isFree(leftHeaderOff) {
			h.freeListRemove(leftHeaderOff)
			rightFooterOff := h.footerOf(candidate)
			rightMagic := h.footerMagic(rightFooterOff)
			newSize := rightFooterOff + footerSize - leftHeaderOff - headerSize - footerSize
			h.setHeaderSize(leftHeaderOff, newSize)
			h.writeFooter(rightFooterOff, rightMagic, leftHeaderOff)
			candidate = leftHeaderOff
		}
	}

	footerOffNow := h.footerOf(candidate)
	if h.footerMagic(footerOffNow) != magicFooterRight {
		rightHeaderOff := footerOffNow + footerSize
		if h.isFree(rightHeaderOff) {
			h.freeListRemove(rightHeaderOff)
			rightFooterOff := h.footerOf(rightHeaderOff)
			rightMagicFinal := h.footerMagic(rightFooterOff)
			newSize := rightFooterOff + footerSize - candidate - headerSize - footerSize
			h.setHeaderSize(candidate, newSize)
			h.writeFooter(rightFooterOff, rightMagicFinal, candidate)
		}
	}
	return candidate
}

// maybeShrink implements spec §4.3's shrink policy. It only ever returns
// the heap's trailing pages, since growth always appends a new run at
// the tail and pages are never reordered.
func (h *Heap) maybeShrink(candidate int32) {
	footerOff := h.footerOf(candidate)
	if h.footerMagic(footerOff) != magicFooterRight {
		return // not at a right boundary, nothing to shrink
	}
	blockEnd := footerOff + footerSize
	if blockEnd != h.totalBytes() {
		return // not the tail of the heap
	}
	currentPages := len(h.pages)

	if h.headerMagic(candidate) == magicHeaderLeft {
		runPages := int((blockEnd - candidate) / vm.PageSize)
		if currentPages-runPages >= h.minPages {
			h.freeListRemove(candidate)
			h.shrinkTailPages(runPages)
			return
		}
	}

	target := currentPages / 2
	if target < h.minPages {
		target = h.minPages
	}
	removePages := currentPages - target
	if removePages <= 0 {
		return
	}
	removeBytes := int32(removePages) * vm.PageSize
	newEnd := h.totalBytes() - removeBytes
	if candidate > newEnd {
		return // the free block does not cover the trailing region we'd remove
	}

	if newEnd <= candidate+headerSize+footerSize {
		h.freeListRemove(candidate)
	} else {
		newSize := newEnd - candidate - headerSize - footerSize
		h.freeListRemove(candidate)
		h.setHeaderSize(candidate, newSize)
		h.writeFooter(candidate+headerSize+newSize, magicFooterRight, candidate)
		h.freeListInsert(candidate)
	}
	h.shrinkTailPages(removePages)
}

func (h *Heap) shrinkTailPages(n int) {
	if n <= 0 || n > len(h.pages) {
		return
	}
	startPage := len(h.pages) - n
	h.as.DeallocPages(h.base+vm.VAddr(startPage*vm.PageSize), n)
	h.pages = h.pages[:startPage]
}

// --- payload access ---

// Size returns the usable payload size of the block ptr points into.
func (h *Heap) Size(p Ptr) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int(h.headerSizeOf(int32(p) - headerSize))
}

// Write copies data into the block ptr points into, starting at the
// block's first byte.
func (h *Heap) Write(p Ptr, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writeAt(int32(p), data)
}

// Read copies n bytes out of the block ptr points into.
func (h *Heap) Read(p Ptr, n int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readAt(int32(p), n)
}

// PageCount reports the heap's current committed page count, used by
// tests asserting the shrink policy returned pages to L1.
func (h *Heap) PageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}
