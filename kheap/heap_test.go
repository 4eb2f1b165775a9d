package kheap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"simplix/mem"
	"simplix/vm"
)

func newTestHeap(t *testing.T, minPages, maxPages int) *Heap {
	t.Helper()
	bm := mem.New(4096)
	arena := mem.NewArena(4096)
	as := vm.NewAddressSpace(bm, arena, nil)
	h, err := New(as, minPages, maxPages)
	require.NoError(t, err)
	return h
}

func TestKmallocZeroAndOversizeReturnNull(t *testing.T) {
	h := newTestHeap(t, 1, 2)
	require.Equal(t, NullPtr, h.Kmalloc(0))
	require.Equal(t, NullPtr, h.Kmalloc(2*vm.PageSize*2))
}

func TestKmallocReturnsDistinctNonOverlappingBlocks(t *testing.T) {
	h := newTestHeap(t, 1, 4)
	a := h.Kmalloc(16)
	b := h.Kmalloc(32)
	require.NotEqual(t, NullPtr, a)
	require.NotEqual(t, NullPtr, b)
	require.NotEqual(t, a, b)

	h.Write(a, []byte("aaaaaaaaaaaaaaaa"))
	h.Write(b, []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
	require.Equal(t, []byte("aaaaaaaaaaaaaaaa"), h.Read(a, 16))
	require.Equal(t, []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), h.Read(b, 32))
}

func TestKfreeDoubleFreePanics(t *testing.T) {
	h := newTestHeap(t, 1, 2)
	p := h.Kmalloc(16)
	require.NotEqual(t, NullPtr, p)
	h.Kfree(p)
	require.Panics(t, func() { h.Kfree(p) })
}

func TestKfreePointerIntoMiddleOfBlockPanics(t *testing.T) {
	h := newTestHeap(t, 1, 2)
	p := h.Kmalloc(64)
	require.NotEqual(t, NullPtr, p)
	require.Panics(t, func() { h.Kfree(p + 4) })
}

// TestFreeListOrderedAscendingWithSelfLoopTail exercises property #3:
// the free list is ordered by size ascending, the head's prev is NULL,
// and the tail's next points to itself.
func TestFreeListOrderedAscendingWithSelfLoopTail(t *testing.T) {
	h := newTestHeap(t, 1, 4)
	a := h.Kmalloc(16)
	b := h.Kmalloc(64)
	c := h.Kmalloc(32)
	require.NotEqual(t, NullPtr, a)
	require.NotEqual(t, NullPtr, b)
	require.NotEqual(t, NullPtr, c)

	h.mu.Lock()
	items := h.freeListItems()
	h.mu.Unlock()
	require.NotEmpty(t, items)
	for i := 1; i < len(items); i++ {
		require.LessOrEqual(t, h.headerSizeOf(items[i-1]), h.headerSizeOf(items[i]))
	}
	h.mu.Lock()
	require.Equal(t, offNone, h.headerPrev(items[0]))
	last := items[len(items)-1]
	require.Equal(t, last, h.headerNext(last))
	h.mu.Unlock()
}

func TestKfreeCoalescesAdjacentFreeBlocks(t *testing.T) {
	h := newTestHeap(t, 1, 2)
	a := h.Kmalloc(64)
	b := h.Kmalloc(64)
	c := h.Kmalloc(64)
	require.NotEqual(t, NullPtr, a)
	require.NotEqual(t, NullPtr, b)
	require.NotEqual(t, NullPtr, c)

	h.Kfree(a)
	h.Kfree(c)
	h.Kfree(b) // merges a+b+c into a single run-spanning free block

	h.mu.Lock()
	items := h.freeListItems()
	h.mu.Unlock()
	require.Len(t, items, 1, "adjacent frees must coalesce into one block")
}

// TestHeapShrinksOnFullPageRunFree is E2E scenario 6 from spec.md §8: a
// run of small allocations freed in an order that fully merges, followed
// by a large allocation and its release, must return at least two pages
// to L0.
func TestHeapShrinksOnFullPageRunFree(t *testing.T) {
	h := newTestHeap(t, 1, 8)
	before := h.PageCount()

	a := h.Kmalloc(8)
	b := h.Kmalloc(8)
	c := h.Kmalloc(8)
	require.NotEqual(t, NullPtr, a)
	require.NotEqual(t, NullPtr, b)
	require.NotEqual(t, NullPtr, c)
	h.Kfree(a)
	h.Kfree(c)
	h.Kfree(b)

	d := h.Kmalloc(12288)
	require.NotEqual(t, NullPtr, d)
	grown := h.PageCount()
	require.Greater(t, grown, before)

	h.Kfree(d)
	after := h.PageCount()
	require.GreaterOrEqual(t, grown-after, 2, "at least two pages must return to L0")
	require.GreaterOrEqual(t, after, h.minPages)
}

func TestHeapNeverShrinksBelowMinPages(t *testing.T) {
	h := newTestHeap(t, 2, 8)
	p := h.Kmalloc(12288)
	require.NotEqual(t, NullPtr, p)
	h.Kfree(p)
	require.GreaterOrEqual(t, h.PageCount(), h.minPages)
}
