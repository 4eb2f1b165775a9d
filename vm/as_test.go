package vm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"simplix/mem"
)

func newTestAS(t *testing.T) (*AddressSpace, *mem.Bitmap, *mem.Arena) {
	t.Helper()
	bm := mem.New(4096)
	arena := mem.NewArena(4096)
	as := NewAddressSpace(bm, arena, nil)
	return as, bm, arena
}

func TestAllocPagesInstallsPresentWritableUserMappings(t *testing.T) {
	as, _, _ := newTestAS(t)
	v, err := as.AllocPages(2, false, true)
	require.NoError(t, err)
	require.True(t, as.IsVaddrAccessible(v, false, true))
	require.True(t, as.IsVaddrAccessible(v+PageSize, false, true))
}

func TestAllocPagesAtFailsOnExistingMapping(t *testing.T) {
	as, _, _ := newTestAS(t)
	v, err := as.AllocPages(1, false, true)
	require.NoError(t, err)
	err = as.AllocPagesAt(v, 1, false, true)
	require.Error(t, err)
}

func TestDeallocPagesScribblesAndFreesFrame(t *testing.T) {
	as, bm, arena := newTestAS(t)
	v, err := as.AllocPages(1, false, true)
	require.NoError(t, err)

	paddr, ok := as.Vaddr2Paddr(v)
	require.True(t, ok)
	frame := mem.FrameIdx(paddr / mem.PageSize)
	require.True(t, bm.TestFrame(frame))

	as.DeallocPages(v, 1)
	require.False(t, bm.TestFrame(frame))
	b := arena.FrameBytes(frame)
	for _, by := range b {
		require.Equal(t, byte(mem.Sentinel), by)
	}
	require.False(t, as.IsVaddrAccessible(v, false, false))
}

func TestIsVaddrAccessibleRespectsKernelAndWriteBits(t *testing.T) {
	as, _, _ := newTestAS(t)
	v, err := as.AllocPages(1, true, false) // kernel-only, read-only
	require.NoError(t, err)
	require.False(t, as.IsVaddrAccessible(v, false, false), "user code must not reach kernel pages")
	require.True(t, as.IsVaddrAccessible(v, true, false))
	require.False(t, as.IsVaddrAccessible(v, true, true), "read-only page must reject writes")
}

func TestCopyUserSpaceDuplicatesBytesIndependently(t *testing.T) {
	as, _, arena := newTestAS(t)
	v, err := as.AllocPages(1, false, true)
	require.NoError(t, err)

	paddr, _ := as.Vaddr2Paddr(v)
	frame := mem.FrameIdx(paddr / mem.PageSize)
	arena.FrameBytes(frame)[0] = 0x42

	dst := CopyUserSpace(as)
	dstPaddr, ok := dst.Vaddr2Paddr(v)
	require.True(t, ok)
	dstFrame := mem.FrameIdx(dstPaddr / mem.PageSize)
	require.NotEqual(t, frame, dstFrame, "fork must allocate a fresh frame")
	require.Equal(t, byte(0x42), arena.FrameBytes(dstFrame)[0])

	arena.FrameBytes(frame)[0] = 0x99
	require.Equal(t, byte(0x42), arena.FrameBytes(dstFrame)[0], "copies must not alias the source page")
}

func TestFreeUserSpaceReleasesFrames(t *testing.T) {
	as, bm, _ := newTestAS(t)
	v, err := as.AllocPages(3, false, true)
	require.NoError(t, err)
	paddr, _ := as.Vaddr2Paddr(v)
	frame := mem.FrameIdx(paddr / mem.PageSize)

	as.FreeUserSpace()
	require.False(t, bm.TestFrame(frame))
	require.False(t, as.IsVaddrAccessible(v, true, false))
}

func TestKernelMappingsSharedAcrossDirectories(t *testing.T) {
	bm := mem.New(4096)
	arena := mem.NewArena(4096)
	kernelAS := NewAddressSpace(bm, arena, nil)
	kv, err := kernelAS.AllocPages(1, true, true)
	require.NoError(t, err)

	child := NewAddressSpace(bm, arena, kernelAS.Dir)
	require.True(t, child.IsVaddrAccessible(kv, true, false), "kernel mappings must be visible in every directory")
}

func TestLinkPagesReadsForeignAddressSpace(t *testing.T) {
	as, _, arena := newTestAS(t)
	v, err := as.AllocPages(1, false, true)
	require.NoError(t, err)
	paddr, _ := as.Vaddr2Paddr(v)
	frame := mem.FrameIdx(paddr / mem.PageSize)
	copy(arena.FrameBytes(frame), []byte("hello"))

	window, err := LinkPages(as, v, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(window))
}
