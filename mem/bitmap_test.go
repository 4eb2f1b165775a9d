package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetClearTestFrame(t *testing.T) {
	b := New(64)
	require.False(t, b.TestFrame(10))
	b.SetFrame(10)
	require.True(t, b.TestFrame(10))
	b.ClearFrame(10)
	require.False(t, b.TestFrame(10))
}

func TestFirstFreeFrameAdvancesCursor(t *testing.T) {
	b := New(8)
	first := b.FirstFreeFrame()
	require.Equal(t, FrameIdx(0), first)
	second := b.FirstFreeFrame()
	require.Equal(t, FrameIdx(1), second)
	require.True(t, b.TestFrame(0))
	require.True(t, b.TestFrame(1))
}

func TestFirstFreeFramePanicsWhenFull(t *testing.T) {
	b := New(2)
	b.FirstFreeFrame()
	b.FirstFreeFrame()
	require.Panics(t, func() { b.FirstFreeFrame() })
}

func TestNFreeFramesContiguousRun(t *testing.T) {
	b := New(16)
	b.SetFrame(2) // poke a hole so a naive scan can't use frames 0-3
	start := b.NFreeFrames(4)
	require.Equal(t, FrameIdx(3), start)
	for i := FrameIdx(3); i < 7; i++ {
		require.True(t, b.TestFrame(i))
	}
}

func TestNFreeFramesPanicsWhenNoRunFits(t *testing.T) {
	b := New(4)
	b.SetFrame(1)
	require.Panics(t, func() { b.NFreeFrames(4) })
}

func TestInitializeBitmapAppliesReservationsLast(t *testing.T) {
	b := New(1 << 16)
	entries := []MemoryMapEntry{
		{Base: 0, Length: 16 << 20, Available: true},
		{Base: 0, Length: 0x1000, Available: false}, // overlaps the available range
	}
	b.InitializeBitmap(entries, 0x100000, 0x200000)

	require.True(t, b.TestFrame(0), "reserved overlap must win over available")
	require.True(t, b.TestFrame(FrameIdx(0x100000/PageSize)), "kernel image frame must be reserved")
	require.False(t, b.TestFrame(FrameIdx(0x300000/PageSize)), "frame in the available range outside reservations must be free")
	require.True(t, b.TestFrame(FrameIdx((16<<20)/PageSize)), "frame past the available range must remain reserved")
}
