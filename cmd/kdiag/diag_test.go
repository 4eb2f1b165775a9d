package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"simplix/kheap"
	"simplix/mem"
	"simplix/vm"
)

func TestRunDiagWritesValidProfile(t *testing.T) {
	out := t.TempDir() + "/kdiag.pprof"
	require.NoError(t, runDiag(out, 2048, 4, 64))

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
}

func TestBuildProfileHasOneSamplePerSitePlusFrames(t *testing.T) {
	bitmap := mem.New(1024)
	arena := mem.NewArena(1024)
	as := vm.NewAddressSpace(bitmap, arena, nil)
	h, err := kheap.New(as, 2, 32)
	require.NoError(t, err)

	sites := []site{
		allocSmallObjects(h),
		allocMediumObjects(h),
		allocLargeObject(h),
	}
	bitmap.NFreeFrames(16)

	prof := buildProfile(sites, bitmap)
	require.NoError(t, prof.CheckValid())
	require.Len(t, prof.Sample, len(sites)+1)
	require.Len(t, prof.SampleType, 2)

	last := prof.Sample[len(prof.Sample)-1]
	require.Equal(t, int64(32), last.Value[1])
}
