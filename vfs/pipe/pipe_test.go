package pipe

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"simplix/ustr"
)

func TestCapacitySmallerThanMessageDoesNotDeadlock(t *testing.T) {
	p := New(8, runtime.Gosched)

	msg := make([]byte, 1024)
	for i := range msg {
		msg[i] = byte(i)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	var got []byte

	go func() {
		defer wg.Done()
		n, errno := p.Write(msg)
		require.Zero(t, errno)
		require.Equal(t, len(msg), n)
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, len(msg))
		total := 0
		for total < len(msg) {
			n, errno := p.Read(buf[total:])
			require.Zero(t, errno)
			total += n
		}
		got = buf
	}()
	wg.Wait()

	require.Equal(t, msg, got)
}

func TestNamedPipeOpenReusesExistingBuffer(t *testing.T) {
	tbl := NewTable(8, runtime.Gosched)
	h1, errno := tbl.Ops().Open(ustr.Mk("/fifo"), 0)
	require.Zero(t, errno)
	h2, errno := tbl.Ops().Open(ustr.Mk("/fifo"), 0)
	require.Zero(t, errno)
	require.Same(t, h1.(*Pipe), h2.(*Pipe))
	require.Equal(t, 2, h1.(*Pipe).Ref)
}
