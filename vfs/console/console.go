// Package console implements the VFS console device of spec §4.5: a
// character device bound to a keyboard input ring and a TTY output
// engine that interprets ANSI CSI sequences. The teacher's own fdops
// package (the natural home for a character-device vtable) was retrieved
// as an empty go.mod-only stub, so this is grounded directly on the
// original kernel's tty.c/keyboard.c split: a lock-free-from-the-ISR ring
// buffer feeding reads, and a small CSI state machine driving writes.
package console

import (
	"sync"

	"simplix/defs"
	"simplix/stat"
	"simplix/ustr"
	"simplix/vfs"
)

// ringSize bounds the keyboard input ring; the original's tty.c uses a
// small fixed buffer since a human can't outrun it.
const ringSize = 256

// Tty is the output engine console writes feed: a cursor position, a
// foreground/background attribute pair set by SGR, and cursor visibility.
// Writes interpret cursor moves (CSI A/B/C/D, H/f), clear screen (CSI 2J),
// clear line (CSI K), colour attributes (CSI m) and cursor visibility
// (CSI 25 h/l). A cursor-position report request (CSI 6n) is not answered.
type Tty struct {
	mu          sync.Mutex
	Cols, Rows  int
	CursorX     int
	CursorY     int
	FG, BG      int
	CursorShown bool
	Screen      [][]rune
}

// NewTty allocates a blank terminal of the given size.
func NewTty(cols, rows int) *Tty {
	screen := make([][]rune, rows)
	for i := range screen {
		screen[i] = make([]rune, cols)
		for j := range screen[i] {
			screen[i][j] = ' '
		}
	}
	return &Tty{Cols: cols, Rows: rows, CursorShown: true, Screen: screen}
}

func (tt *Tty) putChar(c rune) {
	if c == '\n' {
		tt.CursorX = 0
		tt.CursorY++
	} else {
		if tt.CursorY < tt.Rows && tt.CursorX < tt.Cols {
			tt.Screen[tt.CursorY][tt.CursorX] = c
		}
		tt.CursorX++
		if tt.CursorX >= tt.Cols {
			tt.CursorX = 0
			tt.CursorY++
		}
	}
	if tt.CursorY >= tt.Rows {
		tt.scroll()
		tt.CursorY = tt.Rows - 1
	}
}

func (tt *Tty) scroll() {
	copy(tt.Screen, tt.Screen[1:])
	last := make([]rune, tt.Cols)
	for i := range last {
		last[i] = ' '
	}
	tt.Screen[tt.Rows-1] = last
}

func (tt *Tty) clearScreen() {
	for y := range tt.Screen {
		for x := range tt.Screen[y] {
			tt.Screen[y][x] = ' '
		}
	}
	tt.CursorX, tt.CursorY = 0, 0
}

func (tt *Tty) clearLine() {
	if tt.CursorY < tt.Rows {
		for x := range tt.Screen[tt.CursorY] {
			tt.Screen[tt.CursorY][x] = ' '
		}
	}
}

// sgr applies one Select Graphic Rendition parameter.
func (tt *Tty) sgr(n int) {
	switch {
	case n == 0:
		tt.FG, tt.BG = 0, 0
	case n >= 30 && n <= 37:
		tt.FG = n - 30
	case n >= 40 && n <= 47:
		tt.BG = n - 40
	}
}

// Write interprets CSI escape sequences (ESC '[' params letter) and
// passes everything else through to putChar, the way spec §4.5 describes
// console writes.
func (tt *Tty) Write(p []byte) {
	tt.mu.Lock()
	defer tt.mu.Unlock()

	i := 0
	for i < len(p) {
		c := p[i]
		if c == 0x1b && i+1 < len(p) && p[i+1] == '[' {
			_, consumed := tt.applyCSI(p[i+2:])
			i += 2 + consumed
			continue
		}
		tt.putChar(rune(c))
		i++
	}
}

// applyCSI parses one CSI sequence's parameter list and final letter
// starting right after "ESC [", returning the number of bytes consumed
// from that point (params + final letter).
func (tt *Tty) applyCSI(p []byte) (handled bool, consumed int) {
	j := 0
	var params []int
	cur := -1
	for j < len(p) {
		c := p[j]
		switch {
		case c >= '0' && c <= '9':
			if cur < 0 {
				cur = 0
			}
			cur = cur*10 + int(c-'0')
			j++
		case c == ';':
			params = append(params, cur)
			cur = -1
			j++
		default:
			if cur >= 0 {
				params = append(params, cur)
			}
			tt.dispatchCSI(c, params)
			return true, j + 1
		}
	}
	return false, j
}

func param(params []int, i, def int) int {
	if i < len(params) && params[i] >= 0 {
		return params[i]
	}
	return def
}

func (tt *Tty) dispatchCSI(final byte, params []int) {
	switch final {
	case 'A':
		tt.CursorY -= param(params, 0, 1)
	case 'B':
		tt.CursorY += param(params, 0, 1)
	case 'C':
		tt.CursorX += param(params, 0, 1)
	case 'D':
		tt.CursorX -= param(params, 0, 1)
	case 'H', 'f':
		tt.CursorY = param(params, 0, 1) - 1
		tt.CursorX = param(params, 1, 1) - 1
	case 'J':
		if param(params, 0, 0) == 2 {
			tt.clearScreen()
		}
	case 'K':
		tt.clearLine()
	case 'm':
		if len(params) == 0 {
			tt.sgr(0)
		}
		for _, n := range params {
			tt.sgr(n)
		}
	case 'h':
		if len(params) == 1 && params[0] == 25 {
			tt.CursorShown = true
		}
	case 'l':
		if len(params) == 1 && params[0] == 25 {
			tt.CursorShown = false
		}
	}
	if tt.CursorX < 0 {
		tt.CursorX = 0
	}
	if tt.CursorY < 0 {
		tt.CursorY = 0
	}
}

// Console is the VFS-pluggable device: a keyboard ring feeding Read, and
// a Tty consuming Write.
type Console struct {
	mu    sync.Mutex
	ring  []byte
	head  int
	tail  int
	count int
	Tty   *Tty
	Yield func()
}

// New returns a console device whose TTY is cols x rows. yield is called
// while Read blocks on an empty ring, the cooperative-yield substitute
// for a real wait queue (spec §5: "read ... blocking only by
// cooperatively yielding").
func New(cols, rows int, yield func()) *Console {
	return &Console{ring: make([]byte, ringSize), Tty: NewTty(cols, rows), Yield: yield}
}

// PushKey is called by the keyboard driver (or a test harness standing in
// for one) to feed one scancode-translated byte into the input ring.
func (c *Console) PushKey(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == len(c.ring) {
		return // ring full: drop, matching a real bounded keyboard buffer
	}
	c.ring[c.tail] = b
	c.tail = (c.tail + 1) % len(c.ring)
	c.count++
}

func (c *Console) popKey() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count == 0 {
		return 0, false
	}
	b := c.ring[c.head]
	c.head = (c.head + 1) % len(c.ring)
	c.count--
	return b, true
}

// Ops returns the vtable binding this console as a VFS mount. Only
// Open/Close/Read/Write/Getattr/GetattrPath are meaningful for a character device;
// everything else is left nil (unsupported), which the VFS translates to
// defs.EPERM.
func (c *Console) Ops() *vfs.Ops {
	return &vfs.Ops{
		Open: func(ustr.Ustr, int) (vfs.Handle, defs.Err_t) { return c, 0 },
		Close: func(vfs.Handle) defs.Err_t { return 0 },
		Read: func(h vfs.Handle, buf []byte, _ int64) (int, defs.Err_t) {
			n := 0
			for n < len(buf) {
				b, ok := c.popKey()
				if !ok {
					if n > 0 {
						return n, 0
					}
					if c.Yield == nil {
						return 0, 0
					}
					c.Yield()
					continue
				}
				buf[n] = b
				n++
			}
			return n, 0
		},
		Write: func(h vfs.Handle, buf []byte, _ int64) (int, defs.Err_t) {
			c.Tty.Write(buf)
			return len(buf), 0
		},
		Getattr: func(vfs.Handle, *stat.Stat_t) defs.Err_t { return 0 },
		GetattrPath: func(ustr.Ustr, *stat.Stat_t) defs.Err_t {
			return 0
		},
	}
}
