// Package stat mirrors a file's getattr result, grounded on the
// teacher's stat.Stat_t (biscuit/src/stat/stat.go) field set, supplemented
// per SPEC_FULL.md §4.7 with the fields the original's fd.c/ls.c stat
// consumers actually read (mode, size, device number, mtime, block count).
package stat

import "time"

// Mode bits. Only the bits the VFS and its file systems need are modeled;
// there is no full POSIX permission mask since spec.md never asks for one.
const (
	ModeDir  uint = 1 << 31
	ModeChar uint = 1 << 30
	ModeFifo uint = 1 << 29
)

// Stat_t is the getattr result a VFS mount's operation table returns.
type Stat_t struct {
	dev    uint
	ino    uint
	mode   uint
	size   uint
	rdev   uint
	blocks uint
	mtime  time.Time
}

func (st *Stat_t) Wdev(v uint)    { st.dev = v }
func (st *Stat_t) Wino(v uint)    { st.ino = v }
func (st *Stat_t) Wmode(v uint)   { st.mode = v }
func (st *Stat_t) Wsize(v uint)   { st.size = v }
func (st *Stat_t) Wrdev(v uint)   { st.rdev = v }
func (st *Stat_t) Wblocks(v uint) { st.blocks = v }
func (st *Stat_t) Wmtime(t time.Time) { st.mtime = t }

func (st *Stat_t) Dev() uint         { return st.dev }
func (st *Stat_t) Ino() uint         { return st.ino }
func (st *Stat_t) Mode() uint        { return st.mode }
func (st *Stat_t) Size() uint        { return st.size }
func (st *Stat_t) Rdev() uint        { return st.rdev }
func (st *Stat_t) Blocks() uint      { return st.blocks }
func (st *Stat_t) Mtime() time.Time  { return st.mtime }

// IsDir reports whether the mode bits mark a directory.
func (st *Stat_t) IsDir() bool { return st.mode&ModeDir != 0 }
