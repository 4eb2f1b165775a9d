package mem

import "sync"

// Arena is the flat byte slice standing in for physical RAM (SPEC_FULL.md
// §1 ADD: "Physical memory is a flat []byte arena sized at boot; 'frames'
// are offsets into it"). vm reads and writes page contents through here
// once it has resolved a virtual address to a frame via the page tables;
// L0 itself only ever tracks which frames are free, never their bytes.
type Arena struct {
	mu   sync.RWMutex
	data []byte
}

// NewArena allocates nframes*PageSize zeroed bytes.
func NewArena(nframes int) *Arena {
	return &Arena{data: make([]byte, nframes*PageSize)}
}

// FrameBytes returns a mutable view of frame i's backing bytes. Callers
// holding the slice may read or write it directly; the Arena performs no
// further locking once the slice has been handed out, matching how a real
// direct-mapped physical page behaves (concurrent access to the same
// frame is the caller's responsibility to serialize, exactly as spec §5
// places FAT32's private structures behind their own reader-writer lock
// rather than the arena's).
func (a *Arena) FrameBytes(i FrameIdx) []byte {
	off := int(i) * PageSize
	return a.data[off : off+PageSize]
}

// Sentinel is the byte pattern dealloc_pages writes over freed pages so
// dangling references crash early instead of silently reading stale data
// (spec §4.2: "overwrite freed pages with a sentinel byte").
const Sentinel = 0xDE

// Zero clears frame i's bytes to zero, used when a fresh frame is handed
// to a new mapping.
func (a *Arena) Zero(i FrameIdx) {
	b := a.FrameBytes(i)
	for j := range b {
		b[j] = 0
	}
}

// Scribble overwrites frame i's bytes with Sentinel.
func (a *Arena) Scribble(i FrameIdx) {
	b := a.FrameBytes(i)
	for j := range b {
		b[j] = Sentinel
	}
}
