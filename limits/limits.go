// Package limits tracks system-wide resource counters, grounded on the
// teacher's limits.Sysatomic_t (biscuit/src/limits/limits.go) CAS-based
// take/give counter, narrowed to process table slots and cached FAT32
// directory entries. The Dirents counter is seeded but nothing takes from
// it, so the FAT32 dirent cache is not bounded by it. The VFS
// open-file table uses golang.org/x/sync/semaphore instead (SPEC_FULL.md
// DOMAIN STACK), so Syslimit does not duplicate that bound.
package limits

import "sync/atomic"

// Sysatomic_t is a limit that can be atomically taken and given back.
type Sysatomic_t int64

// Taken tries to decrement the counter by n; it fails (and leaves the
// counter unchanged) if doing so would take it negative.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64((*int64)(s), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), int64(n))
	return false
}

func (s *Sysatomic_t) Given(n uint) { atomic.AddInt64((*int64)(s), int64(n)) }
func (s *Sysatomic_t) Take() bool   { return s.Taken(1) }
func (s *Sysatomic_t) Give()        { s.Given(1) }

// Syslimit_t holds the configured system-wide limits.
type Syslimit_t struct {
	Sysprocs Sysatomic_t
	Dirents  Sysatomic_t
}

// New returns limits seeded from maxProcs/maxDirentCache (normally
// kconfig.Config.MaxProcs and a dirent-cache budget).
func New(maxProcs, maxDirentCache int) *Syslimit_t {
	return &Syslimit_t{
		Sysprocs: Sysatomic_t(maxProcs),
		Dirents:  Sysatomic_t(maxDirentCache),
	}
}
