// Package accnt accumulates per-process CPU-time accounting, grounded on
// the teacher's Accnt_t (biscuit/src/accnt/accnt.go). Each process
// descriptor carries one; the scheduler does not call Sysadd or Useradd,
// so the counters stay zero unless a caller adds samples itself.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt is a process's accumulated runtime, in nanoseconds.
type Accnt struct {
	mu     sync.Mutex
	Userns int64
	Sysns  int64
}

func (a *Accnt) Sysadd(delta time.Duration) {
	atomic.AddInt64(&a.Sysns, int64(delta))
}

func (a *Accnt) Useradd(delta time.Duration) {
	atomic.AddInt64(&a.Userns, int64(delta))
}

// Add merges n's counters into a, used when re-parenting a reaped
// zombie's usage into init (spec §4.4 exit's re-parenting rule extended
// to accounting).
func (a *Accnt) Add(n *Accnt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	atomic.AddInt64(&a.Userns, atomic.LoadInt64(&n.Userns))
	atomic.AddInt64(&a.Sysns, atomic.LoadInt64(&n.Sysns))
}

// Snapshot returns a consistent (Userns, Sysns) pair.
func (a *Accnt) Snapshot() (user, sys time.Duration) {
	return time.Duration(atomic.LoadInt64(&a.Userns)), time.Duration(atomic.LoadInt64(&a.Sysns))
}
