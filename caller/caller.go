// Package caller helps kernel panics report where they came from,
// grounded on the teacher's caller.Callerdump and Distinct_caller_t
// (biscuit/src/caller/caller.go).
package caller

import (
	"fmt"
	"runtime"
	"sync"
)

// Dump renders the call stack starting at the given skip depth as a
// single multi-line string, for embedding in a panic report.
func Dump(skip int) string {
	i := skip
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d", f, l)
		} else {
			s += fmt.Sprintf("\n\t<-%s:%d", f, l)
		}
	}
	return s
}

// DistinctCaller records whether a given call chain has been seen before,
// so a noisy recoverable-error path logs its full stack only once per
// distinct caller.
type DistinctCaller struct {
	mu      sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
}

func pchash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// Len reports the number of distinct call chains recorded so far.
func (dc *DistinctCaller) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.seen)
}

// Distinct reports whether the caller's current stack (starting 3 frames
// up, past Distinct itself) is new, returning a formatted stack when so.
func (dc *DistinctCaller) Distinct() (bool, string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if !dc.Enabled {
		return false, ""
	}
	if dc.seen == nil {
		dc.seen = make(map[uintptr]bool)
	}

	pcs := make([]uintptr, 30)
	got := runtime.Callers(3, pcs)
	if got == 0 {
		return false, ""
	}
	pcs = pcs[:got]
	h := pchash(pcs)
	if dc.seen[h] {
		return false, ""
	}
	dc.seen[h] = true

	frames := runtime.CallersFrames(pcs)
	fs := ""
	for {
		fr, more := frames.Next()
		if fs == "" {
			fs = fmt.Sprintf("%v (%v:%v)", fr.Function, fr.File, fr.Line)
		} else {
			fs += fmt.Sprintf("\n\t%v (%v:%v)", fr.Function, fr.File, fr.Line)
		}
		if !more || fr.Function == "runtime.goexit" {
			break
		}
	}
	return true, fs
}
