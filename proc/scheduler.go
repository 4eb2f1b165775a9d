package proc

import "sort"

// Scheduler drives the cooperative round-robin loop of spec §4.4: for
// each RUNNABLE entry, mark it RUNNING and swap kernel contexts into it.
// Design Notes §9 calls for modelling "goto scheduler" as message
// passing — a process sends itself a swap-out message, the scheduler
// sends a swap-in — which is exactly what Process.resume/yielded realize:
// RunOnce below is the scheduler's half of that handshake.
type Scheduler struct {
	t *Table
}

// NewScheduler returns a scheduler driving t.
func NewScheduler(t *Table) *Scheduler { return &Scheduler{t: t} }

// snapshot returns every live process, in pid order, without holding the
// table lock while each is dispatched (a process may create children or
// exit mid-turn).
func (s *Scheduler) snapshot() []*Process {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	out := make([]*Process, 0, len(s.t.procs))
	for _, p := range s.t.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pid < out[j].Pid })
	return out
}

// RunOnce makes a single pass over the process table, dispatching every
// process found RUNNABLE at the start of the pass exactly once. It
// reports whether any process ran, so callers can stop once the system
// is fully idle (every process EMBRYO, SLEEPING, or ZOMBIE).
func (s *Scheduler) RunOnce() bool {
	ran := false
	for _, p := range s.snapshot() {
		if p.State() != Runnable {
			continue
		}
		ran = true
		p.setState(Running)
		p.resume <- struct{}{}
		<-p.yielded
	}
	return ran
}

// Run drives RunOnce until either no process is runnable or maxPasses is
// reached (a safety bound against a process that never yields, which
// spec §5 rules out for well-behaved kernel code but a test harness
// should not trust blindly).
func (s *Scheduler) Run(maxPasses int) int {
	passes := 0
	for passes < maxPasses {
		if !s.RunOnce() {
			break
		}
		passes++
	}
	return passes
}
