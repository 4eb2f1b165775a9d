// Package proc implements L3: the process descriptor, its state machine,
// and the cooperative scheduler (spec §4.4). It is grounded on the
// original kernel's kernel/arch/i386/process/process.c (create_process,
// init_first_process, scheduler, fork, exit, wait, yield, get_abs_path)
// — the teacher's own proc package was retrieved as an empty go.mod-only
// stub, so the state machine and call shapes below are translated
// directly from that C source into Go, reusing fd.Cwd_t's
// Fullpath/Canonicalpath pattern (biscuit/src/fd/fd.go) for cwd handling.
package proc

import (
	"sync"

	"simplix/accnt"
	"simplix/bpath"
	"simplix/defs"
	"simplix/limits"
	"simplix/mem"
	"simplix/stat"
	"simplix/ustr"
	"simplix/vfs"
	"simplix/vm"
)

// State is a process's position in the state machine of spec §4.4.
type State int

const (
	Unused State = iota
	Embryo
	Runnable
	Running
	Sleeping
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "UNUSED"
	case Embryo:
		return "EMBRYO"
	case Runnable:
		return "RUNNABLE"
	case Running:
		return "RUNNING"
	case Sleeping:
		return "SLEEPING"
	case Zombie:
		return "ZOMBIE"
	default:
		return "?"
	}
}

// MaxFiles is the fixed width of a process's open-file array (spec §3
// "open-file array of fixed width").
const MaxFiles = 32

// Body is what a process "runs": since there is no real ring-3 CPU to
// execute user instructions, Body stands in for a user program's control
// flow, cooperating with the scheduler by calling p.Yield or returning
// (an implicit exit(0)), or by calling Table.Exit directly.
type Body func(p *Process)

// Process is one process descriptor (spec §3). Everything the spec names
// is present: pid, state, page directory (via AS), kernel stack, parent,
// trapframe, context, high-water mark, exit code, cwd, and a fixed-width
// fd array.
type Process struct {
	mu sync.Mutex

	Pid    int
	state  State
	AS     *vm.AddressSpace
	Kstack vm.VAddr
	Parent *Process

	Trapframe *Trapframe
	Context   *Context

	ExitCode int
	cwd      ustr.Ustr
	Files    [MaxFiles]*vfs.OpenFile
	Accnt    *accnt.Accnt

	table *Table
	body  Body

	// ForkBody is what the child created by the next SYS_FORK dispatch
	// will run. A real fork() duplicates the calling stack at the
	// instruction after the syscall; Go has no way to clone a goroutine's
	// program counter, so the syscall gateway (gate.Gate.Dispatch) reads
	// this field instead, exactly mirroring the limitation Fork's
	// childBody parameter already documents. Harness/test code sets it
	// immediately before triggering the fork syscall.
	ForkBody Body

	resume  chan struct{}
	yielded chan struct{}
}

// AllocFd installs of in the first free slot of p's fixed-width file
// table, returning its index (spec §3 "open-file array of fixed width").
func (p *Process) AllocFd(of *vfs.OpenFile) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, slot := range p.Files {
		if slot == nil {
			p.Files[i] = of
			return i, 0
		}
	}
	return 0, defs.EMFILE
}

// FdFile returns the open file installed at fd, or EINVAL if fd is out of
// range or unused.
func (p *Process) FdFile(fd int) (*vfs.OpenFile, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= MaxFiles || p.Files[fd] == nil {
		return nil, defs.EINVAL
	}
	return p.Files[fd], 0
}

// ClearFd removes and returns the open file installed at fd, leaving the
// caller responsible for releasing it through the VFS.
func (p *Process) ClearFd(fd int) (*vfs.OpenFile, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= MaxFiles || p.Files[fd] == nil {
		return nil, defs.EINVAL
	}
	of := p.Files[fd]
	p.Files[fd] = nil
	return of, 0
}

// VFS returns the table's VFS, so the syscall gateway can issue file
// operations without needing its own separate reference wired through.
func (t *Table) VFS() *vfs.VFS { return t.v }

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Start marks a freshly created descriptor RUNNABLE so the scheduler
// picks it up on the next pass. CreateProcess leaves a new descriptor in
// Embryo deliberately (InitFirstProcess and Fork each promote their own
// descriptor once its body/trapframe is fully set up); callers outside
// those two paths — the boot sequence starting an extra top-level
// process that isn't the init binary — call Start explicitly once they
// are done preparing the descriptor.
func (p *Process) Start() {
	p.setState(Runnable)
}

// Cwd returns the process's current working directory.
func (p *Process) Cwd() ustr.Ustr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// HighWater reports the user-space size high-water mark sbrk grows.
func (p *Process) HighWater() vm.VAddr {
	return p.AS.HighWaterMark()
}

// Table owns every process slot, the pid counter, and the resources
// CreateProcess needs to build a fresh address space (spec §5: "Global
// mutable tables ... a process-wide resource with explicit init/teardown
// and a single lock").
type Table struct {
	mu       sync.Mutex
	procs    map[int]*Process
	nextPid  int
	bitmap   *mem.Bitmap
	arena    *mem.Arena
	template *vm.PageDirectory
	limits   *limits.Syslimit_t
	v        *vfs.VFS
	init     *Process
}

// NewTable creates an empty process table backed by bitmap/arena for
// fresh address spaces, bounded by lim.Sysprocs, closing fds through v on
// exit.
func NewTable(bitmap *mem.Bitmap, arena *mem.Arena, lim *limits.Syslimit_t, v *vfs.VFS) *Table {
	return &Table{
		procs:  make(map[int]*Process),
		bitmap: bitmap,
		arena:  arena,
		limits: lim,
		v:      v,
	}
}

// Get returns the process with the given pid, or nil.
func (t *Table) Get(pid int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[pid]
}

// newDescriptor reserves a slot and pid, builds the address space (fresh,
// or supplied by the caller for fork's deep copy), allocates a one-page
// kernel stack, and wires the channel pair the scheduler and Yield/Exit
// use to hand control back and forth (the message-passing realization of
// "switch kernel contexts" that Design Notes §9 calls for). It does not
// set state or body; callers finish construction.
func (t *Table) newDescriptor(parent *Process, as *vm.AddressSpace) (*Process, defs.Err_t) {
	if !t.limits.Sysprocs.Take() {
		return nil, defs.ENOSPACE
	}

	kstack, err := as.AllocPages(1, true, true)
	if err != nil {
		t.limits.Sysprocs.Give()
		return nil, defs.ENOSPACE
	}

	t.mu.Lock()
	t.nextPid++
	pid := t.nextPid
	p := &Process{
		Pid:       pid,
		state:     Embryo,
		AS:        as,
		Kstack:    kstack,
		Parent:    parent,
		Trapframe: &Trapframe{},
		Context:   &Context{},
		cwd:       ustr.Root(),
		Accnt:     &accnt.Accnt{},
		table:     t,
		resume:    make(chan struct{}),
		yielded:   make(chan struct{}),
	}
	t.procs[pid] = p
	t.mu.Unlock()
	return p, 0
}

// CreateProcess implements spec §4.4's create_process: reserve a slot,
// assign a pid, allocate a kernel stack, and leave the descriptor in
// EMBRYO with the trapframe/context zeroed. Callers (InitFirstProcess,
// Fork, Exec) finish the setup and move it to RUNNABLE.
func (t *Table) CreateProcess(parent *Process, body Body) (*Process, defs.Err_t) {
	t.mu.Lock()
	template := t.template
	t.mu.Unlock()
	as := vm.NewAddressSpace(t.bitmap, t.arena, template)
	p, errno := t.newDescriptor(parent, as)
	if errno != 0 {
		return nil, errno
	}
	p.body = body
	if template == nil {
		t.mu.Lock()
		t.template = as.Dir
		t.mu.Unlock()
	}
	go p.run()
	return p, 0
}

// run is the process's goroutine: it blocks until the scheduler first
// dispatches it, executes Body to completion, and — unless Body already
// called Exit — performs an implicit exit(0), matching a user program
// that falls off the end of main.
func (p *Process) run() {
	<-p.resume
	if p.body != nil {
		p.body(p)
	}
	if p.State() != Zombie {
		p.table.Exit(p, 0)
	}
}

// Yield implements spec §4.4's yield: mark self RUNNABLE, switch to the
// scheduler context. Concretely: hand control back to whichever
// Scheduler.RunOnce call dispatched this process, then block until
// dispatched again.
func (p *Process) Yield() {
	p.setState(Runnable)
	p.yielded <- struct{}{}
	<-p.resume
	p.setState(Running)
}

// InitFirstProcess implements spec §4.4's init_first_process: the very
// first descriptor, with no parent, whose only job is to exec the real
// init binary (SPEC_FULL.md §4.7, mirroring applications/init/init.c).
func (t *Table) InitFirstProcess(initPath ustr.Ustr, argv []string) (*Process, defs.Err_t) {
	p, errno := t.CreateProcess(nil, func(p *Process) {
		t.Exec(p, initPath, argv)
	})
	if errno != 0 {
		return nil, errno
	}
	t.mu.Lock()
	t.init = p
	t.mu.Unlock()
	p.setState(Runnable)
	return p, 0
}

// Fork implements spec §4.4's fork: allocate a new descriptor, deep-copy
// the caller's user space, duplicate the trapframe (forcing the child's
// return register to zero), duplicate fds (bumping reference counts) and
// the cwd, and return the child's pid in the parent. childBody is what
// the new process executes — Go cannot literally resume the parent's own
// call stack in a second goroutine, so the caller supplies the child's
// control flow explicitly (see DESIGN.md for why a literal continuation
// split isn't attempted).
func (t *Table) Fork(p *Process, childBody Body) (*Process, defs.Err_t) {
	childAS := vm.CopyUserSpace(p.AS)
	child, errno := t.newDescriptor(p, childAS)
	if errno != 0 {
		return nil, errno
	}
	child.body = childBody

	p.mu.Lock()
	tf := *p.Trapframe
	cwd := append(ustr.Ustr{}, p.cwd...)
	files := p.Files
	p.mu.Unlock()

	tf.Eax = 0
	child.Trapframe = &tf
	child.mu.Lock()
	child.cwd = cwd
	for i, of := range files {
		if of != nil {
			t.v.Dup(of)
			child.Files[i] = of
		}
	}
	child.mu.Unlock()

	go child.run()
	child.setState(Runnable)
	return child, 0
}

// Exit implements spec §4.4's exit(code): close every open fd, re-parent
// children to init, record the exit code, become ZOMBIE, and hand control
// back to the scheduler — never returning to the caller's own goroutine
// body (run() returns right after, so nothing resumes this process
// again).
func (t *Table) Exit(p *Process, code int) {
	p.mu.Lock()
	files := p.Files
	for i := range p.Files {
		p.Files[i] = nil
	}
	p.mu.Unlock()
	for _, of := range files {
		if of != nil {
			t.v.Close(of)
		}
	}

	t.mu.Lock()
	for _, c := range t.procs {
		if c.Parent == p {
			c.Parent = t.init
		}
	}
	t.mu.Unlock()

	p.mu.Lock()
	p.ExitCode = code
	p.state = Zombie
	p.mu.Unlock()

	p.yielded <- struct{}{}
}

// Wait implements spec §4.4's wait(&status): scan children, reap any
// ZOMBIE (free its kernel stack, free its user address space, clear its
// slot) and return its pid and exit code; if none are ready but some
// exist, yield and retry; if no children exist, fail with ESRCH.
func (t *Table) Wait(p *Process) (int, int, defs.Err_t) {
	for {
		t.mu.Lock()
		var zombie *Process
		haveChildren := false
		for _, c := range t.procs {
			if c.Parent == p {
				haveChildren = true
				if c.State() == Zombie {
					zombie = c
					break
				}
			}
		}
		if zombie != nil {
			delete(t.procs, zombie.Pid)
		}
		t.mu.Unlock()

		if zombie != nil {
			zombie.AS.FreeUserSpace()
			zombie.AS.DeallocPages(zombie.Kstack, 1)
			t.limits.Sysprocs.Give()
			return zombie.Pid, zombie.ExitCode, 0
		}
		if !haveChildren {
			return 0, 0, defs.ESRCH
		}
		p.Yield()
	}
}

// Chdir implements spec §4.4's chdir: resolve the argument to an absolute
// form against the cwd, confirm it names a directory via VFS getattr, and
// replace the cwd.
func (t *Table) Chdir(p *Process, path ustr.Ustr) defs.Err_t {
	abs := bpath.Join(p.Cwd(), path)
	var st stat.Stat_t
	if errno := t.v.StatPath(abs, &st); errno != 0 {
		return errno
	}
	if !st.IsDir() {
		return defs.ENOTDIR
	}
	p.mu.Lock()
	p.cwd = abs
	p.mu.Unlock()
	return 0
}

// Getcwd implements spec §4.4's getcwd.
func (p *Process) Getcwd() ustr.Ustr { return p.Cwd() }
