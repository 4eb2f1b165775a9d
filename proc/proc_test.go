package proc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"simplix/defs"
	"simplix/limits"
	"simplix/mem"
	"simplix/stat"
	"simplix/ustr"
	"simplix/vfs"
)

func newTestTable(t *testing.T) (*Table, *vfs.VFS) {
	t.Helper()
	bitmap := mem.New(4096)
	arena := mem.NewArena(4096)
	lim := limits.New(16, 16)
	v := vfs.New(16)
	return NewTable(bitmap, arena, lim, v), v
}

// dirfs is a minimal in-memory file system (files + directories) used to
// exercise chdir/exec without depending on a concrete file system
// package.
type dirfs struct {
	files map[string][]byte
	dirs  map[string]bool
}

func newDirfs() *dirfs { return &dirfs{files: map[string][]byte{}, dirs: map[string]bool{"/": true}} }

func (d *dirfs) ops() *vfs.Ops {
	return &vfs.Ops{
		Open: func(path ustr.Ustr, flags int) (vfs.Handle, defs.Err_t) {
			key := path.String()
			if _, ok := d.files[key]; !ok {
				return nil, defs.ENOENT
			}
			return key, 0
		},
		Read: func(h vfs.Handle, buf []byte, offset int64) (int, defs.Err_t) {
			data := d.files[h.(string)]
			if offset >= int64(len(data)) {
				return 0, 0
			}
			return copy(buf, data[offset:]), 0
		},
		GetattrPath: func(path ustr.Ustr, st *stat.Stat_t) defs.Err_t {
			key := path.String()
			if d.dirs[key] {
				st.Wmode(stat.ModeDir)
				return 0
			}
			if _, ok := d.files[key]; ok {
				return 0
			}
			return defs.ENOENT
		},
	}
}

func TestForkExitWaitMatchesScenario2(t *testing.T) {
	tbl, _ := newTestTable(t)
	type result struct {
		pid, code int
		errno     defs.Err_t
	}
	resultCh := make(chan result, 1)

	p, errno := tbl.CreateProcess(nil, func(p *Process) {
		_, errno := tbl.Fork(p, func(c *Process) {
			tbl.Exit(c, 123)
		})
		require.Zero(t, errno)
		pid, code, errno := tbl.Wait(p)
		resultCh <- result{pid, code, errno}
	})
	require.Zero(t, errno)
	p.setState(Runnable)

	sched := NewScheduler(tbl)
	for i := 0; i < 20; i++ {
		if !sched.RunOnce() {
			break
		}
	}

	select {
	case r := <-resultCh:
		require.Zero(t, r.errno)
		require.Equal(t, 123, r.code)
	default:
		t.Fatal("parent never observed child's exit")
	}

	require.Nil(t, tbl.Get(p.Pid+1))
}

func TestWaitWithNoChildrenFailsESRCH(t *testing.T) {
	tbl, _ := newTestTable(t)
	doneCh := make(chan defs.Err_t, 1)
	p, errno := tbl.CreateProcess(nil, func(p *Process) {
		_, _, errno := tbl.Wait(p)
		doneCh <- errno
	})
	require.Zero(t, errno)
	p.setState(Runnable)

	sched := NewScheduler(tbl)
	sched.Run(5)

	select {
	case errno := <-doneCh:
		require.Equal(t, defs.ESRCH, errno)
	default:
		t.Fatal("wait with no children never returned")
	}
}

func TestYieldRoundRobinBothProcessesProgress(t *testing.T) {
	tbl, _ := newTestTable(t)
	var order []int
	done := make(chan struct{})
	count := 0

	mkbody := func(id int) Body {
		return func(p *Process) {
			for i := 0; i < 3; i++ {
				order = append(order, id)
				p.Yield()
			}
			count++
			if count == 2 {
				close(done)
			}
		}
	}
	p1, errno := tbl.CreateProcess(nil, mkbody(1))
	require.Zero(t, errno)
	p2, errno := tbl.CreateProcess(nil, mkbody(2))
	require.Zero(t, errno)
	p1.setState(Runnable)
	p2.setState(Runnable)

	sched := NewScheduler(tbl)
	for i := 0; i < 10; i++ {
		sched.RunOnce()
	}

	select {
	case <-done:
	default:
		t.Fatal("both processes never completed their yield loop")
	}
	require.GreaterOrEqual(t, len(order), 6)
}

func TestChdirResolvesRelativeAndRejectsNonDirectory(t *testing.T) {
	tbl, v := newTestTable(t)
	fs := newDirfs()
	fs.dirs["/home"] = true
	fs.files["/home/README"] = []byte("hi")
	_, errno := v.Mount(ustr.Root(), fs.ops(), nil)
	require.Zero(t, errno)

	doneCh := make(chan defs.Err_t, 2)
	p, errno := tbl.CreateProcess(nil, func(p *Process) {
		doneCh <- tbl.Chdir(p, ustr.Mk("home"))
		doneCh <- tbl.Chdir(p, ustr.Mk("README"))
	})
	require.Zero(t, errno)
	p.setState(Runnable)

	sched := NewScheduler(tbl)
	sched.Run(10)

	require.Equal(t, defs.Err_t(0), <-doneCh)
	require.Equal(t, "/home", p.Getcwd().String())
	require.Equal(t, defs.ENOTDIR, <-doneCh)
}

// buildMinimalELF32 assembles just enough of an ELF32 executable for Exec
// to load: one PT_LOAD segment containing code bytes, memsz one word
// larger than filesz so the bss zero-fill path runs too.
func buildMinimalELF32(code []byte, vaddr uint32) []byte {
	const ehsize = 52
	const phsize = 32
	phoff := uint32(ehsize)
	codeOff := phoff + phsize

	buf := make([]byte, int(codeOff)+len(code))
	buf[0], buf[1], buf[2], buf[3] = 0x7f, 'E', 'L', 'F'
	buf[4] = 1 // class32
	buf[5] = 1 // LSB
	binary.LittleEndian.PutUint16(buf[16:18], 2) // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:20], 3) // EM_386
	binary.LittleEndian.PutUint32(buf[24:28], vaddr)
	binary.LittleEndian.PutUint32(buf[28:32], phoff)
	binary.LittleEndian.PutUint16(buf[40:42], ehsize)
	binary.LittleEndian.PutUint16(buf[42:44], phsize)
	binary.LittleEndian.PutUint16(buf[44:46], 1)

	ph := buf[phoff : phoff+phsize]
	binary.LittleEndian.PutUint32(ph[0:4], ptLoad)
	binary.LittleEndian.PutUint32(ph[4:8], codeOff)
	binary.LittleEndian.PutUint32(ph[8:12], vaddr)
	binary.LittleEndian.PutUint32(ph[16:20], uint32(len(code)))
	binary.LittleEndian.PutUint32(ph[20:24], uint32(len(code))+4)

	copy(buf[codeOff:], code)
	return buf
}

func TestExecLoadsELFAndSetsEntryPoint(t *testing.T) {
	tbl, v := newTestTable(t)
	fs := newDirfs()
	const vaddr = 0x1000
	fs.files["/shell.elf"] = buildMinimalELF32([]byte{0x90, 0x90, 0xf4}, vaddr)
	_, errno := v.Mount(ustr.Root(), fs.ops(), nil)
	require.Zero(t, errno)

	p, errno := tbl.InitFirstProcess(ustr.Mk("/shell.elf"), []string{"shell"})
	require.Zero(t, errno)

	sched := NewScheduler(tbl)
	sched.RunOnce()

	require.Equal(t, uint32(vaddr), p.Trapframe.Eip)
	require.NotZero(t, p.Trapframe.UserEsp)

	frame := p.AS.FrameBytes(vaddr)
	require.Equal(t, byte(0x90), frame[0])
}
