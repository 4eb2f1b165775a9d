package gate

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"simplix/defs"
	"simplix/limits"
	"simplix/mem"
	"simplix/proc"
	"simplix/stat"
	"simplix/ustr"
	"simplix/vfs"
	"simplix/vm"
)

// memfs is a minimal in-memory file system exercising open/read/write/
// mkdir/stat through the VFS vtable, standing in for a concrete file
// system the way proc's own tests use a bare dirfs.
type memfs struct {
	files map[string][]byte
	dirs  map[string]bool
	mtime time.Time
}

func newMemfs() *memfs {
	return &memfs{files: map[string][]byte{}, dirs: map[string]bool{"/": true}, mtime: time.Unix(1700000000, 0)}
}

func (m *memfs) ops() *vfs.Ops {
	return &vfs.Ops{
		Open: func(path ustr.Ustr, flags int) (vfs.Handle, defs.Err_t) {
			key := path.String()
			if _, ok := m.files[key]; !ok {
				if flags&defs.O_CREAT == 0 {
					return nil, defs.ENOENT
				}
				m.files[key] = nil
			}
			return key, 0
		},
		Read: func(h vfs.Handle, buf []byte, offset int64) (int, defs.Err_t) {
			data := m.files[h.(string)]
			if offset >= int64(len(data)) {
				return 0, 0
			}
			return copy(buf, data[offset:]), 0
		},
		Write: func(h vfs.Handle, buf []byte, offset int64) (int, defs.Err_t) {
			key := h.(string)
			data := m.files[key]
			end := int(offset) + len(buf)
			if end > len(data) {
				grown := make([]byte, end)
				copy(grown, data)
				data = grown
			}
			copy(data[offset:], buf)
			m.files[key] = data
			return len(buf), 0
		},
		Mkdir: func(path ustr.Ustr) defs.Err_t {
			m.dirs[path.String()] = true
			return 0
		},
		GetattrPath: func(path ustr.Ustr, st *stat.Stat_t) defs.Err_t {
			key := path.String()
			if m.dirs[key] {
				st.Wmode(stat.ModeDir)
				st.Wmtime(m.mtime)
				return 0
			}
			data, ok := m.files[key]
			if !ok {
				return defs.ENOENT
			}
			st.Wsize(uint(len(data)))
			st.Wmtime(m.mtime)
			return 0
		},
	}
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestGate(t *testing.T) (*Gate, *proc.Table, *proc.Process) {
	t.Helper()
	bitmap := mem.New(4096)
	arena := mem.NewArena(4096)
	lim := limits.New(16, 16)
	v := vfs.New(16)
	fs := newMemfs()
	_, errno := v.Mount(ustr.Root(), fs.ops(), nil)
	require.Zero(t, errno)

	tbl := proc.NewTable(bitmap, arena, lim, v)
	p, errno := tbl.CreateProcess(nil, nil)
	require.Zero(t, errno)

	g := New(tbl, fixedClock{time.Unix(1710000000, 0)})
	return g, tbl, p
}

// stackArgs allocates one user page, points UserEsp at its base, and
// writes each word into the cdecl argument slots above the fake return
// address, matching the original's r->esp+4*k convention.
func stackArgs(t *testing.T, p *proc.Process, words ...uint32) {
	t.Helper()
	base, err := p.AS.AllocPages(1, false, true)
	require.NoError(t, err)
	p.Trapframe.UserEsp = uint32(base)
	for i, w := range words {
		addr := uint32(base) + uint32(4*(i+1))
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, w)
		vm.CopyToAS(p.AS, vm.VAddr(addr), buf)
	}
}

// writeCString writes s NUL-terminated into a fresh page and returns its
// address.
func writeCString(t *testing.T, p *proc.Process, s string) uint32 {
	t.Helper()
	base, err := p.AS.AllocPages(1, false, true)
	require.NoError(t, err)
	vm.CopyToAS(p.AS, vm.VAddr(base), append([]byte(s), 0))
	return uint32(base)
}

func TestDispatchUnknownSyscallReturnsNotImplemented(t *testing.T) {
	g, _, p := newTestGate(t)
	p.Trapframe.Eax = 9999
	g.Dispatch(p)
	require.Equal(t, int32(defs.ENOSYSTEM), int32(p.Trapframe.Eax))
}

func TestDispatchNetworkStubsReturnNotImplemented(t *testing.T) {
	g, _, p := newTestGate(t)
	for _, num := range []int{SysSocket, SysSendto, SysRecvfrom} {
		p.Trapframe.Eax = uint32(num)
		g.Dispatch(p)
		require.Equal(t, int32(defs.ENOSYSTEM), int32(p.Trapframe.Eax))
	}
}

func TestSysGettimeReturnsClockValue(t *testing.T) {
	g, _, p := newTestGate(t)
	stackArgs(t, p)
	p.Trapframe.Eax = uint32(SysGettime)
	g.Dispatch(p)
	require.Equal(t, int32(1710000000), int32(p.Trapframe.Eax))
}

func TestSysOpenWriteReadCloseRoundTrip(t *testing.T) {
	g, _, p := newTestGate(t)

	pathAddr := writeCString(t, p, "hello.txt")
	stackArgs(t, p, pathAddr, uint32(defs.O_CREAT|defs.O_RDWR))
	p.Trapframe.Eax = uint32(SysOpen)
	g.Dispatch(p)
	fd := int32(p.Trapframe.Eax)
	require.GreaterOrEqual(t, fd, int32(0))

	payload := []byte("hi there")
	bufAddr := writeCString(t, p, string(payload))
	stackArgs(t, p, uint32(fd), bufAddr, uint32(len(payload)))
	p.Trapframe.Eax = uint32(SysWrite)
	g.Dispatch(p)
	require.Equal(t, int32(len(payload)), int32(p.Trapframe.Eax))

	stackArgs(t, p, uint32(fd), 0, 0)
	p.Trapframe.Eax = uint32(SysSeek)
	g.Dispatch(p)
	require.Zero(t, int32(p.Trapframe.Eax))

	readBase, err := p.AS.AllocPages(1, false, true)
	require.NoError(t, err)
	stackArgs(t, p, uint32(fd), uint32(readBase), uint32(len(payload)))
	p.Trapframe.Eax = uint32(SysRead)
	g.Dispatch(p)
	require.Equal(t, int32(len(payload)), int32(p.Trapframe.Eax))
	require.Equal(t, payload, vm.CopyFromAS(p.AS, readBase, len(payload)))

	stackArgs(t, p, uint32(fd))
	p.Trapframe.Eax = uint32(SysClose)
	g.Dispatch(p)
	require.Zero(t, int32(p.Trapframe.Eax))
}

func TestSysStatReportsSize(t *testing.T) {
	g, _, p := newTestGate(t)

	pathAddr := writeCString(t, p, "hello.txt")
	stackArgs(t, p, pathAddr, uint32(defs.O_CREAT|defs.O_RDWR))
	p.Trapframe.Eax = uint32(SysOpen)
	g.Dispatch(p)
	fd := p.Trapframe.Eax

	payload := []byte("abcd")
	bufAddr := writeCString(t, p, string(payload))
	stackArgs(t, p, fd, bufAddr, uint32(len(payload)))
	p.Trapframe.Eax = uint32(SysWrite)
	g.Dispatch(p)

	statPathAddr := writeCString(t, p, "hello.txt")
	statBuf, err := p.AS.AllocPages(1, false, true)
	require.NoError(t, err)
	stackArgs(t, p, statPathAddr, uint32(statBuf))
	p.Trapframe.Eax = uint32(SysStat)
	g.Dispatch(p)
	require.Zero(t, int32(p.Trapframe.Eax))

	rec := vm.CopyFromAS(p.AS, statBuf, statRecordSize)
	size := binary.LittleEndian.Uint32(rec[12:16])
	require.Equal(t, uint32(len(payload)), size)
}

func TestSysMkdirChdirGetcwd(t *testing.T) {
	g, _, p := newTestGate(t)

	pathAddr := writeCString(t, p, "home")
	stackArgs(t, p, pathAddr)
	p.Trapframe.Eax = uint32(SysMkdir)
	g.Dispatch(p)
	require.Zero(t, int32(p.Trapframe.Eax))

	pathAddr = writeCString(t, p, "home")
	stackArgs(t, p, pathAddr)
	p.Trapframe.Eax = uint32(SysChdir)
	g.Dispatch(p)
	require.Zero(t, int32(p.Trapframe.Eax))

	cwdBuf, err := p.AS.AllocPages(1, false, true)
	require.NoError(t, err)
	stackArgs(t, p, uint32(cwdBuf), 64)
	p.Trapframe.Eax = uint32(SysGetcwd)
	g.Dispatch(p)
	n := int32(p.Trapframe.Eax)
	require.Equal(t, int32(len("/home")), n)
	got := vm.CopyFromAS(p.AS, cwdBuf, int(n))
	require.Equal(t, "/home", string(got))
}

func TestSysSbrkGrowsAndRejectsContractionBelowFloor(t *testing.T) {
	g, _, p := newTestGate(t)
	p.AS.MarkBreakFloor()

	stackArgs(t, p, uint32(vm.PageSize))
	p.Trapframe.Eax = uint32(SysSbrk)
	g.Dispatch(p)
	require.Positive(t, int32(p.Trapframe.Eax))

	stackArgs(t, p, uint32(int32(-2*vm.PageSize)))
	p.Trapframe.Eax = uint32(SysSbrk)
	g.Dispatch(p)
	require.Equal(t, int32(defs.ENOSPACE), int32(p.Trapframe.Eax))
}

func TestSysReadWithBadPointerFaultsEFAULT(t *testing.T) {
	g, _, p := newTestGate(t)

	pathAddr := writeCString(t, p, "hello.txt")
	stackArgs(t, p, pathAddr, uint32(defs.O_CREAT|defs.O_RDWR))
	p.Trapframe.Eax = uint32(SysOpen)
	g.Dispatch(p)
	fd := p.Trapframe.Eax

	stackArgs(t, p, fd, 0xdeadb000, 16)
	p.Trapframe.Eax = uint32(SysRead)
	g.Dispatch(p)
	require.Equal(t, int32(defs.EFAULT), int32(p.Trapframe.Eax))
}

func TestSysForkReturnsChildPidAndWaitReapsIt(t *testing.T) {
	g, tbl, p := newTestGate(t)

	p.ForkBody = func(c *proc.Process) {
		tbl.Exit(c, 7)
	}
	stackArgs(t, p)
	p.Trapframe.Eax = uint32(SysFork)
	g.Dispatch(p)
	childPid := int32(p.Trapframe.Eax)
	require.Positive(t, childPid)

	sched := proc.NewScheduler(tbl)
	sched.RunOnce()

	stackArgs(t, p)
	p.Trapframe.Eax = uint32(SysWait)
	g.Dispatch(p)
	require.Equal(t, childPid, int32(p.Trapframe.Eax))
}
