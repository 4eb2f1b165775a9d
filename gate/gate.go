// Package gate implements spec §4.6's system-call gateway: a single
// dispatch entrypoint that reads a syscall number and its arguments off
// the interrupted user stack, validates every user pointer before
// dereferencing it, and places a signed result (non-negative success, or
// a negative errno) back into the trapframe's result register. Grounded
// on original_source/kernel/arch/i386/syscall/syscall.c's syscall_handler
// switch (dispatch on r->eax, arguments read from r->esp+4N, result
// written back to r->eax) — biscuit's own syscall dispatcher was
// retrieved as an empty go.mod-only stub, so the original C driver is
// this package's concrete grounding source, generalized from its six
// wired syscalls (exec/print/yield/fork/exit/wait) to the full vector
// spec §4.6 lists.
package gate

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"

	"simplix/bpath"
	"simplix/defs"
	"simplix/hal"
	"simplix/klog"
	"simplix/proc"
	"simplix/stat"
	"simplix/ustr"
	"simplix/vm"
)

// Syscall vector numbers. SYS_EXEC..SYS_WAIT keep the original's exact
// numbering (syscall.h); the rest are assigned sequentially since the
// original never wired a real file system or network stack.
const (
	SysExec int = iota + 1
	SysPrint
	SysYield
	SysFork
	SysExit
	SysWait
	SysOpen
	SysClose
	SysRead
	SysWrite
	SysSeek
	SysSbrk
	SysDup
	SysReaddir
	SysMkdir
	SysRmdir
	SysUnlink
	SysRename
	SysStat
	SysChdir
	SysGetcwd
	SysGettime
	SysSocket
	SysSendto
	SysRecvfrom
)

const maxPathLen = 4096

// Gate dispatches syscalls for one kernel instance's process table.
type Gate struct {
	table *proc.Table
	clock hal.Clock
}

// New returns a gate dispatching syscalls against table, stamping
// gettime results from clock.
func New(table *proc.Table, clock hal.Clock) *Gate {
	return &Gate{table: table, clock: clock}
}

// Dispatch implements the trap gate: read p.Trapframe.Eax as the syscall
// number, execute it, and write the signed result back into Eax (spec
// §4.6: "Every call returns a signed integer placed in the caller's
// result register").
func (g *Gate) Dispatch(p *proc.Process) {
	num := int(int32(p.Trapframe.Eax))
	result := g.call(p, num)
	p.Trapframe.Eax = uint32(int32(result))
}

func (g *Gate) call(p *proc.Process, num int) int {
	switch num {
	case SysExec:
		return g.sysExec(p)
	case SysPrint:
		return g.sysPrint(p)
	case SysYield:
		p.Yield()
		return 0
	case SysFork:
		return g.sysFork(p)
	case SysExit:
		return g.sysExit(p)
	case SysWait:
		return g.sysWait(p)
	case SysOpen:
		return g.sysOpen(p)
	case SysClose:
		return g.sysClose(p)
	case SysRead:
		return g.sysRead(p)
	case SysWrite:
		return g.sysWrite(p)
	case SysSeek:
		return g.sysSeek(p)
	case SysSbrk:
		return g.sysSbrk(p)
	case SysDup:
		return g.sysDup(p)
	case SysReaddir:
		return g.sysReaddir(p)
	case SysMkdir:
		return g.sysMkdir(p)
	case SysRmdir:
		return g.sysRmdir(p)
	case SysUnlink:
		return g.sysUnlink(p)
	case SysRename:
		return g.sysRename(p)
	case SysStat:
		return g.sysStat(p)
	case SysChdir:
		return g.sysChdir(p)
	case SysGetcwd:
		return g.sysGetcwd(p)
	case SysGettime:
		return g.sysGettime(p)
	case SysSocket, SysSendto, SysRecvfrom:
		// Out of scope per spec.md §1 / SPEC_FULL.md §4.7: the vector is
		// routed, not implemented.
		return int(defs.ENOSYSTEM)
	default:
		klog.L.WithFields(logrus.Fields{
			"layer":     "gate",
			"pid":       p.Pid,
			"syscall":   num,
			"trap_name": proc.TrapName(p.Trapframe.TrapNo),
			"registers": proc.DumpTrapframe(p.Trapframe),
		}).Warn("unrecognized syscall")
		return int(defs.ENOSYSTEM)
	}
}

// argWord reads the idx'th 4-byte argument word above the fake return
// address at Trapframe.UserEsp (cdecl layout: [esp]=return addr,
// [esp+4]=arg0, [esp+8]=arg1, ...), matching the original's r->esp+4N
// convention.
func (g *Gate) argWord(p *proc.Process, idx int) (uint32, defs.Err_t) {
	addr := vm.VAddr(p.Trapframe.UserEsp) + vm.VAddr(4*(idx+1))
	if !p.AS.IsVaddrAccessible(addr, false, false) {
		return 0, defs.EFAULT
	}
	return binary.LittleEndian.Uint32(vm.CopyFromAS(p.AS, addr, 4)), 0
}

// checkRange validates that every page covering [addr, addr+n) is
// accessible to user mode, per spec §4.6's
// is_vaddr_accessible(pd, p, from_kernel=false, writing=<per-arg>)
// contract.
func checkRange(p *proc.Process, addr uint32, n int, writing bool) defs.Err_t {
	if n == 0 {
		return 0
	}
	start := vm.PageOf(vm.VAddr(addr))
	end := vm.PageOf(vm.VAddr(addr) + vm.VAddr(n) - 1)
	for pg := start; pg <= end; pg++ {
		if !p.AS.IsVaddrAccessible(vm.AddrOf(pg), false, writing) {
			return defs.EFAULT
		}
	}
	return 0
}

// readCString reads a NUL-terminated string starting at addr, validating
// each byte's page before it is dereferenced.
func readCString(p *proc.Process, addr uint32) (string, defs.Err_t) {
	var out []byte
	for i := 0; i < maxPathLen; i++ {
		va := addr + uint32(i)
		if errno := checkRange(p, va, 1, false); errno != 0 {
			return "", errno
		}
		b := vm.CopyFromAS(p.AS, vm.VAddr(va), 1)
		if b[0] == 0 {
			return string(out), 0
		}
		out = append(out, b[0])
	}
	return "", defs.EINVAL
}

// argPath reads the idx'th argument as a user pointer to a path string,
// resolving it against p's cwd.
func (g *Gate) argPath(p *proc.Process, idx int) (ustr.Ustr, defs.Err_t) {
	ptr, errno := g.argWord(p, idx)
	if errno != 0 {
		return nil, errno
	}
	s, errno := readCString(p, ptr)
	if errno != 0 {
		return nil, errno
	}
	return resolvePath(p, ustr.Mk(s)), 0
}

func resolvePath(p *proc.Process, rel ustr.Ustr) ustr.Ustr {
	return bpath.Join(p.Cwd(), rel)
}

func (g *Gate) sysExec(p *proc.Process) int {
	path, errno := g.argPath(p, 0)
	if errno != 0 {
		return int(errno)
	}
	argvPtr, errno := g.argWord(p, 1)
	if errno != 0 {
		return int(errno)
	}
	var argv []string
	for i := 0; i < 64; i++ {
		wordAddr := argvPtr + uint32(4*i)
		if errno := checkRange(p, wordAddr, 4, false); errno != 0 {
			return int(errno)
		}
		strPtr := binary.LittleEndian.Uint32(vm.CopyFromAS(p.AS, vm.VAddr(wordAddr), 4))
		if strPtr == 0 {
			break
		}
		s, errno := readCString(p, strPtr)
		if errno != 0 {
			return int(errno)
		}
		argv = append(argv, s)
	}
	if errno := g.table.Exec(p, path, argv); errno != 0 {
		return int(errno)
	}
	return 0
}

func (g *Gate) sysPrint(p *proc.Process) int {
	ptr, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	s, errno := readCString(p, ptr)
	if errno != 0 {
		return int(errno)
	}
	klog.L.WithFields(logrus.Fields{"layer": "gate", "pid": p.Pid}).Info(s)
	return 0
}

// sysFork implements SYS_FORK against p.ForkBody, the simulator's
// necessary substitute for duplicating the caller's literal call stack
// (see Process.ForkBody's doc comment).
func (g *Gate) sysFork(p *proc.Process) int {
	body := p.ForkBody
	p.ForkBody = nil
	child, errno := g.table.Fork(p, body)
	if errno != 0 {
		return int(errno)
	}
	return child.Pid
}

func (g *Gate) sysExit(p *proc.Process) int {
	code, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	g.table.Exit(p, int(int32(code)))
	return 0
}

func (g *Gate) sysWait(p *proc.Process) int {
	pid, _, errno := g.table.Wait(p)
	if errno != 0 {
		return int(errno)
	}
	return pid
}

func (g *Gate) sysOpen(p *proc.Process) int {
	path, errno := g.argPath(p, 0)
	if errno != 0 {
		return int(errno)
	}
	flags, errno := g.argWord(p, 1)
	if errno != 0 {
		return int(errno)
	}
	of, oerrno := g.table.VFS().Open(path, int(flags))
	if oerrno != 0 {
		return int(oerrno)
	}
	fd, ferrno := p.AllocFd(of)
	if ferrno != 0 {
		g.table.VFS().Close(of)
		return int(ferrno)
	}
	return fd
}

func (g *Gate) sysClose(p *proc.Process) int {
	fd, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	of, ferrno := p.ClearFd(int(fd))
	if ferrno != 0 {
		return int(ferrno)
	}
	return int(g.table.VFS().Close(of))
}

func (g *Gate) sysRead(p *proc.Process) int {
	fd, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	bufPtr, errno := g.argWord(p, 1)
	if errno != 0 {
		return int(errno)
	}
	n, errno := g.argWord(p, 2)
	if errno != 0 {
		return int(errno)
	}
	of, ferrno := p.FdFile(int(fd))
	if ferrno != 0 {
		return int(ferrno)
	}
	if errno := checkRange(p, bufPtr, int(n), true); errno != 0 {
		return int(errno)
	}
	buf := make([]byte, n)
	read, rerrno := g.table.VFS().Read(of, buf)
	if rerrno != 0 {
		return int(rerrno)
	}
	vm.CopyToAS(p.AS, vm.VAddr(bufPtr), buf[:read])
	return read
}

func (g *Gate) sysWrite(p *proc.Process) int {
	fd, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	bufPtr, errno := g.argWord(p, 1)
	if errno != 0 {
		return int(errno)
	}
	n, errno := g.argWord(p, 2)
	if errno != 0 {
		return int(errno)
	}
	of, ferrno := p.FdFile(int(fd))
	if ferrno != 0 {
		return int(ferrno)
	}
	if errno := checkRange(p, bufPtr, int(n), false); errno != 0 {
		return int(errno)
	}
	buf := vm.CopyFromAS(p.AS, vm.VAddr(bufPtr), int(n))
	written, werrno := g.table.VFS().Write(of, buf)
	if werrno != 0 {
		return int(werrno)
	}
	return written
}

func (g *Gate) sysSeek(p *proc.Process) int {
	fd, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	delta, errno := g.argWord(p, 1)
	if errno != 0 {
		return int(errno)
	}
	whence, errno := g.argWord(p, 2)
	if errno != 0 {
		return int(errno)
	}
	of, ferrno := p.FdFile(int(fd))
	if ferrno != 0 {
		return int(ferrno)
	}
	newOff, serrno := g.table.VFS().Seek(of, int64(int32(delta)), int(whence))
	if serrno != 0 {
		return int(serrno)
	}
	return int(newOff)
}

func (g *Gate) sysSbrk(p *proc.Process) int {
	delta, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	newBrk, err := p.AS.Sbrk(int64(int32(delta)))
	if err != nil {
		return int(defs.ENOSPACE)
	}
	return int(newBrk)
}

func (g *Gate) sysDup(p *proc.Process) int {
	fd, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	of, ferrno := p.FdFile(int(fd))
	if ferrno != 0 {
		return int(ferrno)
	}
	g.table.VFS().Dup(of)
	newFd, aerrno := p.AllocFd(of)
	if aerrno != 0 {
		return int(aerrno)
	}
	return newFd
}

func (g *Gate) sysReaddir(p *proc.Process) int {
	fd, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	bufPtr, errno := g.argWord(p, 1)
	if errno != 0 {
		return int(errno)
	}
	bufLen, errno := g.argWord(p, 2)
	if errno != 0 {
		return int(errno)
	}
	of, ferrno := p.FdFile(int(fd))
	if ferrno != 0 {
		return int(ferrno)
	}
	if errno := checkRange(p, bufPtr, int(bufLen), true); errno != 0 {
		return int(errno)
	}
	var names []string
	derrno := g.table.VFS().Readdir(of, func(name string) bool {
		names = append(names, name)
		return true
	})
	if derrno != 0 {
		return int(derrno)
	}
	joined := marshalNames(names, int(bufLen))
	vm.CopyToAS(p.AS, vm.VAddr(bufPtr), joined)
	return len(names)
}

// marshalNames packs names as NUL-separated entries truncated to fit n
// bytes, the directory-listing wire format the readdir syscall
// hands back to userland.
func marshalNames(names []string, n int) []byte {
	out := make([]byte, 0, n)
	for _, name := range names {
		rec := append([]byte(name), 0)
		if len(out)+len(rec) > n {
			break
		}
		out = append(out, rec...)
	}
	return out
}

func (g *Gate) sysMkdir(p *proc.Process) int {
	path, errno := g.argPath(p, 0)
	if errno != 0 {
		return int(errno)
	}
	return int(g.table.VFS().Mkdir(path))
}

func (g *Gate) sysRmdir(p *proc.Process) int {
	path, errno := g.argPath(p, 0)
	if errno != 0 {
		return int(errno)
	}
	return int(g.table.VFS().Rmdir(path))
}

func (g *Gate) sysUnlink(p *proc.Process) int {
	path, errno := g.argPath(p, 0)
	if errno != 0 {
		return int(errno)
	}
	return int(g.table.VFS().Unlink(path))
}

func (g *Gate) sysRename(p *proc.Process) int {
	oldPath, errno := g.argPath(p, 0)
	if errno != 0 {
		return int(errno)
	}
	newPath, errno := g.argPath(p, 1)
	if errno != 0 {
		return int(errno)
	}
	return int(g.table.VFS().Rename(oldPath, newPath))
}

// statRecordSize is the fixed-width wire layout sysStat writes into the
// caller's buffer: six little-endian uint32 fields plus a Unix mtime,
// mirroring stat.Stat_t's field set (SPEC_FULL.md §4.7).
const statRecordSize = 7 * 4

func marshalStat(st *stat.Stat_t) []byte {
	b := make([]byte, statRecordSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(st.Dev()))
	binary.LittleEndian.PutUint32(b[4:8], uint32(st.Ino()))
	binary.LittleEndian.PutUint32(b[8:12], uint32(st.Mode()))
	binary.LittleEndian.PutUint32(b[12:16], uint32(st.Size()))
	binary.LittleEndian.PutUint32(b[16:20], uint32(st.Rdev()))
	binary.LittleEndian.PutUint32(b[20:24], uint32(st.Blocks()))
	binary.LittleEndian.PutUint32(b[24:28], uint32(st.Mtime().Unix()))
	return b
}

func (g *Gate) sysStat(p *proc.Process) int {
	path, errno := g.argPath(p, 0)
	if errno != 0 {
		return int(errno)
	}
	bufPtr, errno := g.argWord(p, 1)
	if errno != 0 {
		return int(errno)
	}
	if errno := checkRange(p, bufPtr, statRecordSize, true); errno != 0 {
		return int(errno)
	}
	var st stat.Stat_t
	if serrno := g.table.VFS().StatPath(path, &st); serrno != 0 {
		return int(serrno)
	}
	vm.CopyToAS(p.AS, vm.VAddr(bufPtr), marshalStat(&st))
	return 0
}

func (g *Gate) sysChdir(p *proc.Process) int {
	path, errno := g.argPath(p, 0)
	if errno != 0 {
		return int(errno)
	}
	return int(g.table.Chdir(p, path))
}

func (g *Gate) sysGetcwd(p *proc.Process) int {
	bufPtr, errno := g.argWord(p, 0)
	if errno != 0 {
		return int(errno)
	}
	bufLen, errno := g.argWord(p, 1)
	if errno != 0 {
		return int(errno)
	}
	cwd := p.Getcwd().String()
	rec := append([]byte(cwd), 0)
	if len(rec) > int(bufLen) {
		return int(defs.EINVAL)
	}
	if errno := checkRange(p, bufPtr, len(rec), true); errno != 0 {
		return int(errno)
	}
	vm.CopyToAS(p.AS, vm.VAddr(bufPtr), rec)
	return len(cwd)
}

func (g *Gate) sysGettime(p *proc.Process) int {
	return int(g.clock.Now().Unix())
}
