package main

import (
	"fmt"

	"simplix/defs"
	"simplix/gate"
	"simplix/hal"
	"simplix/kconfig"
	"simplix/kheap"
	"simplix/klog"
	"simplix/limits"
	"simplix/mem"
	"simplix/proc"
	"simplix/ustr"
	"simplix/vfs"
	"simplix/vm"
)

// runDemo builds every layer from cfg, mounts the boot file systems,
// exercises the kernel heap directly, then boots two processes — the
// init binary (exec'd from the USTAR root per SPEC_FULL.md's boot
// scenario) and a second demo process driven entirely through gate
// syscalls (mkdir/open/write/read/fork/wait) — and reports what each did.
func runDemo(cfg kconfig.Config, maxPasses int) error {
	log := klog.L.WithFields(map[string]interface{}{"layer": "kernelsim"})

	bitmap := mem.New(cfg.FrameCount)
	arena := mem.NewArena(cfg.FrameCount)
	lim := limits.New(cfg.MaxProcs, 64)
	v := vfs.New(cfg.MaxOpenFiles)
	clock := hal.SystemClock{}

	if err := mountBootFS(v, clock); err != nil {
		return fmt.Errorf("mount boot file systems: %w", err)
	}
	log.Info("boot file systems mounted: / (ustar), /dev/console, /pipe, /mnt/data (fat32)")

	if err := demoHeap(bitmap, arena, cfg); err != nil {
		return fmt.Errorf("kernel heap demo: %w", err)
	}

	tbl := proc.NewTable(bitmap, arena, lim, v)
	g := gate.New(tbl, clock)

	initProc, errno := tbl.InitFirstProcess(ustr.Mk("/shell.elf"), []string{"shell"})
	if errno != 0 {
		return fmt.Errorf("init_first_process: errno %d", errno)
	}

	demoProc, errno := tbl.CreateProcess(nil, demoBody(g))
	if errno != 0 {
		return fmt.Errorf("create demo process: errno %d", errno)
	}
	demoProc.Start()

	sched := proc.NewScheduler(tbl)
	passes := sched.Run(maxPasses)

	log.WithFields(map[string]interface{}{
		"passes":     passes,
		"init_pid":   initProc.Pid,
		"init_entry": fmt.Sprintf("0x%x", initProc.Trapframe.Eip),
		"init_exit":  initProc.ExitCode,
		"demo_pid":   demoProc.Pid,
		"demo_exit":  demoProc.ExitCode,
	}).Info("scheduler drained: both processes reached a terminal state")
	return nil
}

// demoHeap exercises L2 on a scratch address space: grow, allocate,
// write/read back, and free, logging the observed sizes (SPEC_FULL.md's
// kernel heap module has no dedicated cmd/ home otherwise, so the boot
// demo is where it gets exercised end to end outside kheap's own tests).
func demoHeap(bitmap *mem.Bitmap, arena *mem.Arena, cfg kconfig.Config) error {
	as := vm.NewAddressSpace(bitmap, arena, nil)
	h, err := kheap.New(as, cfg.HeapMinPages, cfg.HeapMaxPages)
	if err != nil {
		return err
	}
	ptr := h.Kmalloc(64)
	payload := []byte("kernel heap round trip")
	h.Write(ptr, payload)
	got := h.Read(ptr, len(payload))
	if string(got) != string(payload) {
		return fmt.Errorf("heap round trip mismatch: got %q", got)
	}
	h.Kfree(ptr)
	klog.L.WithFields(map[string]interface{}{"layer": "kernelsim", "pages": h.PageCount()}).
		Info("kernel heap round trip succeeded")
	return nil
}

// demoBody returns a Process.Body that drives the full gate syscall
// surface directly, the way a real shell would, without needing a second
// ELF image: mkdir a directory, chdir into it, create and round-trip a
// file, then fork a child that exits with a distinct code and wait for
// it.
func demoBody(g *gate.Gate) proc.Body {
	return func(p *proc.Process) {
		log := klog.L.WithFields(map[string]interface{}{"layer": "kernelsim", "pid": p.Pid})

		if rc := syscall(g, p, gate.SysMkdir, writeCStr(p, "/mnt/data/home")); rc != 0 {
			log.Warnf("mkdir failed: %d", rc)
			return
		}
		if rc := syscall(g, p, gate.SysChdir, writeCStr(p, "/mnt/data/home")); rc != 0 {
			log.Warnf("chdir failed: %d", rc)
			return
		}

		fd := syscall(g, p, gate.SysOpen, writeCStr(p, "greeting.txt"), uint32(defs.O_CREAT|defs.O_RDWR))
		if fd < 0 {
			log.Warnf("open failed: %d", fd)
			return
		}
		payload := "booted via the syscall gateway\n"
		bufAddr := writeCStr(p, payload)
		if n := syscall(g, p, gate.SysWrite, uint32(fd), bufAddr, uint32(len(payload))); int(n) != len(payload) {
			log.Warnf("write returned %d, want %d", n, len(payload))
		}
		syscall(g, p, gate.SysSeek, uint32(fd), 0, uint32(defs.SEEK_SET))

		readBase, err := p.AS.AllocPages(1, false, true)
		if err != nil {
			log.Warnf("alloc read buffer: %v", err)
			return
		}
		if n := syscall(g, p, gate.SysRead, uint32(fd), uint32(readBase), uint32(len(payload))); int(n) != len(payload) {
			log.Warnf("read returned %d, want %d", n, len(payload))
		} else {
			log.Infof("read back: %q", string(vm.CopyFromAS(p.AS, readBase, len(payload))))
		}
		syscall(g, p, gate.SysClose, uint32(fd))

		p.ForkBody = func(c *proc.Process) {
			klog.L.WithFields(map[string]interface{}{"layer": "kernelsim", "pid": c.Pid}).Info("child running, exiting with code 3")
			syscall(g, c, gate.SysExit, 3)
		}
		childPid := syscall(g, p, gate.SysFork)
		if childPid < 0 {
			log.Warnf("fork failed: %d", childPid)
			return
		}
		reaped := syscall(g, p, gate.SysWait)
		log.Infof("forked pid %d, wait returned %d", childPid, reaped)
	}
}
