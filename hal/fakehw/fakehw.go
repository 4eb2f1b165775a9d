// Package fakehw provides in-memory stand-ins for the hal ports, used by
// tests and cmd/kernelsim in place of real ATA/PIT/RTC hardware. Modeled
// on the teacher's own test double (ufs's ahci_disk_t backs a disk with
// an *os.File; MemBlockDevice backs it with a plain byte slice instead so
// packages can run disk-backed file-system tests without touching the
// filesystem).
package fakehw

import (
	"fmt"
	"sync"
	"time"
)

// MemBlockDevice is a hal.BlockDevice backed by a byte slice.
type MemBlockDevice struct {
	mu        sync.Mutex
	blockSize int
	data      []byte
	failWrite map[uint64]bool
}

// NewMemBlockDevice allocates an all-zero disk of nblocks blocks.
func NewMemBlockDevice(blockSize int, nblocks uint64) *MemBlockDevice {
	return &MemBlockDevice{
		blockSize: blockSize,
		data:      make([]byte, blockSize*int(nblocks)),
	}
}

// NewMemBlockDeviceFromImage wraps an existing disk image, e.g. one built
// by cmd/mkfs.
func NewMemBlockDeviceFromImage(blockSize int, image []byte) *MemBlockDevice {
	return &MemBlockDevice{blockSize: blockSize, data: image}
}

func (m *MemBlockDevice) BlockSize() int       { return m.blockSize }
func (m *MemBlockDevice) BlockCount() uint64   { return uint64(len(m.data) / m.blockSize) }

func (m *MemBlockDevice) bounds(lba uint64, n int) (int, error) {
	off := int(lba) * m.blockSize
	if off < 0 || off+n > len(m.data) {
		return 0, fmt.Errorf("fakehw: block %d out of range (%d blocks)", lba, m.BlockCount())
	}
	return off, nil
}

// ReadBlock copies one block's worth of bytes starting at lba into buf.
func (m *MemBlockDevice) ReadBlock(lba uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, err := m.bounds(lba, len(buf))
	if err != nil {
		return err
	}
	copy(buf, m.data[off:off+len(buf)])
	return nil
}

// WriteBlock copies buf into the device starting at lba.
func (m *MemBlockDevice) WriteBlock(lba uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite[lba] {
		delete(m.failWrite, lba)
		return fmt.Errorf("fakehw: injected write failure at block %d", lba)
	}
	off, err := m.bounds(lba, len(buf))
	if err != nil {
		return err
	}
	copy(m.data[off:off+len(buf)], buf)
	return nil
}

// FailWriteAt makes the next WriteBlock call targeting lba fail instead
// of writing through, one time only, so a test can bound a multi-sector
// write (e.g. a FAT backup table copy) to fail partway through.
func (m *MemBlockDevice) FailWriteAt(lba uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite == nil {
		m.failWrite = make(map[uint64]bool)
	}
	m.failWrite[lba] = true
}

// Flush is a no-op: writes are already visible in m.data.
func (m *MemBlockDevice) Flush() error { return nil }

// Snapshot returns a copy of the raw image, for tests that want to inspect
// on-disk bytes directly.
func (m *MemBlockDevice) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// FakeClock is a hal.Clock whose value is advanced explicitly by tests,
// rather than sampling wall time, so FAT32 mtime tests are deterministic.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock { return &FakeClock{now: start} }

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Tick advances the clock by d, simulating the RTC ticking (spec §6/§8
// E2E scenario 3: "a modification time equal to the just-ticked RTC
// value").
func (c *FakeClock) Tick(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// FakeIRQLine is a hal.IRQLine whose Fire is invoked directly by tests
// instead of by a real PIT, standing in for the timer interrupt of spec
// §5 ("The timer interrupt fires at a configurable frequency").
type FakeIRQLine struct {
	mu       sync.Mutex
	handlers []func()
}

func (f *FakeIRQLine) Register(handler func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

// Fire invokes every registered handler once, simulating a single tick.
func (f *FakeIRQLine) Fire() {
	f.mu.Lock()
	hs := append([]func(){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h()
	}
}
