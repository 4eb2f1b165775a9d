package fat32

import (
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"simplix/defs"
	"simplix/hal/fakehw"
	"simplix/stat"
	"simplix/ustr"
)

const (
	testSectorSize        = 512
	testSectorsPerCluster = 1
	testReservedSectors   = 8
	testNumFATs           = 2
	testTotalSectors      = 2048
	testRootCluster       = 2
)

// buildImage hand-assembles a minimal unpartitioned FAT32 image (no MBR
// partition table entry, hiddenSectorCount 0) sized just large enough for
// the tests below: a boot sector, an FS_Info sector, two FAT copies, and
// a data region.
func buildImage(t *testing.T, fatSectors uint32) []byte {
	t.Helper()
	img := make([]byte, testTotalSectors*testSectorSize)

	bs := img[0:testSectorSize]
	binary.LittleEndian.PutUint16(bs[11:13], testSectorSize)
	bs[13] = testSectorsPerCluster
	binary.LittleEndian.PutUint16(bs[14:16], testReservedSectors)
	bs[16] = testNumFATs
	binary.LittleEndian.PutUint16(bs[17:19], 0) // root_entry_count == 0 marks FAT32
	binary.LittleEndian.PutUint32(bs[28:32], 0) // hidden_sector_count
	binary.LittleEndian.PutUint32(bs[32:36], testTotalSectors)
	binary.LittleEndian.PutUint32(bs[36:40], fatSectors)
	binary.LittleEndian.PutUint32(bs[44:48], testRootCluster)
	binary.LittleEndian.PutUint16(bs[48:50], 1) // fs_info_sector
	bs[66] = 0x29                               // boot_signature
	binary.LittleEndian.PutUint16(bs[510:512], mbrSignature)

	info := img[1*testSectorSize : 2*testSectorSize]
	binary.LittleEndian.PutUint32(info[0:4], fsInfoLead)
	binary.LittleEndian.PutUint32(info[484:488], fsInfoStruct)
	binary.LittleEndian.PutUint32(info[488:492], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(info[492:496], 2)
	binary.LittleEndian.PutUint32(info[508:512], fsInfoTrail)

	fat := make([]uint32, fatSectors*testSectorSize/4)
	fat[0] = 0x0FFFFFF8
	fat[1] = 0x0FFFFFFF
	fat[testRootCluster] = clusterEOCValue

	fatBase := testReservedSectors * testSectorSize
	for copyIdx := 0; copyIdx < testNumFATs; copyIdx++ {
		off := fatBase + copyIdx*int(fatSectors)*testSectorSize
		for i, v := range fat {
			binary.LittleEndian.PutUint32(img[off+i*4:off+i*4+4], v)
		}
	}

	return img
}

func newTestFS(t *testing.T, fatSectors uint32, clock *fakehw.FakeClock) *FS {
	t.Helper()
	img := buildImage(t, fatSectors)
	dev := fakehw.NewMemBlockDeviceFromImage(testSectorSize, img)
	fs, err := New(dev, clock)
	require.NoError(t, err)
	return fs
}

func TestMountSanityChecksPass(t *testing.T) {
	clock := fakehw.NewFakeClock(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC))
	fs := newTestFS(t, 4, clock)
	require.Equal(t, uint32(testRootCluster), fs.boot.rootCluster)
}

func TestMountRejectsDisagreeingBackupFAT(t *testing.T) {
	img := buildImage(t, 4)
	// Corrupt the second FAT copy so it disagrees with the primary.
	fatBase := testReservedSectors*testSectorSize + 4*testSectorSize
	img[fatBase+8] ^= 0xFF
	dev := fakehw.NewMemBlockDeviceFromImage(testSectorSize, img)
	_, err := New(dev, fakehw.NewFakeClock(time.Now()))
	require.Error(t, err)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	clock := fakehw.NewFakeClock(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC))
	fs := newTestFS(t, 4, clock)
	ops := fs.Ops()

	h, errno := ops.Open(ustr.Mk("/hello.txt"), defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, errno)

	n, errno := ops.Write(h, []byte("hello world"), 0)
	require.Zero(t, errno)
	require.Equal(t, 11, n)
	require.Zero(t, ops.Close(h))

	h2, errno := ops.Open(ustr.Mk("/hello.txt"), defs.O_RDONLY)
	require.Zero(t, errno)
	buf := make([]byte, 32)
	n, errno = ops.Read(h2, buf, 0)
	require.Zero(t, errno)
	require.Equal(t, "hello world", string(buf[:n]))

	var st stat.Stat_t
	require.Zero(t, ops.Getattr(h2, &st))
	require.Equal(t, uint(11), st.Size())
	require.Equal(t, clock.Now(), st.Mtime())
}

func TestLongFileNameRoundTrip(t *testing.T) {
	fs := newTestFS(t, 4, fakehw.NewFakeClock(time.Now()))
	ops := fs.Ops()

	name := "a rather long descriptive filename.txt"
	h, errno := ops.Open(ustr.Mk("/"+name), defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, errno)
	_, errno = ops.Write(h, []byte("data"), 0)
	require.Zero(t, errno)
	require.Zero(t, ops.Close(h))

	root, errno := ops.Open(ustr.Mk("/"), 0)
	require.Zero(t, errno)
	var found []string
	require.Zero(t, ops.Readdir(root, func(n string) bool {
		found = append(found, n)
		return true
	}))
	require.Contains(t, found, name)
}

func TestMkdirRmdirLifecycle(t *testing.T) {
	fs := newTestFS(t, 4, fakehw.NewFakeClock(time.Now()))
	ops := fs.Ops()

	require.Zero(t, ops.Mkdir(ustr.Mk("/sub")))
	require.Equal(t, int(defs.EEXIST), int(ops.Mkdir(ustr.Mk("/sub"))))

	var st stat.Stat_t
	require.Zero(t, ops.GetattrPath(ustr.Mk("/sub"), &st))
	require.True(t, st.IsDir())

	require.Zero(t, ops.Rmdir(ustr.Mk("/sub")))
	require.Equal(t, int(defs.ENOENT), int(ops.GetattrPath(ustr.Mk("/sub"), &st)))
}

func TestRmdirNonEmptyFails(t *testing.T) {
	fs := newTestFS(t, 4, fakehw.NewFakeClock(time.Now()))
	ops := fs.Ops()
	require.Zero(t, ops.Mkdir(ustr.Mk("/sub")))
	h, errno := ops.Open(ustr.Mk("/sub/f.txt"), defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, errno)
	require.Zero(t, ops.Close(h))
	require.NotZero(t, ops.Rmdir(ustr.Mk("/sub")))
}

func TestUnlinkRemovesFile(t *testing.T) {
	fs := newTestFS(t, 4, fakehw.NewFakeClock(time.Now()))
	ops := fs.Ops()
	h, errno := ops.Open(ustr.Mk("/f.txt"), defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, errno)
	require.Zero(t, ops.Close(h))
	require.Zero(t, ops.Unlink(ustr.Mk("/f.txt")))
	_, errno = ops.Open(ustr.Mk("/f.txt"), 0)
	require.Equal(t, int(defs.ENOENT), int(errno))
}

func TestRenameMovesEntry(t *testing.T) {
	fs := newTestFS(t, 4, fakehw.NewFakeClock(time.Now()))
	ops := fs.Ops()
	h, errno := ops.Open(ustr.Mk("/a.txt"), defs.O_CREAT|defs.O_RDWR)
	require.Zero(t, errno)
	_, errno = ops.Write(h, []byte("xyz"), 0)
	require.Zero(t, errno)
	require.Zero(t, ops.Close(h))

	require.Zero(t, ops.Rename(ustr.Mk("/a.txt"), ustr.Mk("/b.txt")))
	_, errno = ops.Open(ustr.Mk("/a.txt"), 0)
	require.Equal(t, int(defs.ENOENT), int(errno))

	h2, errno := ops.Open(ustr.Mk("/b.txt"), 0)
	require.Zero(t, errno)
	buf := make([]byte, 8)
	n, errno := ops.Read(h2, buf, 0)
	require.Zero(t, errno)
	require.Equal(t, "xyz", string(buf[:n]))
}

func TestAllocateClustersRevertsBackupTablesOnPartialWriteFailure(t *testing.T) {
	img := buildImage(t, 4)
	dev := fakehw.NewMemBlockDeviceFromImage(testSectorSize, img)
	fs, err := New(dev, fakehw.NewFakeClock(time.Now()))
	require.NoError(t, err)

	prevFAT := append([]uint32{}, fs.fat...)
	fatLBA := fs.partitionStart + uint32(fs.boot.reservedSectorCount)
	table0Start := uint64(fatLBA)
	table1Start := uint64(fatLBA + fs.boot.tableSectorSize32)
	beforeTable0 := dev.Snapshot()[table0Start*testSectorSize : (table0Start+uint64(fs.boot.tableSectorSize32))*testSectorSize]
	beforeTable1 := dev.Snapshot()[table1Start*testSectorSize : (table1Start+uint64(fs.boot.tableSectorSize32))*testSectorSize]

	// Fail the very first sector write of the second backup table, so the
	// primary table (table 0) has already been fully committed by the
	// time the loop fails.
	dev.FailWriteAt(table1Start)

	_, errno := fs.allocateClusters(0, 1)
	require.Equal(t, defs.EIO, errno)

	require.Equal(t, prevFAT, fs.fat, "in-memory FAT must be reverted to its pre-mutation snapshot")

	after := dev.Snapshot()
	afterTable0 := after[table0Start*testSectorSize : (table0Start+uint64(fs.boot.tableSectorSize32))*testSectorSize]
	afterTable1 := after[table1Start*testSectorSize : (table1Start+uint64(fs.boot.tableSectorSize32))*testSectorSize]
	require.Equal(t, beforeTable0, afterTable0, "table 0, already committed, must be reverted to its prior bytes on disk")
	require.Equal(t, beforeTable1, afterTable1, "table 1's failed write must never have touched disk")
}

func TestWithNumericTailUsesHexTailsPastNine(t *testing.T) {
	fs := newTestFS(t, 4, fakehw.NewFakeClock(time.Now()))
	ops := fs.Ops()

	// Every name's first 8 non-space characters are identical ("ARATHERL"),
	// so each one collides with the short names already assigned to the
	// others, forcing uniqueShortName through 10 numeric tails (~1 to ~A).
	for i := 0; i < 11; i++ {
		name := fmt.Sprintf("a rather long filename %d.txt", i)
		h, errno := ops.Open(ustr.Mk("/"+name), defs.O_CREAT|defs.O_RDWR)
		require.Zero(t, errno)
		require.Zero(t, ops.Close(h))
	}

	entries, err := fs.readDirEntries(fs.boot.rootCluster)
	require.NoError(t, err)
	var shortNames []string
	for _, e := range entries {
		if e.attr&attrVolumeID == 0 && e.shortName != "." && e.shortName != ".." {
			shortNames = append(shortNames, e.shortName)
		}
	}

	require.Contains(t, shortNames, "ARATHE~A.TXT", "the 10th collision's tail must be hex (~A), not decimal (~10)")
	require.NotContains(t, shortNames, "ARATHE~10.TXT")
}

func TestAllocateClustersFailsWithENOSPACEWhenFull(t *testing.T) {
	// A 4-sector FAT over 1 sector/cluster holds (4*512/4)-2 usable
	// clusters; request far more than that to force exhaustion.
	fs := newTestFS(t, 4, fakehw.NewFakeClock(time.Now()))
	maxCluster := fs.clustersPerFAT()
	_, errno := fs.allocateClusters(0, maxCluster+10)
	require.Equal(t, defs.ENOSPACE, errno)
}
