package fat32

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"simplix/defs"
	"simplix/hal"
	"simplix/hashtable"
	"simplix/klog"
)

// clusterStatus classifies one FAT entry, per fat32_interpret_fat_entry's
// ranges (wiki.osdev.org/FAT, cited in the original's fat.h).
type clusterStatus int

const (
	clusterFree clusterStatus = iota
	clusterUsed
	clusterBad
	clusterReserved
	clusterEOC
)

const (
	clusterBadValue = 0x0FFFFFF7
	clusterEOCValue = 0x0FFFFFFF
	clusterMask     = 0x0FFFFFFF
)

func interpretEntry(entry uint32) clusterStatus {
	e := entry & clusterMask
	switch {
	case e == 0:
		return clusterFree
	case e >= 2 && e <= 0x0FFFFFEF:
		return clusterUsed
	case e == clusterBadValue:
		return clusterBad
	case e >= 0x0FFFFFF8:
		return clusterEOC
	default:
		return clusterReserved
	}
}

// FS is a mounted FAT32 volume: the decoded boot sector, an in-memory
// copy of one FAT table (kept consistent with disk by writeFAT), and an
// open-dirent cache keyed by canonical path (spec §4.5: "File-table
// entries cache the resolved directory entry while a file is open").
type FS struct {
	mu sync.Mutex

	dev            hal.BlockDevice
	partitionStart uint32
	boot           bootSector
	info           fsInfo
	fat            []uint32

	clock hal.Clock
	cache *hashtable.Hashtable
}

// clustersPerFAT is the number of 4-byte entries the in-memory FAT holds.
func (fs *FS) clustersPerFAT() int { return len(fs.fat) }

// dataStartLBA is the first LBA of cluster 2 (the original's
// "hidden_sector_count + reserved_sector_count + table_count*table_size").
func (fs *FS) dataStartLBA() uint32 {
	return fs.partitionStart + uint32(fs.boot.reservedSectorCount) +
		uint32(fs.boot.tableCount)*fs.boot.tableSectorSize32
}

func (fs *FS) clusterLBA(cluster uint32) uint32 {
	return fs.dataStartLBA() + (cluster-2)*uint32(fs.boot.sectorsPerCluster)
}

func (fs *FS) clusterByteSize() int {
	return int(fs.boot.bytesPerSector) * int(fs.boot.sectorsPerCluster)
}

// New mounts the FAT32 volume on dev: locates the active partition (if
// any), reads and sanity-checks the boot sector and FS_Info, reads the
// primary FAT, and confirms every backup copy matches it byte-for-byte
// (fat32_get_meta's "Ensure all FAT are the same").
func New(dev hal.BlockDevice, clock hal.Clock) (*FS, error) {
	mbr, err := readSectors(dev, 0, 1)
	if err != nil {
		return nil, errors.Wrap(err, "fat32: read sector 0")
	}
	partStart := findActivePartition(mbr)

	bsRaw := mbr
	if partStart != 0 {
		bsRaw, err = readSectors(dev, partStart, 1)
		if err != nil {
			return nil, errors.Wrap(err, "fat32: read boot sector")
		}
	}
	bs := parseBootSector(bsRaw)

	good := bs.mbrSignature == mbrSignature &&
		int(bs.bytesPerSector) == dev.BlockSize() &&
		bs.rootEntryCount == 0 &&
		bs.bootSignature == 0x29 &&
		bs.hiddenSectorCount == partStart
	if !good {
		return nil, errBadFAT32
	}

	infoRaw, err := readSectors(dev, partStart+uint32(bs.fsInfoSector), 1)
	if err != nil {
		return nil, errors.Wrap(err, "fat32: read fs_info")
	}
	info := parseFSInfo(infoRaw)
	if info.leadSignature != fsInfoLead || info.structureSignature != fsInfoStruct || info.trailingSignature != fsInfoTrail {
		return nil, errBadFAT32
	}

	if bs.tableCount == 0 {
		return nil, errBadFAT32
	}
	fatLBA := partStart + uint32(bs.reservedSectorCount)
	fatRaw, err := readSectors(dev, fatLBA, int(bs.tableSectorSize32))
	if err != nil {
		return nil, errors.Wrap(err, "fat32: read primary FAT")
	}
	fat := decodeFAT(fatRaw)
	if interpretEntry(fat[0]) != clusterEOC && (fat[0]&clusterMask) < 0x0FFFFFF0 {
		return nil, errBadFAT32
	}
	if fat[1]&clusterMask != clusterMask {
		return nil, errBadFAT32
	}

	for i := uint8(1); i < bs.tableCount; i++ {
		backupLBA := fatLBA + uint32(i)*bs.tableSectorSize32
		backupRaw, err := readSectors(dev, backupLBA, int(bs.tableSectorSize32))
		if err != nil {
			return nil, errors.Wrapf(err, "fat32: read backup FAT %d", i)
		}
		if !bytesEqual(backupRaw, fatRaw) {
			return nil, errors.Wrapf(errBadFAT32, "backup FAT %d disagrees with primary", i)
		}
	}

	return &FS{
		dev:            dev,
		partitionStart: partStart,
		boot:           bs,
		info:           info,
		fat:            fat,
		clock:          clock,
		cache:          hashtable.New(64),
	}, nil
}

func decodeFAT(raw []byte) []uint32 {
	fat := make([]uint32, len(raw)/4)
	for i := range fat {
		fat[i] = binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
	}
	return fat
}

func encodeFAT(fat []uint32) []byte {
	raw := make([]byte, len(fat)*4)
	for i, v := range fat {
		binary.LittleEndian.PutUint32(raw[i*4:i*4+4], v)
	}
	return raw
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// writeFAT propagates fs.fat to the primary table and every backup copy
// (fat32_write_meta). prevFAT is the table currently on disk (the
// caller's pre-mutation snapshot); per spec §5, a write that fails
// partway through reverses every table already committed back to
// prevFAT's bytes before returning the error, so a caller's own
// in-memory revert (fs.fat = saved) is never left disagreeing with what
// is actually on disk.
func (fs *FS) writeFAT(prevFAT []uint32) error {
	raw := encodeFAT(fs.fat)
	fatLBA := fs.partitionStart + uint32(fs.boot.reservedSectorCount)
	for i := uint8(0); i < fs.boot.tableCount; i++ {
		lba := fatLBA + uint32(i)*fs.boot.tableSectorSize32
		if err := writeSectors(fs.dev, lba, raw); err != nil {
			fs.revertFATTables(prevFAT, i)
			return errors.Wrapf(err, "fat32: write FAT copy %d (of %d)", i, fs.boot.tableCount)
		}
	}
	return nil
}

// revertFATTables writes prevFAT back to every table index already
// overwritten (0..failedAt-1) by the writeFAT loop that just failed at
// failedAt, so a partial update never leaves a committed backup table
// disagreeing with every other table and the in-memory fs.fat the caller
// is about to restore. Per spec §7's Fatal tier, a failure of this
// reversal itself is unrecoverable.
func (fs *FS) revertFATTables(prevFAT []uint32, failedAt uint8) {
	if failedAt == 0 {
		return // nothing was written yet
	}
	oldRaw := encodeFAT(prevFAT)
	fatLBA := fs.partitionStart + uint32(fs.boot.reservedSectorCount)
	for i := uint8(0); i < failedAt; i++ {
		lba := fatLBA + uint32(i)*fs.boot.tableSectorSize32
		if err := writeSectors(fs.dev, lba, oldRaw); err != nil {
			klog.Panic("fat32.writeFAT", "FAT reversal write failed, volume left inconsistent", logrus.Fields{
				"table": i,
				"error": err.Error(),
			})
		}
	}
}

// nextCluster returns the cluster chained after cluster, and its status.
func (fs *FS) nextCluster(cluster uint32) (uint32, clusterStatus) {
	if cluster <= 1 {
		return 0, clusterReserved
	}
	status := interpretEntry(fs.fat[cluster])
	if status == clusterUsed {
		return fs.fat[cluster] & clusterMask, status
	}
	return 0, status
}

// chainLength counts the clusters in the chain starting at cluster
// (count_clusters).
func (fs *FS) chainLength(cluster uint32) int {
	if cluster == 0 {
		return 0
	}
	n := 0
	next := cluster
	for {
		n++
		nc, _ := fs.nextCluster(next)
		if nc == 0 {
			return n
		}
		next = nc
	}
}

// allocateClusters extends the chain after prev (0 for a fresh chain) by
// n clusters, scanning forward from the FS_Info hint and wrapping once,
// returning the first newly allocated cluster, or (0, ENOSPACE) if the
// volume has no n free clusters (fat32_allocate_cluster).
func (fs *FS) allocateClusters(prev uint32, n int) (uint32, defs.Err_t) {
	maxCluster := uint32(fs.clustersPerFAT()) - 1
	start := fs.info.nextFreeCluster
	if start == 0 || start == 0xFFFFFFFF || start > maxCluster {
		start = 2
	}

	saved := append([]uint32{}, fs.fat...)
	cur := start
	first := uint32(0)
	allocated := 0
	scanned := uint32(0)

	for allocated < n {
		if interpretEntry(fs.fat[cur]) == clusterFree {
			if prev != 0 {
				fs.fat[prev] = (fs.fat[prev] &^ clusterMask) | (cur & clusterMask)
			}
			fs.fat[cur] = (fs.fat[cur] &^ clusterMask) | clusterEOCValue
			prev = cur
			if allocated == 0 {
				first = cur
			}
			allocated++
		}
		if cur == maxCluster {
			cur = 2
		} else {
			cur++
		}
		scanned++
		if scanned > maxCluster && allocated < n {
			fs.fat = saved
			return 0, defs.ENOSPACE
		}
	}

	if fs.info.freeClusterCount != 0xFFFFFFFF {
		fs.info.freeClusterCount -= uint32(allocated)
	}
	fs.info.nextFreeCluster = cur

	if err := fs.writeFAT(saved); err != nil {
		fs.fat = saved
		return 0, defs.EIO
	}
	return first, 0
}

// freeChain frees every cluster in the chain starting at cluster
// (fat32_free_cluster with cluster_count_to_free==0: free to the end).
func (fs *FS) freeChain(cluster uint32) defs.Err_t {
	if cluster == 0 {
		return 0
	}
	saved := append([]uint32{}, fs.fat...)
	freed := uint32(0)
	cur := cluster
	for cur != 0 {
		next, status := fs.nextCluster(cur)
		if status != clusterUsed && status != clusterEOC {
			break
		}
		fs.fat[cur] = fs.fat[cur] &^ clusterMask
		cur = next
		freed++
	}
	if fs.info.freeClusterCount != 0xFFFFFFFF {
		fs.info.freeClusterCount += freed
	}
	if err := fs.writeFAT(saved); err != nil {
		fs.fat = saved
		return defs.EIO
	}
	return 0
}

// readClusterChain reads the full contents of the chain starting at
// cluster into a single buffer (fat32_read_clusters, unrolled across the
// whole chain rather than a caller-supplied count since every consumer
// here wants the complete file).
func (fs *FS) readClusterChain(cluster uint32) ([]byte, defs.Err_t) {
	if cluster == 0 {
		return nil, 0
	}
	var out []byte
	cur := cluster
	clusterSize := fs.clusterByteSize()
	for cur != 0 {
		buf := make([]byte, clusterSize)
		if err := readSectorsInto(fs.dev, fs.clusterLBA(cur), int(fs.boot.sectorsPerCluster), buf); err != nil {
			return nil, defs.EIO
		}
		out = append(out, buf...)
		next, status := fs.nextCluster(cur)
		if status != clusterUsed && status != clusterEOC {
			break
		}
		cur = next
	}
	return out, 0
}

func readSectorsInto(dev hal.BlockDevice, lba uint32, n int, buf []byte) error {
	stride := dev.BlockSize()
	for i := 0; i < n; i++ {
		if err := dev.ReadBlock(uint64(lba)+uint64(i), buf[i*stride:(i+1)*stride]); err != nil {
			return err
		}
	}
	return nil
}

// writeClusterChain writes data across the chain starting at cluster,
// one cluster at a time, zero-padding the final partial cluster
// (fat32_write_clusters). The chain must already be long enough; callers
// grow it first via allocateClusters.
func (fs *FS) writeClusterChain(cluster uint32, data []byte) defs.Err_t {
	clusterSize := fs.clusterByteSize()
	cur := cluster
	off := 0
	for off < len(data) {
		chunk := make([]byte, clusterSize)
		n := copy(chunk, data[off:])
		if err := writeSectors(fs.dev, fs.clusterLBA(cur), chunk); err != nil {
			return defs.EIO
		}
		off += n
		if off >= len(data) {
			break
		}
		next, status := fs.nextCluster(cur)
		if status != clusterUsed && status != clusterEOC {
			return defs.EIO
		}
		cur = next
	}
	return 0
}
