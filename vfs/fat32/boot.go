// Package fat32 implements the FAT32 block file system of spec §4.5/§6:
// MBR partition discovery, boot-sector and FS_Info sanity checks against
// a backup FAT, cluster-chain walking, 8.3 and long-file-name directory
// entries, and writes that propagate to every FAT copy. Grounded
// end-to-end on original_source/kernel/fat/fat.c (a full real FAT32
// driver, 67KB — the pack's only concrete reference for this layout);
// biscuit's own file system (`fs`/`ufs`) models a different on-disk
// format entirely (an inode+superblock layout, not FAT), so its
// structure is not reused here beyond general "block device plus cache"
// texture.
package fat32

import (
	"encoding/binary"
	"fmt"

	"simplix/hal"
)

const (
	sectorSize    = 512
	dirEntrySize  = 32
	mbrPartOffset = 0x1BE
	mbrSignature  = 0xAA55
	fsInfoLead    = 0x41615252
	fsInfoStruct  = 0x61417272
	fsInfoTrail   = 0xAA550000
)

// bootSector mirrors the original's fat32_bootsector (packed C struct),
// decoded field-by-field from the raw sector rather than via a struct
// overlay, since Go has no `__attribute__((packed))` equivalent.
type bootSector struct {
	bytesPerSector      uint16
	sectorsPerCluster   uint8
	reservedSectorCount uint16
	tableCount          uint8
	rootEntryCount      uint16
	totalSectors16      uint16
	hiddenSectorCount   uint32
	totalSectors32      uint32
	tableSectorSize32   uint32
	rootCluster         uint32
	fsInfoSector        uint16
	backupBSSector      uint16
	bootSignature       uint8
	mbrSignature        uint16
}

func parseBootSector(b []byte) bootSector {
	return bootSector{
		bytesPerSector:      binary.LittleEndian.Uint16(b[11:13]),
		sectorsPerCluster:   b[13],
		reservedSectorCount: binary.LittleEndian.Uint16(b[14:16]),
		tableCount:          b[16],
		rootEntryCount:      binary.LittleEndian.Uint16(b[17:19]),
		totalSectors16:      binary.LittleEndian.Uint16(b[19:21]),
		hiddenSectorCount:   binary.LittleEndian.Uint32(b[28:32]),
		totalSectors32:      binary.LittleEndian.Uint32(b[32:36]),
		tableSectorSize32:   binary.LittleEndian.Uint32(b[36:40]),
		rootCluster:         binary.LittleEndian.Uint32(b[44:48]),
		fsInfoSector:        binary.LittleEndian.Uint16(b[48:50]),
		backupBSSector:      binary.LittleEndian.Uint16(b[50:52]),
		bootSignature:       b[66],
		mbrSignature:        binary.LittleEndian.Uint16(b[510:512]),
	}
}

// fsInfo mirrors fat32_fsinfo: a free-cluster hint sector, not load
// bearing for correctness (the real free count is derived from the FAT
// itself), only a performance hint the original also treats as such.
type fsInfo struct {
	leadSignature      uint32
	structureSignature uint32
	freeClusterCount   uint32
	nextFreeCluster    uint32
	trailingSignature  uint32
}

func parseFSInfo(b []byte) fsInfo {
	return fsInfo{
		leadSignature:      binary.LittleEndian.Uint32(b[0:4]),
		structureSignature: binary.LittleEndian.Uint32(b[484:488]),
		freeClusterCount:   binary.LittleEndian.Uint32(b[488:492]),
		nextFreeCluster:    binary.LittleEndian.Uint32(b[492:496]),
		trailingSignature:  binary.LittleEndian.Uint32(b[508:512]),
	}
}

func (fi fsInfo) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], fsInfoLead)
	binary.LittleEndian.PutUint32(b[484:488], fsInfoStruct)
	binary.LittleEndian.PutUint32(b[488:492], fi.freeClusterCount)
	binary.LittleEndian.PutUint32(b[492:496], fi.nextFreeCluster)
	binary.LittleEndian.PutUint32(b[508:512], fsInfoTrail)
}

// findActivePartition scans the MBR partition table for an active
// (0x80) FAT32 (0x0C) entry, returning its starting LBA, or 0 if the
// device is unpartitioned (the image itself starts with a boot sector),
// matching fat32_get_meta's partition scan.
func findActivePartition(mbr []byte) uint32 {
	for i := 0; i < 4; i++ {
		e := mbr[mbrPartOffset+i*16 : mbrPartOffset+i*16+16]
		attr, ptype := e[0], e[4]
		lba := binary.LittleEndian.Uint32(e[8:12])
		count := binary.LittleEndian.Uint32(e[12:16])
		if attr == 0x80 && ptype == 0x0C && lba > 0 && count > 0 {
			return lba
		}
	}
	return 0
}

// readSectors reads n sectors starting at lba from dev into a freshly
// allocated buffer.
func readSectors(dev hal.BlockDevice, lba uint32, n int) ([]byte, error) {
	buf := make([]byte, n*dev.BlockSize())
	stride := dev.BlockSize()
	for i := 0; i < n; i++ {
		if err := dev.ReadBlock(uint64(lba)+uint64(i), buf[i*stride:(i+1)*stride]); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func writeSectors(dev hal.BlockDevice, lba uint32, buf []byte) error {
	stride := dev.BlockSize()
	for i := 0; i*stride < len(buf); i++ {
		if err := dev.WriteBlock(uint64(lba)+uint64(i), buf[i*stride:(i+1)*stride]); err != nil {
			return err
		}
	}
	return nil
}

// errBadFAT32 is returned when a sanity check (spec's "sanity-check
// against backup copies") fails — the volume is not recognizable FAT32,
// or its copies disagree.
var errBadFAT32 = fmt.Errorf("fat32: boot sector or FAT sanity check failed")
