package fat32

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"simplix/hal"
)

// Format writes a fresh, empty, unpartitioned FAT32 volume to dev (boot
// sector at LBA 0, matching findActivePartition's "0 means the image
// itself starts with a boot sector" convention) so that a subsequent
// New(dev, clock) mounts it successfully. Grounded by inversion of
// parseBootSector/parseFSInfo/interpretEntry above: original_source has
// no mkfs-equivalent (the original driver only ever mounts volumes
// prepared by the host's mkfs.fat32), so this is the production
// counterpart cmd/mkfs and cmd/kernelsim's boot demo share instead of
// either duplicating a test fixture or skipping FAT32 from the boot
// sequence entirely.
func Format(dev hal.BlockDevice, reservedSectors int) error {
	bytesPerSector := dev.BlockSize()
	totalSectors := uint32(dev.BlockCount())
	if totalSectors == 0 {
		return errors.New("fat32: cannot format a zero-length device")
	}
	if reservedSectors <= 0 {
		reservedSectors = 32
	}
	const (
		sectorsPerCluster = 1
		tableCount        = 2
		rootCluster       = 2
	)

	tableSectorSize32 := fatSizeSectors(totalSectors, uint32(reservedSectors), bytesPerSector, sectorsPerCluster, tableCount)
	dataSectors := totalSectors - uint32(reservedSectors) - tableCount*tableSectorSize32
	numClusters := dataSectors / sectorsPerCluster
	if int64(numClusters) < 3 {
		return errors.New("fat32: device too small to hold a root directory")
	}

	bs := bootSector{
		bytesPerSector:      uint16(bytesPerSector),
		sectorsPerCluster:   sectorsPerCluster,
		reservedSectorCount: uint16(reservedSectors),
		tableCount:          tableCount,
		rootEntryCount:      0,
		totalSectors16:      0,
		hiddenSectorCount:   0,
		totalSectors32:      totalSectors,
		tableSectorSize32:   tableSectorSize32,
		rootCluster:         rootCluster,
		fsInfoSector:        1,
		backupBSSector:      6,
		bootSignature:       0x29,
		mbrSignature:        mbrSignature,
	}
	if err := writeSectors(dev, 0, encodeBootSector(bs)); err != nil {
		return errors.Wrap(err, "fat32: write boot sector")
	}

	info := fsInfo{freeClusterCount: numClusters - 1, nextFreeCluster: rootCluster}
	infoRaw := make([]byte, bytesPerSector)
	info.encode(infoRaw)
	if err := writeSectors(dev, uint32(bs.fsInfoSector), infoRaw); err != nil {
		return errors.Wrap(err, "fat32: write fs_info")
	}

	fat := make([]uint32, numClusters)
	fat[0] = 0x0FFFFFF8
	fat[1] = clusterMask
	fat[rootCluster] = clusterEOCValue
	raw := make([]byte, tableSectorSize32*uint32(bytesPerSector))
	copy(raw, encodeFAT(fat))
	fatLBA := uint32(reservedSectors)
	for i := uint32(0); i < tableCount; i++ {
		if err := writeSectors(dev, fatLBA+i*tableSectorSize32, raw); err != nil {
			return errors.Wrapf(err, "fat32: write FAT copy %d", i)
		}
	}

	dataStart := uint32(reservedSectors) + tableCount*tableSectorSize32
	rootDir := make([]byte, bytesPerSector*sectorsPerCluster)
	if err := writeSectors(dev, dataStart, rootDir); err != nil {
		return errors.Wrap(err, "fat32: write root directory cluster")
	}
	return nil
}

// fatSizeSectors approximates the sectors-per-FAT a real mkfs.fat32 would
// pick (Microsoft's fatgen103 formula, root-dir term dropped since FAT32
// has no fixed root directory region).
func fatSizeSectors(totalSectors, reservedSectors uint32, bytesPerSector, sectorsPerCluster, tableCount uint32) uint32 {
	denom := (sectorsPerCluster*uint32(bytesPerSector))/4 + tableCount
	num := totalSectors - reservedSectors
	return (num + denom - 1) / denom
}

func encodeBootSector(bs bootSector) []byte {
	b := make([]byte, sectorSize)
	binary.LittleEndian.PutUint16(b[11:13], bs.bytesPerSector)
	b[13] = bs.sectorsPerCluster
	binary.LittleEndian.PutUint16(b[14:16], bs.reservedSectorCount)
	b[16] = bs.tableCount
	binary.LittleEndian.PutUint16(b[17:19], bs.rootEntryCount)
	binary.LittleEndian.PutUint16(b[19:21], bs.totalSectors16)
	binary.LittleEndian.PutUint32(b[28:32], bs.hiddenSectorCount)
	binary.LittleEndian.PutUint32(b[32:36], bs.totalSectors32)
	binary.LittleEndian.PutUint32(b[36:40], bs.tableSectorSize32)
	binary.LittleEndian.PutUint32(b[44:48], bs.rootCluster)
	binary.LittleEndian.PutUint16(b[48:50], bs.fsInfoSector)
	binary.LittleEndian.PutUint16(b[50:52], bs.backupBSSector)
	b[66] = bs.bootSignature
	binary.LittleEndian.PutUint16(b[510:512], bs.mbrSignature)
	return b
}
