package exfat

import "encoding/binary"

// bootSector is the first 512-byte sector of both the primary and backup
// boot regions. Fields are laid out at the fixed byte offsets the exFAT
// specification mandates; Bytes() serializes them little-endian.
type bootSector struct {
	partitionOffset        uint64
	volumeLength           uint64
	fatOffset              uint32
	fatLength              uint32
	clusterHeapOffset      uint32
	clusterCount           uint32
	firstClusterOfRoot     uint32
	volumeSerialNumber     uint32
	fsRevision             uint16
	volumeFlags            uint16
	bytesPerSectorShift    uint8
	sectorsPerClusterShift uint8
	numberOfFATs           uint8
	driveSelect            uint8
	percentInUse           uint8
}

// newBootSector derives every layout field from the volume's sector
// count and chosen cluster size, following the same two-pass
// cluster-count refinement as the reference formatter: an initial
// estimate sizes the FAT, then the cluster count is recomputed from the
// actual heap size that leaves.
func newBootSector(volumeSectors uint64, clusterSize uint32, serial uint32) bootSector {
	sectorsPerCluster := clusterSize / sectorSize
	spcShift := sectorsPerClusterShiftFor(clusterSize)

	const fatOffset = 24

	usableSectors := uint32(volumeSectors) - fatOffset
	clusterCount := (usableSectors - 32) / sectorsPerCluster
	fatEntries := clusterCount + 2
	fatLength := (fatEntries*4 + sectorSize - 1) / sectorSize
	if fatLength < 1 {
		fatLength = 1
	}

	clusterHeapOffset := fatOffset + fatLength

	heapSectors := uint32(volumeSectors) - clusterHeapOffset
	clusterCount = heapSectors / sectorsPerCluster

	upcaseClusters := (upcaseTableSize + uint64(clusterSize) - 1) / uint64(clusterSize)
	firstClusterOfRoot := 3 + uint32(upcaseClusters)

	return bootSector{
		volumeLength:           volumeSectors,
		fatOffset:              fatOffset,
		fatLength:              fatLength,
		clusterHeapOffset:      clusterHeapOffset,
		clusterCount:           clusterCount,
		firstClusterOfRoot:     firstClusterOfRoot,
		volumeSerialNumber:     serial,
		fsRevision:             0x0100,
		bytesPerSectorShift:    9,
		sectorsPerClusterShift: spcShift,
		numberOfFATs:           1,
		driveSelect:            0x80,
		percentInUse:           0xFF,
	}
}

// bytes serializes the boot sector to its 512-byte on-disk form.
func (b bootSector) bytes() [sectorSize]byte {
	var buf [sectorSize]byte
	buf[0], buf[1], buf[2] = 0xEB, 0x76, 0x90 // jump_boot
	copy(buf[3:11], fsNameMagic)
	// buf[11:64] must_be_zero, already zero.
	binary.LittleEndian.PutUint64(buf[64:72], b.partitionOffset)
	binary.LittleEndian.PutUint64(buf[72:80], b.volumeLength)
	binary.LittleEndian.PutUint32(buf[80:84], b.fatOffset)
	binary.LittleEndian.PutUint32(buf[84:88], b.fatLength)
	binary.LittleEndian.PutUint32(buf[88:92], b.clusterHeapOffset)
	binary.LittleEndian.PutUint32(buf[92:96], b.clusterCount)
	binary.LittleEndian.PutUint32(buf[96:100], b.firstClusterOfRoot)
	binary.LittleEndian.PutUint32(buf[100:104], b.volumeSerialNumber)
	binary.LittleEndian.PutUint16(buf[104:106], b.fsRevision)
	binary.LittleEndian.PutUint16(buf[106:108], b.volumeFlags)
	buf[108] = b.bytesPerSectorShift
	buf[109] = b.sectorsPerClusterShift
	buf[110] = b.numberOfFATs
	buf[111] = b.driveSelect
	buf[112] = b.percentInUse
	// buf[113:120] reserved, buf[120:510] boot_code, both zero.
	binary.LittleEndian.PutUint16(buf[510:512], 0xAA55)
	return buf
}

// parseBootSector reads back the fields format() wrote, validating the
// "EXFAT   " signature.
func parseBootSector(buf []byte) (bootSector, error) {
	if len(buf) < sectorSize {
		return bootSector{}, errShortBootSector
	}
	if string(buf[3:11]) != fsNameMagic {
		return bootSector{}, errBadSignature
	}
	return bootSector{
		partitionOffset:        binary.LittleEndian.Uint64(buf[64:72]),
		volumeLength:           binary.LittleEndian.Uint64(buf[72:80]),
		fatOffset:              binary.LittleEndian.Uint32(buf[80:84]),
		fatLength:              binary.LittleEndian.Uint32(buf[84:88]),
		clusterHeapOffset:      binary.LittleEndian.Uint32(buf[88:92]),
		clusterCount:           binary.LittleEndian.Uint32(buf[92:96]),
		firstClusterOfRoot:     binary.LittleEndian.Uint32(buf[96:100]),
		volumeSerialNumber:     binary.LittleEndian.Uint32(buf[100:104]),
		fsRevision:             binary.LittleEndian.Uint16(buf[104:106]),
		volumeFlags:            binary.LittleEndian.Uint16(buf[106:108]),
		bytesPerSectorShift:    buf[108],
		sectorsPerClusterShift: buf[109],
		numberOfFATs:           buf[110],
		driveSelect:            buf[111],
		percentInUse:           buf[112],
	}, nil
}

// bootChecksum computes the 32-bit rotate-right-then-add checksum over
// the 11 boot-region sectors, skipping VolumeFlags (bytes 106-107) and
// PercentInUse (byte 112) of sector 0 — those fields are expected to
// change without invalidating the checksum sector.
func bootChecksum(sectors [bootRegionSectors][sectorSize]byte) uint32 {
	var checksum uint32
	for sectorIdx, sector := range sectors {
		for byteIdx, b := range sector {
			if sectorIdx == 0 && (byteIdx == 106 || byteIdx == 107 || byteIdx == 112) {
				continue
			}
			checksum = rotateChecksum32(checksum, b)
		}
	}
	return checksum
}

// checksumSector builds the 512-byte sector that follows each boot
// region: 128 little-endian repetitions of the 32-bit checksum.
func checksumSector(checksum uint32) [sectorSize]byte {
	var buf [sectorSize]byte
	for i := 0; i < sectorSize/4; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], checksum)
	}
	return buf
}
