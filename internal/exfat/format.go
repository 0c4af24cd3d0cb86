package exfat

import (
	"encoding/binary"
	"io"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
)

// volumeLabelEntry builds a 0x83 volume-label directory entry, UTF-16
// encoding up to the first 11 code units of label.
func volumeLabelEntry(label string) [32]byte {
	var entry [32]byte
	entry[0] = entryTypeVolumeLabel

	units := utf16Encode(label)
	if len(units) > 11 {
		units = units[:11]
	}
	entry[1] = byte(len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(entry[2+i*2:4+i*2], u)
	}
	return entry
}

func bitmapEntry(startCluster uint32, size uint64) [32]byte {
	var entry [32]byte
	entry[0] = entryTypeBitmap
	binary.LittleEndian.PutUint32(entry[20:24], startCluster)
	binary.LittleEndian.PutUint64(entry[24:32], size)
	return entry
}

func upcaseEntry(startCluster uint32, size uint64, checksum uint32) [32]byte {
	var entry [32]byte
	entry[0] = entryTypeUpcase
	binary.LittleEndian.PutUint32(entry[4:8], checksum)
	binary.LittleEndian.PutUint32(entry[20:24], startCluster)
	binary.LittleEndian.PutUint64(entry[24:32], size)
	return entry
}

// FormatOptions configures a fresh volume. VolumeSerial defaults to a
// fixed value when zero; callers that care about uniqueness (Ventoy
// images minted per-download) should pass a real timestamp-derived
// value.
type FormatOptions struct {
	Label        string
	VolumeSerial uint32
}

// Format writes a brand-new exFAT filesystem into w starting at
// partitionOffset and spanning exactly partitionSize bytes: boot region
// (primary + backup), FAT, allocation bitmap, upcase table, and an empty
// root directory containing only the mandatory volume-label/bitmap/upcase
// entries.
func Format(w io.WriteSeeker, partitionOffset, partitionSize int64, opts FormatOptions) error {
	volumeSectors := uint64(partitionSize) / sectorSize
	clusterSize := clusterSizeFor(uint64(partitionSize))

	serial := opts.VolumeSerial
	if serial == 0 {
		serial = 0x12345678
	}

	boot := newBootSector(volumeSectors, clusterSize, serial)
	bootBytes := boot.bytes()

	var bootRegion [bootRegionSectors][sectorSize]byte
	bootRegion[0] = bootBytes
	checksum := bootChecksum(bootRegion)
	checkSector := checksumSector(checksum)

	writeAt := func(off int64, p []byte) error {
		if _, err := w.Seek(off, io.SeekStart); err != nil {
			return errutil.Wrap(err, "seek failed during format")
		}
		if _, err := w.Write(p); err != nil {
			return errutil.Wrap(err, "write failed during format")
		}
		return nil
	}

	// Primary boot region + checksum sector.
	if _, err := w.Seek(partitionOffset, io.SeekStart); err != nil {
		return errutil.Wrap(err, "seek to partition start failed")
	}
	for _, sector := range bootRegion {
		if _, err := w.Write(sector[:]); err != nil {
			return errutil.Wrap(err, "write boot region failed")
		}
	}
	if _, err := w.Write(checkSector[:]); err != nil {
		return errutil.Wrap(err, "write boot checksum sector failed")
	}
	// Backup boot region + checksum sector.
	for _, sector := range bootRegion {
		if _, err := w.Write(sector[:]); err != nil {
			return errutil.Wrap(err, "write backup boot region failed")
		}
	}
	if _, err := w.Write(checkSector[:]); err != nil {
		return errutil.Wrap(err, "write backup boot checksum sector failed")
	}

	upcaseClusters := (upcaseTableSize + uint64(clusterSize) - 1) / uint64(clusterSize)
	rootCluster := 3 + uint32(upcaseClusters)

	// FAT.
	fatOffset := partitionOffset + int64(boot.fatOffset)*sectorSize
	entries := make([]uint32, 0, 3+upcaseClusters+1)
	entries = append(entries, fatEntryMedia, fatEntryReserved, fatEntryEndOfChain)
	for i := uint64(0); i < upcaseClusters; i++ {
		clusterNum := 3 + uint32(i)
		if i == upcaseClusters-1 {
			entries = append(entries, fatEntryEndOfChain)
		} else {
			entries = append(entries, clusterNum+1)
		}
	}
	entries = append(entries, fatEntryEndOfChain) // root directory

	fatBuf := make([]byte, int(boot.fatLength)*sectorSize)
	for i, e := range entries {
		binary.LittleEndian.PutUint32(fatBuf[i*4:i*4+4], e)
	}
	if err := writeAt(fatOffset, fatBuf); err != nil {
		return err
	}

	heapOffset := partitionOffset + int64(boot.clusterHeapOffset)*sectorSize

	// Allocation bitmap (cluster 2).
	bitmapSize := (boot.clusterCount + 7) / 8
	bitmap := make([]byte, clusterSize)
	setBit := func(cluster uint32) {
		idx := cluster / 8
		if int(idx) < len(bitmap) {
			bitmap[idx] |= 1 << (cluster % 8)
		}
	}
	setBit(2)
	for i := uint64(0); i < upcaseClusters; i++ {
		setBit(3 + uint32(i))
	}
	setBit(rootCluster)
	if err := writeAt(heapOffset, bitmap); err != nil {
		return err
	}

	// Upcase table (clusters 3..3+upcaseClusters-1).
	upcaseData := generateUpcaseTable()
	upcaseCksum := upcaseChecksum(upcaseData)
	upcaseOffset := heapOffset + int64(clusterSize)
	if err := writeAt(upcaseOffset, upcaseData); err != nil {
		return err
	}
	if padding := int64(upcaseClusters)*int64(clusterSize) - int64(len(upcaseData)); padding > 0 {
		if err := writeAt(upcaseOffset+int64(len(upcaseData)), make([]byte, padding)); err != nil {
			return err
		}
	}

	// Root directory (single cluster): volume label, bitmap, upcase entries.
	rootOffset := heapOffset + (1+int64(upcaseClusters))*int64(clusterSize)
	label := volumeLabelEntry(opts.Label)
	bEntry := bitmapEntry(2, uint64(bitmapSize))
	uEntry := upcaseEntry(3, uint64(len(upcaseData)), upcaseCksum)

	root := make([]byte, clusterSize)
	copy(root[0:32], label[:])
	copy(root[32:64], bEntry[:])
	copy(root[64:96], uEntry[:])
	if err := writeAt(rootOffset, root); err != nil {
		return err
	}

	return nil
}
