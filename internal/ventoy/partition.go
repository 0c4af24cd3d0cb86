// Package ventoy builds and manipulates Ventoy-style dual-partition disk
// images: an MBR with a bootable exFAT data partition plus a trailing EFI
// System partition, the same layout the reference bootloader expects.
package ventoy

import (
	"encoding/binary"
	"io"
	"strconv"
	"strings"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
)

const (
	sectorSize = 512

	// dataPartStartSector is 1 MiB in, matching the reference bootloader's
	// expected alignment.
	dataPartStartSector = 2048

	// efiPartSizeSectors is a fixed 32 MiB EFI System partition.
	efiPartSizeSectors = 65536

	// minImageSize is the smallest image this layout can fit in.
	minImageSize = 64 * 1024 * 1024

	mbrTypeExfat = 0x07
	mbrTypeEFI   = 0xEF

	// ventoySigOffset is the MBR offset the bootloader scans for to
	// recognize a Ventoy-format disk.
	ventoySigOffset = 0x190

	mbrPartitionTableOffset = 446
	mbrSignatureOffset      = 510
)

// ventoySignature is the fixed 16-byte marker written at ventoySigOffset.
var ventoySignature = [16]byte{
	0x56, 0x54, 0x00, 0x47, 0x65, 0x00, 0x48, 0x44, 0x00, 0x52, 0x64, 0x00, 0x20, 0x45, 0x72, 0x0D,
}

// Layout is the computed partition geometry for a Ventoy image of a given
// total size: a data partition starting at sector 2048 that fills the gap
// up to a 4 KiB-aligned EFI System partition of fixed size at the end.
type Layout struct {
	TotalSectors    uint64
	DataStartSector uint64
	DataSizeSectors uint64
	EFIStartSector  uint64
	EFISizeSectors  uint64
}

// CalculateLayout derives a Layout for an image of totalSize bytes.
func CalculateLayout(totalSize uint64) (Layout, error) {
	if totalSize < minImageSize {
		return Layout{}, errutil.Errorf("ventoy: image size %dMB is below the 64MB minimum", totalSize/(1024*1024))
	}
	totalSectors := totalSize / sectorSize
	efiStart := ((totalSectors - efiPartSizeSectors) / 8) * 8
	dataSize := efiStart - dataPartStartSector

	return Layout{
		TotalSectors:    totalSectors,
		DataStartSector: dataPartStartSector,
		DataSizeSectors: dataSize,
		EFIStartSector:  efiStart,
		EFISizeSectors:  efiPartSizeSectors,
	}, nil
}

func (l Layout) DataOffset() int64 { return int64(l.DataStartSector * sectorSize) }
func (l Layout) DataSize() int64   { return int64(l.DataSizeSectors * sectorSize) }
func (l Layout) EFIOffset() int64  { return int64(l.EFIStartSector * sectorSize) }
func (l Layout) EFISize() int64    { return int64(l.EFISizeSectors * sectorSize) }

func mbrPartitionEntry(bootable bool, partitionType byte, startLBA, sizeSectors uint64) [16]byte {
	var e [16]byte
	if bootable {
		e[0] = 0x80
	}
	e[1], e[2], e[3] = 0xFE, 0xFF, 0xFF // CHS unused, LBA mode
	e[4] = partitionType
	e[5], e[6], e[7] = 0xFE, 0xFF, 0xFF
	binary.LittleEndian.PutUint32(e[8:12], uint32(startLBA))
	binary.LittleEndian.PutUint32(e[12:16], uint32(sizeSectors))
	return e
}

// WriteMBRPartitionTable writes the two-partition MBR table (data+EFI)
// and the 0x55AA boot signature, leaving the first 446 bytes (boot code)
// untouched.
func WriteMBRPartitionTable(w io.WriteSeeker, layout Layout) error {
	part1 := mbrPartitionEntry(true, mbrTypeExfat, layout.DataStartSector, layout.DataSizeSectors)
	part2 := mbrPartitionEntry(false, mbrTypeEFI, layout.EFIStartSector, layout.EFISizeSectors)

	if _, err := w.Seek(mbrPartitionTableOffset, io.SeekStart); err != nil {
		return errutil.Wrap(err, "seek to partition table failed")
	}
	if _, err := w.Write(part1[:]); err != nil {
		return errutil.Wrap(err, "write data partition entry failed")
	}
	if _, err := w.Write(part2[:]); err != nil {
		return errutil.Wrap(err, "write EFI partition entry failed")
	}
	if _, err := w.Write(make([]byte, 32)); err != nil { // partitions 3 and 4, unused
		return errutil.Wrap(err, "clear unused partition entries failed")
	}

	if _, err := w.Seek(mbrSignatureOffset, io.SeekStart); err != nil {
		return errutil.Wrap(err, "seek to boot signature failed")
	}
	if _, err := w.Write([]byte{0x55, 0xAA}); err != nil {
		return errutil.Wrap(err, "write boot signature failed")
	}
	return nil
}

// WriteVentoySignature writes the bootloader's 16-byte marker.
func WriteVentoySignature(w io.WriteSeeker) error {
	if _, err := w.Seek(ventoySigOffset, io.SeekStart); err != nil {
		return errutil.Wrap(err, "seek to signature offset failed")
	}
	if _, err := w.Write(ventoySignature[:]); err != nil {
		return errutil.Wrap(err, "write ventoy signature failed")
	}
	return nil
}

// verifyVentoySignature reports whether r already carries the marker.
func verifyVentoySignature(r io.ReadSeeker) (bool, error) {
	var sig [16]byte
	if _, err := r.Seek(ventoySigOffset, io.SeekStart); err != nil {
		return false, errutil.Wrap(err, "seek to signature offset failed")
	}
	if _, err := io.ReadFull(r, sig[:]); err != nil {
		return false, errutil.Wrap(err, "read signature failed")
	}
	return sig == ventoySignature, nil
}

// ParseSize parses a size string like "8G", "1024M", "512K" into bytes.
// A bare number is interpreted as bytes.
func ParseSize(s string) (uint64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	var multiplier uint64 = 1
	numPart := s
	switch {
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numPart = s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numPart = s[:len(s)-1]
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numPart = s[:len(s)-1]
	}

	num, err := strconv.ParseUint(numPart, 10, 64)
	if err != nil {
		return 0, errutil.Errorf("ventoy: cannot parse size %q", s)
	}
	return num * multiplier, nil
}
