package exfat

import "encoding/binary"

// generateUpcaseTable builds the fixed 128 KiB exFAT upcase table: one
// little-endian uint16 per BMP code point, giving its uppercase mapping
// (or itself, if it has none). Full Unicode case folding needs locale
// tables beyond what this appliance ships; ASCII and the Latin-1
// Supplement — the ranges actually exercised by FAT/exFAT volume labels
// and filenames in practice — are mapped explicitly, every other code
// point maps to itself, matching the exFAT spec's requirement that the
// table be a total function over all 65536 code points.
func generateUpcaseTable() []byte {
	buf := make([]byte, upcaseTableSize)
	for cp := 0; cp < 0x10000; cp++ {
		binary.LittleEndian.PutUint16(buf[cp*2:cp*2+2], uint16(upperOf(rune(cp))))
	}
	return buf
}

func upperOf(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z':
		return r - ('a' - 'A')
	case r >= 0xE0 && r <= 0xFE && r != 0xF7:
		return r - 0x20
	case r == 0xFF:
		return 0x178 // LATIN CAPITAL LETTER Y WITH DIAERESIS
	default:
		return r
	}
}

// upcaseChecksum computes the rotate-right-then-add checksum over the
// raw upcase table bytes, the same algorithm used for the boot region.
func upcaseChecksum(data []byte) uint32 {
	var checksum uint32
	for _, b := range data {
		checksum = rotateChecksum32(checksum, b)
	}
	return checksum
}
