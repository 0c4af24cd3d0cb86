package exfat

import "unicode/utf16"

func utf16Encode(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// nameHash computes the exFAT filename hash: each UTF-16 LE code unit of
// the upcased name is folded byte-by-byte into the same 16-bit
// rotate-right-then-add checksum used for entry sets.
func nameHash(units []uint16) uint16 {
	var hash uint16
	for _, u := range units {
		up := uint16(upperOf(rune(u)))
		hash = rotateChecksum16(hash, byte(up&0xFF))
		hash = rotateChecksum16(hash, byte(up>>8))
	}
	return hash
}
