package exfat

import "testing"

func TestNewBootSectorRoundTrip(t *testing.T) {
	volumeSectors := uint64(64 * 1024 * 1024 / sectorSize) // 64 MiB volume
	boot := newBootSector(volumeSectors, 32768, 0xCAFEBABE)
	buf := boot.bytes()

	parsed, err := parseBootSector(buf[:])
	if err != nil {
		t.Fatalf("parseBootSector: %v", err)
	}
	if parsed.fatOffset != boot.fatOffset {
		t.Errorf("fatOffset = %d, want %d", parsed.fatOffset, boot.fatOffset)
	}
	if parsed.clusterHeapOffset != boot.clusterHeapOffset {
		t.Errorf("clusterHeapOffset = %d, want %d", parsed.clusterHeapOffset, boot.clusterHeapOffset)
	}
	if parsed.clusterCount != boot.clusterCount {
		t.Errorf("clusterCount = %d, want %d", parsed.clusterCount, boot.clusterCount)
	}
	if parsed.firstClusterOfRoot != boot.firstClusterOfRoot {
		t.Errorf("firstClusterOfRoot = %d, want %d", parsed.firstClusterOfRoot, boot.firstClusterOfRoot)
	}
	if parsed.sectorsPerClusterShift != boot.sectorsPerClusterShift {
		t.Errorf("sectorsPerClusterShift = %d, want %d", parsed.sectorsPerClusterShift, boot.sectorsPerClusterShift)
	}
}

func TestParseBootSectorRejectsBadSignature(t *testing.T) {
	var buf [sectorSize]byte
	copy(buf[3:11], "NOTEXFAT")
	if _, err := parseBootSector(buf[:]); err == nil {
		t.Fatal("expected error for bad fs_name magic")
	}
}

func TestParseBootSectorRejectsShortBuffer(t *testing.T) {
	if _, err := parseBootSector(make([]byte, 100)); err == nil {
		t.Fatal("expected error for short boot sector")
	}
}

func TestBootChecksumSkipsVolatileFields(t *testing.T) {
	boot := newBootSector(uint64(64*1024*1024/sectorSize), 32768, 1)
	var region [bootRegionSectors][sectorSize]byte
	region[0] = boot.bytes()
	base := bootChecksum(region)

	// Flip volume_flags and percent_in_use; checksum must not change.
	region[0][106] ^= 0xFF
	region[0][107] ^= 0xFF
	region[0][112] ^= 0xFF
	changed := bootChecksum(region)

	if base != changed {
		t.Errorf("checksum changed after touching excluded fields: %d != %d", base, changed)
	}
}

func TestBootChecksumDetectsOtherChanges(t *testing.T) {
	boot := newBootSector(uint64(64*1024*1024/sectorSize), 32768, 1)
	var region [bootRegionSectors][sectorSize]byte
	region[0] = boot.bytes()
	base := bootChecksum(region)

	region[0][0] ^= 0xFF // jump_boot byte, not excluded
	changed := bootChecksum(region)

	if base == changed {
		t.Error("expected checksum to change after touching a non-excluded field")
	}
}
