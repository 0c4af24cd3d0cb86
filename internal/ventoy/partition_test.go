package ventoy

import "testing"

func TestCalculateLayout(t *testing.T) {
	layout, err := CalculateLayout(8 * 1024 * 1024 * 1024)
	if err != nil {
		t.Fatalf("CalculateLayout: %v", err)
	}
	if layout.DataStartSector != dataPartStartSector {
		t.Errorf("DataStartSector = %d, want %d", layout.DataStartSector, dataPartStartSector)
	}
	if layout.EFISizeSectors != efiPartSizeSectors {
		t.Errorf("EFISizeSectors = %d, want %d", layout.EFISizeSectors, efiPartSizeSectors)
	}
	if layout.EFIStartSector <= layout.DataStartSector {
		t.Error("EFIStartSector should be after DataStartSector")
	}
	if layout.EFIStartSector%8 != 0 {
		t.Errorf("EFIStartSector = %d, not 4KiB aligned (must be a multiple of 8 sectors)", layout.EFIStartSector)
	}
	if layout.DataSizeSectors != layout.EFIStartSector-dataPartStartSector {
		t.Errorf("DataSizeSectors = %d, want %d", layout.DataSizeSectors, layout.EFIStartSector-dataPartStartSector)
	}
}

func TestCalculateLayoutRejectsUndersizedImage(t *testing.T) {
	if _, err := CalculateLayout(32 * 1024 * 1024); err == nil {
		t.Fatal("expected error for an image below the 64MB minimum")
	}
}

func TestLayoutOffsetsMatchSectors(t *testing.T) {
	layout, err := CalculateLayout(1 * 1024 * 1024 * 1024)
	if err != nil {
		t.Fatalf("CalculateLayout: %v", err)
	}
	if layout.DataOffset() != int64(layout.DataStartSector*sectorSize) {
		t.Errorf("DataOffset() mismatch")
	}
	if layout.EFIOffset() != int64(layout.EFIStartSector*sectorSize) {
		t.Errorf("EFIOffset() mismatch")
	}
	if layout.DataSize() != int64(layout.DataSizeSectors*sectorSize) {
		t.Errorf("DataSize() mismatch")
	}
}

func TestParseSize(t *testing.T) {
	cases := map[string]uint64{
		"8G":    8 * 1024 * 1024 * 1024,
		"1024M": 1024 * 1024 * 1024,
		"512K":  512 * 1024,
		"2048":  2048,
		"  4g ": 4 * 1024 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Errorf("ParseSize(%q): %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSize(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestParseSizeRejectsGarbage(t *testing.T) {
	if _, err := ParseSize("not-a-size"); err == nil {
		t.Fatal("expected error for unparseable size")
	}
}

func TestWriteMBRPartitionTableAndSignature(t *testing.T) {
	disk := newTestMemDisk(1 << 20)
	layout, err := CalculateLayout(128 * 1024 * 1024)
	if err != nil {
		t.Fatalf("CalculateLayout: %v", err)
	}
	if err := WriteMBRPartitionTable(disk, layout); err != nil {
		t.Fatalf("WriteMBRPartitionTable: %v", err)
	}
	if err := WriteVentoySignature(disk); err != nil {
		t.Fatalf("WriteVentoySignature: %v", err)
	}

	ok, err := verifyVentoySignature(disk)
	if err != nil {
		t.Fatalf("verifyVentoySignature: %v", err)
	}
	if !ok {
		t.Error("verifyVentoySignature = false after writing the signature")
	}

	sig := [2]byte{}
	if _, err := disk.Seek(mbrSignatureOffset, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if _, err := disk.Read(sig[:]); err != nil {
		t.Fatalf("read boot signature: %v", err)
	}
	if sig != [2]byte{0x55, 0xAA} {
		t.Errorf("boot signature = %v, want [0x55 0xAA]", sig)
	}
}

func TestVerifyVentoySignatureFalseWithoutWrite(t *testing.T) {
	disk := newTestMemDisk(1 << 20)
	ok, err := verifyVentoySignature(disk)
	if err != nil {
		t.Fatalf("verifyVentoySignature: %v", err)
	}
	if ok {
		t.Error("verifyVentoySignature = true on a blank disk")
	}
}
