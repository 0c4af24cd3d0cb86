package ventoy

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func writeTestResources(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, bootImgName), make([]byte, sectorSize), 0644); err != nil {
		t.Fatalf("write boot.img: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, coreImgName), bytes.Repeat([]byte{0xAB}, 4096), 0644); err != nil {
		t.Fatalf("write core.img: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ventoyDiskImgName), bytes.Repeat([]byte{0xCD}, 8192), 0644); err != nil {
		t.Fatalf("write ventoy.disk.img: %v", err)
	}
}

// ensureResourcesInitialized initializes the package-level resource cache
// exactly once across the whole test binary, since InitResources is
// idempotent for the life of the process (matching the reference
// loader's one-time cache).
func ensureResourcesInitialized(t *testing.T) {
	t.Helper()
	if IsInitialized() {
		return
	}
	dir := t.TempDir()
	writeTestResources(t, dir)
	if err := InitResources(dir); err != nil {
		t.Fatalf("InitResources: %v", err)
	}
}

func TestCreateAndOpenImage(t *testing.T) {
	ensureResourcesInitialized(t)

	imgPath := filepath.Join(t.TempDir(), "test.img")
	img, err := Create(imgPath, "64M", "ONEKVM")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if img.Layout.DataSizeSectors == 0 {
		t.Error("DataSizeSectors = 0")
	}

	reopened, err := Open(imgPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if reopened.Layout.TotalSectors != img.Layout.TotalSectors {
		t.Errorf("reopened TotalSectors = %d, want %d", reopened.Layout.TotalSectors, img.Layout.TotalSectors)
	}
}

func TestOpenRejectsNonVentoyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.img")
	if err := os.WriteFile(path, make([]byte, 64*1024*1024), 0644); err != nil {
		t.Fatalf("write plain file: %v", err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("expected Open to reject a file without a Ventoy signature")
	}
}

func TestImageFileRoundTrip(t *testing.T) {
	ensureResourcesInitialized(t)

	imgPath := filepath.Join(t.TempDir(), "test.img")
	img, err := Create(imgPath, "64M", "ONEKVM")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	names, err := img.ListFiles()
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("ListFiles() = %v, want empty on a fresh image", names)
	}

	if err := img.CreateDirectory("iso/linux", true); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	entries, err := img.ListFilesAt("iso")
	if err != nil {
		t.Fatalf("ListFilesAt: %v", err)
	}
	if len(entries) != 1 || entries[0] != "linux" {
		t.Fatalf("ListFilesAt(iso) = %v, want [linux]", entries)
	}

	srcPath := filepath.Join(t.TempDir(), "payload.bin")
	content := bytes.Repeat([]byte("ventoy-payload-"), 200)
	if err := os.WriteFile(srcPath, content, 0644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	if err := img.AddFileToPath(srcPath, "iso/linux", true, false); err != nil {
		t.Fatalf("AddFileToPath: %v", err)
	}

	got, err := img.ReadFile("iso/linux/payload.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("ReadFile mismatched content: got %d bytes, want %d", len(got), len(content))
	}

	var buf bytes.Buffer
	n, err := img.ReadFileToWriter("iso/linux/payload.bin", &buf)
	if err != nil {
		t.Fatalf("ReadFileToWriter: %v", err)
	}
	if n != int64(len(content)) || !bytes.Equal(buf.Bytes(), content) {
		t.Fatalf("ReadFileToWriter mismatched content")
	}

	if err := img.RemovePath("iso/linux/payload.bin"); err != nil {
		t.Fatalf("RemovePath: %v", err)
	}
	if _, err := img.ReadFile("iso/linux/payload.bin"); err == nil {
		t.Fatal("expected ReadFile to fail after RemovePath")
	}
}

func TestAddFileToPathRefusesOverwriteWithoutFlag(t *testing.T) {
	ensureResourcesInitialized(t)

	imgPath := filepath.Join(t.TempDir(), "test.img")
	img, err := Create(imgPath, "64M", "ONEKVM")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	srcPath := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(srcPath, []byte("v1"), 0644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	if err := img.AddFileToPath(srcPath, "", false, false); err != nil {
		t.Fatalf("AddFileToPath (first): %v", err)
	}
	if err := img.AddFileToPath(srcPath, "", false, false); err == nil {
		t.Fatal("expected second AddFileToPath without overwrite to fail")
	}
	if err := img.AddFileToPath(srcPath, "", false, true); err != nil {
		t.Fatalf("AddFileToPath with overwrite=true: %v", err)
	}
}
