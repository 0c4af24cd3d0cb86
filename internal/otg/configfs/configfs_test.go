package configfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteFileAppendsNewline(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "attr")
	if err := os.WriteFile(p, nil, 0644); err != nil {
		t.Fatal(err)
	}

	if err := WriteFile(p, "0x1d6b"); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if want := "0x1d6b\n"; string(got) != want {
		t.Errorf("file content = %q; want %q", got, want)
	}
}

func TestWriteFileNoDoubleNewline(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "attr")
	os.WriteFile(p, nil, 0644)

	if err := WriteFile(p, "value\n"); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(p)
	if string(got) != "value\n" {
		t.Errorf("file content = %q; want %q", got, "value\n")
	}
}

func TestCreateDirIdempotent(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a", "b")
	if err := CreateDir(p); err != nil {
		t.Fatalf("first CreateDir failed: %v", err)
	}
	if err := CreateDir(p); err != nil {
		t.Fatalf("second CreateDir failed: %v", err)
	}
}

func TestRemoveMissingIsNotError(t *testing.T) {
	dir := t.TempDir()
	if err := RemoveFile(filepath.Join(dir, "nope")); err != nil {
		t.Errorf("RemoveFile on missing file returned error: %v", err)
	}
	if err := RemoveDir(filepath.Join(dir, "nope")); err != nil {
		t.Errorf("RemoveDir on missing dir returned error: %v", err)
	}
}

func TestReadFileTrims(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "attr")
	os.WriteFile(p, []byte("  hello \n"), 0644)

	got, err := ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Errorf("ReadFile = %q; want %q", got, "hello")
	}
}

func TestWriteBytes(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "report_desc")
	data := []byte{0x05, 0x01, 0x09, 0x06}
	if err := WriteBytes(p, data); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(p)
	if len(got) != len(data) {
		t.Errorf("wrote %d bytes; want %d", len(got), len(data))
	}
}

func TestFindUDCNoneWhenAbsent(t *testing.T) {
	// udcClassPath is a package-level constant pointing at a real sysfs
	// path; on a dev box without a UDC this returns "" without error.
	_ = FindUDC()
}
