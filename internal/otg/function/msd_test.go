package function

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
)

func setupGadget(t *testing.T) (gadgetPath string, f *MSDFunction, fc *fakeclock.FakeClock) {
	t.Helper()
	dir := t.TempDir()
	f = NewMSDFunction(0)
	fc = fakeclock.NewFakeClock(time.Now())
	f.clock = fc
	if err := f.Create(dir); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return dir, f, fc
}

func TestMSDFunctionNaming(t *testing.T) {
	f := NewMSDFunction(2)
	if got, want := f.Name(), "mass_storage.usb2"; got != want {
		t.Errorf("Name() = %q; want %q", got, want)
	}
	if got, want := f.DevicePath(), "/dev/sdc"; got != want {
		t.Errorf("DevicePath() = %q; want %q", got, want)
	}
	if got, want := f.EndpointsRequired(), uint8(2); got != want {
		t.Errorf("EndpointsRequired() = %d; want %d", got, want)
	}
}

func TestConfigureLunAttachesFile(t *testing.T) {
	dir, f, fc := setupGadget(t)
	img := filepath.Join(dir, "image.img")
	if err := os.WriteFile(img, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	// Give the LUN a current medium so ConfigureLun has to detach it
	// (and settle) before attaching the new file.
	lun0 := filepath.Join(dir, "functions", f.Name(), "lun.0")
	if err := os.WriteFile(filepath.Join(lun0, "file"), []byte("/old\n"), 0644); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- f.ConfigureLun(dir, 0, MsdLunConfig{File: img, Removable: true, Nofua: true}) }()

	// Allow the detach-settle sleep to be requested, then advance it.
	fc.WaitForWatcherAndIncrement(detachSettle)

	if err := <-done; err != nil {
		t.Fatalf("ConfigureLun failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(lun0, "file"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != img+"\n" {
		t.Errorf("file attr = %q; want %q", got, img+"\n")
	}
}

func TestConfigureLunMissingFileErrors(t *testing.T) {
	dir, f, _ := setupGadget(t)
	err := f.ConfigureLun(dir, 0, MsdLunConfig{File: filepath.Join(dir, "nope.img")})
	if err == nil {
		t.Fatal("expected error for missing backing file")
	}
}

func TestDisconnectLunNoopWhenEmpty(t *testing.T) {
	dir, f, _ := setupGadget(t)
	if err := f.DisconnectLun(dir, 0); err != nil {
		t.Fatalf("DisconnectLun on empty LUN returned error: %v", err)
	}
}

func TestCleanupDisconnectsLuns(t *testing.T) {
	dir, f, _ := setupGadget(t)
	if err := f.Cleanup(dir); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if configfsExists(filepath.Join(dir, "functions", f.Name())) {
		t.Error("function directory still exists after Cleanup")
	}
}

func configfsExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
