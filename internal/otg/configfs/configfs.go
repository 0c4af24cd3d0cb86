// Package configfs provides the ConfigFS file primitives the rest of the
// otg tree builds on: typed sysfs writes, idempotent directory/file
// removal, and UDC discovery under /sys/kernel/config/usb_gadget.
//
// sysfs attributes require a single atomic write() syscall — the kernel
// processes the value on the first write, so every primitive here builds
// its complete buffer (including a trailing newline for text attributes)
// before issuing exactly one write. This package never retries; retry
// policy belongs to callers that understand what a given failure means
// (e.g. EBUSY on a mass-storage LUN's file attribute).
package configfs

import (
	"os"
	"strings"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
)

// Path is the ConfigFS mount point for USB gadgets.
const Path = "/sys/kernel/config/usb_gadget"

// Gadget defaults, used when the caller's config does not override them.
const (
	DefaultGadgetName  = "one-kvm"
	DefaultVendorID    = uint16(0x1d6b)
	DefaultProductID   = uint16(0x0104)
	DefaultBCDDevice   = uint16(0x0100)
	USBBCDUSB          = uint16(0x0200)
	udcClassPath       = "/sys/class/udc"
)

// IsAvailable reports whether ConfigFS is mounted.
func IsAvailable() bool {
	_, err := os.Stat(Path)
	return err == nil
}

// FindUDC returns the name of the first available USB Device Controller,
// or "" if none is present. It applies no policy beyond "first entry" —
// callers decide what to do when there's more than one or none at all.
func FindUDC() string {
	entries, err := os.ReadDir(udcClassPath)
	if err != nil || len(entries) == 0 {
		return ""
	}
	return entries[0].Name()
}

// WriteFile writes content, plus a trailing newline if not already
// present, to path in a single write() call, then flushes. Multiple
// writes to one sysfs attribute can make the kernel reject the value or
// return EINVAL, so the full buffer is always built up front.
func WriteFile(path, content string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			f, err = os.Create(path)
		}
		if err != nil {
			return errutil.Wrapf(err, "failed to open %s", path)
		}
	}
	defer f.Close()

	buf := content
	if !strings.HasSuffix(buf, "\n") {
		buf += "\n"
	}

	if _, err := f.Write([]byte(buf)); err != nil {
		return errutil.Wrapf(err, "failed to write to %s", path)
	}
	if err := f.Sync(); err != nil {
		return errutil.Wrapf(err, "failed to flush %s", path)
	}
	return nil
}

// WriteBytes writes raw binary content (e.g. a HID report_desc) to path
// in a single write() call.
func WriteBytes(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return errutil.Wrapf(err, "failed to create %s", path)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errutil.Wrapf(err, "failed to write to %s", path)
	}
	return nil
}

// ReadFile reads and trims the string content of a sysfs attribute.
func ReadFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errutil.Wrapf(err, "failed to read %s", path)
	}
	return strings.TrimSpace(string(b)), nil
}

// CreateDir creates path and any missing parents. It is not an error if
// the directory already exists.
func CreateDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return errutil.Wrapf(err, "failed to create directory %s", path)
	}
	return nil
}

// RemoveDir removes path if it exists. A missing path is not an error.
func RemoveDir(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errutil.Wrapf(err, "failed to remove directory %s", path)
	}
	return nil
}

// RemoveFile removes path if it exists. A missing path is not an error.
func RemoveFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errutil.Wrapf(err, "failed to remove file %s", path)
	}
	return nil
}

// CreateSymlink creates a symlink at dest pointing to src.
func CreateSymlink(src, dest string) error {
	if err := os.Symlink(src, dest); err != nil {
		return errutil.Wrapf(err, "failed to create symlink %s -> %s", dest, src)
	}
	return nil
}

// Exists reports whether path exists, swallowing all errors other than
// "not exist" (matching the best-effort semantics of the rest of this
// package).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
