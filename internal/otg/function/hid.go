package function

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/mofeng-git/One-KVM-sub001/internal/otg/configfs"
)

// HIDKind selects one of the four HID function personalities.
type HIDKind int

const (
	// Keyboard has no LED output report and uses the boot-protocol
	// keyboard interface.
	Keyboard HIDKind = iota
	// MouseRelative reports relative X/Y/wheel movement.
	MouseRelative
	// MouseAbsolute reports absolute X/Y positioning (for touchscreen-like
	// pointer emulation) plus a relative wheel.
	MouseAbsolute
	// ConsumerControl reports multimedia key usage codes.
	ConsumerControl
)

func (k HIDKind) endpoints() uint8 { return 1 }

func (k HIDKind) protocol() uint8 {
	switch k {
	case Keyboard:
		return 1
	case MouseRelative, MouseAbsolute:
		return 2
	default:
		return 0
	}
}

func (k HIDKind) subclass() uint8 {
	switch k {
	case Keyboard, MouseRelative:
		return 1 // boot interface
	default:
		return 0
	}
}

func (k HIDKind) reportLength() uint8 {
	switch k {
	case Keyboard:
		return 8
	case MouseRelative:
		return 4
	case MouseAbsolute:
		return 6
	default: // ConsumerControl
		return 2
	}
}

func (k HIDKind) reportDesc() []byte {
	switch k {
	case Keyboard:
		return keyboardReportDesc
	case MouseRelative:
		return mouseRelativeReportDesc
	case MouseAbsolute:
		return mouseAbsoluteReportDesc
	default:
		return consumerControlReportDesc
	}
}

func (k HIDKind) description() string {
	switch k {
	case Keyboard:
		return "Keyboard"
	case MouseRelative:
		return "Relative Mouse"
	case MouseAbsolute:
		return "Absolute Mouse"
	default:
		return "Consumer Control"
	}
}

// HIDFunction is a single HID interface within the composite gadget.
type HIDFunction struct {
	instance uint8
	kind     HIDKind
	name     string
}

// NewHIDFunction creates a HID function of the given kind at instance
// number n (the nth /dev/hidg node).
func NewHIDFunction(kind HIDKind, instance uint8) *HIDFunction {
	return &HIDFunction{
		instance: instance,
		kind:     kind,
		name:     fmt.Sprintf("hid.usb%d", instance),
	}
}

// DevicePath returns the expected kernel-created device node, e.g.
// "/dev/hidg0". It only exists once the gadget has bound.
func (f *HIDFunction) DevicePath() string {
	return fmt.Sprintf("/dev/hidg%d", f.instance)
}

// Name implements Function.
func (f *HIDFunction) Name() string { return f.name }

// EndpointsRequired implements Function.
func (f *HIDFunction) EndpointsRequired() uint8 { return f.kind.endpoints() }

// Meta implements Function.
func (f *HIDFunction) Meta() Meta {
	return Meta{
		Name:        f.name,
		Description: f.kind.description(),
		Endpoints:   f.EndpointsRequired(),
		Enabled:     true,
	}
}

// Create implements Function.
func (f *HIDFunction) Create(gadgetPath string) error {
	fp := functionPath(gadgetPath, f.name)
	if err := configfs.CreateDir(fp); err != nil {
		return err
	}
	if err := configfs.WriteFile(filepath.Join(fp, "protocol"), strconv.Itoa(int(f.kind.protocol()))); err != nil {
		return err
	}
	if err := configfs.WriteFile(filepath.Join(fp, "subclass"), strconv.Itoa(int(f.kind.subclass()))); err != nil {
		return err
	}
	if err := configfs.WriteFile(filepath.Join(fp, "report_length"), strconv.Itoa(int(f.kind.reportLength()))); err != nil {
		return err
	}
	return configfs.WriteBytes(filepath.Join(fp, "report_desc"), f.kind.reportDesc())
}

// Link implements Function.
func (f *HIDFunction) Link(configPath, gadgetPath string) error {
	linkPath := filepath.Join(configPath, f.name)
	if configfs.Exists(linkPath) {
		return nil
	}
	return configfs.CreateSymlink(functionPath(gadgetPath, f.name), linkPath)
}

// Unlink implements Function.
func (f *HIDFunction) Unlink(configPath string) error {
	return configfs.RemoveFile(filepath.Join(configPath, f.name))
}

// Cleanup implements Function.
func (f *HIDFunction) Cleanup(gadgetPath string) error {
	return configfs.RemoveDir(functionPath(gadgetPath, f.name))
}
