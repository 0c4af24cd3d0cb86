// Package gadget implements the composite USB gadget lifecycle: creating
// the ConfigFS device/config tree, wiring in HID and mass-storage
// functions, binding to a UDC, and tearing everything down again.
package gadget

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
	"github.com/mofeng-git/One-KVM-sub001/internal/otg/configfs"
	"github.com/mofeng-git/One-KVM-sub001/internal/otg/endpoint"
	"github.com/mofeng-git/One-KVM-sub001/internal/otg/function"
)

// RebindDelay is how long to wait after writing (or clearing) the UDC
// attribute for the kernel to finish enumerating (or tearing down) the
// composite device.
const RebindDelay = 300 * time.Millisecond

// Descriptor is the composite device's USB descriptor fields.
type Descriptor struct {
	VendorID     uint16
	ProductID    uint16
	DeviceVer    uint16
	Manufacturer string
	Product      string
	SerialNumber string
}

// DefaultDescriptor returns the appliance's default device identity.
func DefaultDescriptor() Descriptor {
	return Descriptor{
		VendorID:     configfs.DefaultVendorID,
		ProductID:    configfs.DefaultProductID,
		DeviceVer:    configfs.DefaultBCDDevice,
		Manufacturer: "One-KVM",
		Product:      "One-KVM USB Device",
		SerialNumber: "0123456789",
	}
}

// Manager owns the full lifecycle of one composite gadget: function
// registration, endpoint budgeting, ConfigFS materialization, UDC
// bind/unbind, and cleanup.
type Manager struct {
	name       string
	gadgetPath string
	configPath string
	descriptor Descriptor

	endpoints *endpoint.Allocator
	hidCount  uint8
	msdCount  uint8

	functions []function.Function
	meta      map[string]function.Meta

	boundUDC   string
	createdByUs bool

	clock clock.Clock
	log   *log.Logger
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithDescriptor overrides the default USB device descriptor.
func WithDescriptor(d Descriptor) Option {
	return func(m *Manager) { m.descriptor = d }
}

// WithMaxEndpoints overrides the default endpoint budget.
func WithMaxEndpoints(max uint8) Option {
	return func(m *Manager) { m.endpoints = endpoint.New(max) }
}

// WithLogger overrides the default stderr logger.
func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock overrides the default real clock (for tests).
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// New creates a Manager for gadget name under the standard ConfigFS
// mount point, applying any options.
func New(name string, opts ...Option) *Manager {
	m := &Manager{
		name:       name,
		gadgetPath: filepath.Join(configfs.Path, name),
		descriptor: DefaultDescriptor(),
		endpoints:  endpoint.NewDefault(),
		meta:       make(map[string]function.Meta, 4),
		clock:      clock.NewClock(),
		log:        log.New(os.Stderr, "gadget: ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.configPath = filepath.Join(m.gadgetPath, "configs/c.1")
	return m
}

// IsAvailable reports whether ConfigFS is mounted.
func IsAvailable() bool { return configfs.IsAvailable() }

// FindUDC returns the first available UDC name, or "" if none.
func FindUDC() string { return configfs.FindUDC() }

// GadgetPath returns the ConfigFS directory for this gadget.
func (m *Manager) GadgetPath() string { return m.gadgetPath }

// Exists reports whether the gadget directory has been created.
func (m *Manager) Exists() bool { return configfs.Exists(m.gadgetPath) }

// IsBound reports whether the gadget currently has a UDC attribute set.
func (m *Manager) IsBound() bool {
	udc, err := configfs.ReadFile(filepath.Join(m.gadgetPath, "UDC"))
	return err == nil && udc != ""
}

// AddKeyboard registers a keyboard HID function and returns its expected
// /dev/hidgN device path.
func (m *Manager) AddKeyboard() (string, error) {
	return m.addHID(function.Keyboard)
}

// AddMouseRelative registers a relative-mouse HID function.
func (m *Manager) AddMouseRelative() (string, error) {
	return m.addHID(function.MouseRelative)
}

// AddMouseAbsolute registers an absolute-mouse HID function.
func (m *Manager) AddMouseAbsolute() (string, error) {
	return m.addHID(function.MouseAbsolute)
}

// AddConsumerControl registers a consumer-control HID function.
func (m *Manager) AddConsumerControl() (string, error) {
	return m.addHID(function.ConsumerControl)
}

func (m *Manager) addHID(kind function.HIDKind) (string, error) {
	f := function.NewHIDFunction(kind, m.hidCount)
	if err := m.addFunction(f); err != nil {
		return "", err
	}
	m.hidCount++
	return f.DevicePath(), nil
}

// AddMSD registers a mass-storage function and returns it so callers can
// drive LUN configuration directly.
func (m *Manager) AddMSD() (*function.MSDFunction, error) {
	f := function.NewMSDFunction(m.msdCount)
	if err := m.addFunction(f); err != nil {
		return nil, err
	}
	m.msdCount++
	return f, nil
}

func (m *Manager) addFunction(f function.Function) error {
	need := f.EndpointsRequired()
	if !m.endpoints.CanAllocate(need) {
		return errutil.Errorf("not enough endpoints for function %s: need %d, available %d",
			f.Name(), need, m.endpoints.Available())
	}
	if err := m.endpoints.Allocate(need); err != nil {
		return err
	}
	m.meta[f.Name()] = f.Meta()
	m.functions = append(m.functions, f)
	return nil
}

// Meta returns a snapshot of registered function metadata, keyed by
// function name.
func (m *Manager) Meta() map[string]function.Meta {
	out := make(map[string]function.Meta, len(m.meta))
	for k, v := range m.meta {
		out[k] = v
	}
	return out
}

// EndpointInfo returns (used, max) endpoint counts.
func (m *Manager) EndpointInfo() (uint8, uint8) {
	return m.endpoints.Used(), m.endpoints.Max()
}

// Setup creates the gadget's ConfigFS tree: device descriptors, strings,
// configuration, and every registered function, in that order. If the
// gadget already exists and is bound it is a no-op; if it exists but is
// unbound it is torn down and recreated.
func (m *Manager) Setup() error {
	m.log.Printf("setting up gadget %s", m.name)

	if !IsAvailable() {
		return errutil.New("configfs not available; is it mounted at /sys/kernel/config?")
	}

	if m.Exists() {
		if m.IsBound() {
			m.log.Printf("gadget %s already exists and is bound, skipping setup", m.name)
			return nil
		}
		m.log.Printf("gadget %s exists but is not bound, reconfiguring", m.name)
		if err := m.Cleanup(); err != nil {
			return err
		}
	}

	if err := configfs.CreateDir(m.gadgetPath); err != nil {
		return err
	}
	m.createdByUs = true

	if err := m.setDeviceDescriptors(); err != nil {
		return err
	}
	if err := m.createStrings(); err != nil {
		return err
	}
	if err := m.createConfiguration(); err != nil {
		return err
	}
	for _, f := range m.functions {
		if err := f.Create(m.gadgetPath); err != nil {
			return err
		}
		if err := f.Link(m.configPath, m.gadgetPath); err != nil {
			return err
		}
	}

	m.log.Printf("gadget %s setup complete", m.name)
	return nil
}

// Bind writes the first available UDC's name to the gadget's UDC
// attribute, enumerating the composite device to the host.
func (m *Manager) Bind() error {
	udc := FindUDC()
	if udc == "" {
		return errutil.New("no USB device controller (UDC) found")
	}

	if err := m.recreateConfigLinks(); err != nil {
		m.log.Printf("failed to recreate gadget config links before bind: %v", err)
	}

	m.log.Printf("binding gadget %s to UDC %s", m.name, udc)
	if err := configfs.WriteFile(filepath.Join(m.gadgetPath, "UDC"), udc); err != nil {
		return err
	}
	m.boundUDC = udc
	m.clock.Sleep(RebindDelay)
	return nil
}

// Unbind clears the gadget's UDC attribute, if bound.
func (m *Manager) Unbind() error {
	if !m.IsBound() {
		return nil
	}
	if err := configfs.WriteFile(filepath.Join(m.gadgetPath, "UDC"), ""); err != nil {
		return err
	}
	m.boundUDC = ""
	m.log.Printf("unbound gadget %s from UDC", m.name)
	m.clock.Sleep(RebindDelay)
	return nil
}

// Cleanup unbinds and removes the gadget's entire ConfigFS tree. It is
// best-effort past the unbind step: individual removal failures are
// logged, not returned, so that cleanup can always be retried and never
// leaves the manager in a state where Close must panic.
func (m *Manager) Cleanup() error {
	if !m.Exists() {
		return nil
	}

	m.log.Printf("cleaning up gadget %s", m.name)

	if err := m.Unbind(); err != nil {
		m.log.Printf("unbind during cleanup failed: %v", err)
	}

	for i := len(m.functions) - 1; i >= 0; i-- {
		if err := m.functions[i].Unlink(m.configPath); err != nil {
			m.log.Printf("unlink %s failed: %v", m.functions[i].Name(), err)
		}
	}

	configfs.RemoveDir(filepath.Join(m.configPath, "strings/0x409"))
	configfs.RemoveDir(m.configPath)

	for i := len(m.functions) - 1; i >= 0; i-- {
		if err := m.functions[i].Cleanup(m.gadgetPath); err != nil {
			m.log.Printf("cleanup %s failed: %v", m.functions[i].Name(), err)
		}
	}

	configfs.RemoveDir(filepath.Join(m.gadgetPath, "strings/0x409"))
	if err := configfs.RemoveDir(m.gadgetPath); err != nil {
		m.log.Printf("could not remove gadget directory: %v", err)
	}

	m.createdByUs = false
	m.log.Printf("gadget %s cleanup complete", m.name)
	return nil
}

// Close tears down the gadget if this Manager created it. It never
// returns an error: Go has no destructors, so callers that want strict
// error propagation should call Cleanup directly, while defer Close()
// gives Drop-safe, failure-swallowing teardown.
func (m *Manager) Close() {
	if !m.createdByUs {
		return
	}
	if err := m.Cleanup(); err != nil {
		m.log.Printf("cleanup on close failed: %v", err)
	}
}

func (m *Manager) setDeviceDescriptors() error {
	writes := []struct{ attr, value string }{
		{"idVendor", fmt.Sprintf("0x%04x", m.descriptor.VendorID)},
		{"idProduct", fmt.Sprintf("0x%04x", m.descriptor.ProductID)},
		{"bcdDevice", fmt.Sprintf("0x%04x", m.descriptor.DeviceVer)},
		{"bcdUSB", fmt.Sprintf("0x%04x", configfs.USBBCDUSB)},
		{"bDeviceClass", "0x00"},
		{"bDeviceSubClass", "0x00"},
		{"bDeviceProtocol", "0x00"},
	}
	for _, w := range writes {
		if err := configfs.WriteFile(filepath.Join(m.gadgetPath, w.attr), w.value); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) createStrings() error {
	stringsPath := filepath.Join(m.gadgetPath, "strings/0x409")
	if err := configfs.CreateDir(stringsPath); err != nil {
		return err
	}
	writes := []struct{ attr, value string }{
		{"serialnumber", m.descriptor.SerialNumber},
		{"manufacturer", m.descriptor.Manufacturer},
		{"product", m.descriptor.Product},
	}
	for _, w := range writes {
		if err := configfs.WriteFile(filepath.Join(stringsPath, w.attr), w.value); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) createConfiguration() error {
	if err := configfs.CreateDir(m.configPath); err != nil {
		return err
	}
	stringsPath := filepath.Join(m.configPath, "strings/0x409")
	if err := configfs.CreateDir(stringsPath); err != nil {
		return err
	}
	if err := configfs.WriteFile(filepath.Join(stringsPath, "configuration"), "Config 1: HID + MSD"); err != nil {
		return err
	}
	return configfs.WriteFile(filepath.Join(m.configPath, "MaxPower"), "500")
}

// recreateConfigLinks rebuilds the c.1/<function> symlinks from whatever
// function directories currently exist. Rebinding a gadget whose config
// symlinks survived a prior unclean shutdown can confuse the kernel's
// gadget core, so Bind calls this unconditionally before every write to
// UDC.
func (m *Manager) recreateConfigLinks() error {
	functionsPath := filepath.Join(m.gadgetPath, "functions")
	if !configfs.Exists(functionsPath) || !configfs.Exists(m.configPath) {
		return nil
	}

	entries, err := os.ReadDir(functionsPath)
	if err != nil {
		return errutil.Wrapf(err, "failed to read functions directory %s", functionsPath)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.Contains(name, ".usb") {
			continue
		}
		src := filepath.Join(functionsPath, name)
		dest := filepath.Join(m.configPath, name)
		if configfs.Exists(dest) {
			if err := configfs.RemoveFile(dest); err != nil {
				m.log.Printf("failed to remove existing config link %s: %v", dest, err)
				continue
			}
		}
		if err := configfs.CreateSymlink(src, dest); err != nil {
			return err
		}
	}
	return nil
}

// WaitForHIDDevices polls for every path in devicePaths to exist, using
// exponential backoff starting at 10ms and capped at 100ms, for up to
// timeout. It returns true once all paths exist, false on timeout.
func WaitForHIDDevices(devicePaths []string, timeout time.Duration) bool {
	return waitForHIDDevices(devicePaths, timeout, clock.NewClock())
}

const (
	hidPollStart = 10 * time.Millisecond
	hidPollCap   = 100 * time.Millisecond
)

func waitForHIDDevices(devicePaths []string, timeout time.Duration, c clock.Clock) bool {
	deadline := c.Now().Add(timeout)
	delay := hidPollStart

	for c.Now().Before(deadline) {
		if allExist(devicePaths) {
			return true
		}
		remaining := deadline.Sub(c.Now())
		sleep := delay
		if remaining < sleep {
			sleep = remaining
		}
		if sleep <= 0 {
			break
		}
		c.Sleep(sleep)

		delay *= 2
		if delay > hidPollCap {
			delay = hidPollCap
		}
	}
	return allExist(devicePaths)
}

func allExist(paths []string) bool {
	for _, p := range paths {
		if !configfs.Exists(p) {
			return false
		}
	}
	return true
}
