// Package function implements the per-function ConfigFS objects (HID and
// mass-storage) that a gadget manager creates, links, and tears down.
package function

import "path/filepath"

// Meta describes a function for status reporting.
type Meta struct {
	Name        string
	Description string
	Endpoints   uint8
	Enabled     bool
}

// Function is a single USB gadget function: a small state object that
// knows how to materialize and remove itself under a gadget's ConfigFS
// tree and how to link/unlink itself into a configuration.
type Function interface {
	// Name is the ConfigFS directory name, e.g. "hid.usb0".
	Name() string
	// EndpointsRequired is how many endpoints this function consumes.
	EndpointsRequired() uint8
	// Meta returns a status summary.
	Meta() Meta
	// Create materializes the function directory under gadgetPath.
	Create(gadgetPath string) error
	// Link symlinks the function into configPath.
	Link(configPath, gadgetPath string) error
	// Unlink removes the function's symlink from configPath.
	Unlink(configPath string) error
	// Cleanup removes the function directory under gadgetPath.
	Cleanup(gadgetPath string) error
}

func functionPath(gadgetPath, name string) string {
	return filepath.Join(gadgetPath, "functions", name)
}
