// Package config loads the appliance's on-disk configuration: the
// data-dir layout and per-module defaults (gadget vendor/product IDs,
// mass-storage directories, the V4L2 device path, bitrate presets).
// Values come from an optional YAML file layered over built-in
// defaults, a two-tier overlay rather than a single monolithic file.
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v2"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
)

// Gadget carries the USB gadget identity, overriding configfs's
// built-in defaults when non-zero.
type Gadget struct {
	VendorID  uint16 `yaml:"vendor_id"`
	ProductID uint16 `yaml:"product_id"`
}

// Video carries the capture device path and encoder defaults.
type Video struct {
	Device        string `yaml:"device"`
	Width         int    `yaml:"width"`
	Height        int    `yaml:"height"`
	FPS           int    `yaml:"fps"`
	BitratePreset string `yaml:"bitrate_preset"`
}

// BitrateKbps resolves a named preset to a target bitrate in kbps.
// Unknown or empty presets fall back to "medium".
func (v Video) BitrateKbps() int {
	if kbps, ok := bitratePresets[v.BitratePreset]; ok {
		return kbps
	}
	return bitratePresets["medium"]
}

var bitratePresets = map[string]int{
	"low":    1500,
	"medium": 4000,
	"high":   8000,
}

// Config is the appliance's full configuration, as loaded from
// <data_dir>/one-kvm.yaml (or built-in defaults when the file is
// absent).
type Config struct {
	DataDir string `yaml:"-"`

	Gadget Gadget `yaml:"gadget"`
	Video  Video  `yaml:"video"`
}

// Default returns the built-in configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir: dataDir,
		Gadget: Gadget{
			VendorID:  0x1d6b,
			ProductID: 0x0104,
		},
		Video: Video{
			Device:        "/dev/video0",
			Width:         1920,
			Height:        1080,
			FPS:           30,
			BitratePreset: "medium",
		},
	}
}

// Load reads <data_dir>/one-kvm.yaml if present and overlays it onto
// Default(dataDir); a missing file is not an error. Zero-valued fields
// in the file (the YAML zero value, not "absent") are indistinguishable
// from "use the default" for scalar settings by design: operators edit
// only the keys they want to change.
func Load(dataDir string) (*Config, error) {
	cfg := Default(dataDir)

	path := filepath.Join(dataDir, "one-kvm.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errutil.Wrapf(err, "read config %s failed", path)
	}

	overlay := &Config{}
	if err := yaml.Unmarshal(b, overlay); err != nil {
		return nil, errutil.Wrapf(err, "parse config %s failed", path)
	}
	cfg.applyOverlay(overlay)
	return cfg, nil
}

func (c *Config) applyOverlay(o *Config) {
	if o.Gadget.VendorID != 0 {
		c.Gadget.VendorID = o.Gadget.VendorID
	}
	if o.Gadget.ProductID != 0 {
		c.Gadget.ProductID = o.Gadget.ProductID
	}
	if o.Video.Device != "" {
		c.Video.Device = o.Video.Device
	}
	if o.Video.Width != 0 {
		c.Video.Width = o.Video.Width
	}
	if o.Video.Height != 0 {
		c.Video.Height = o.Video.Height
	}
	if o.Video.FPS != 0 {
		c.Video.FPS = o.Video.FPS
	}
	if o.Video.BitratePreset != "" {
		c.Video.BitratePreset = o.Video.BitratePreset
	}
}

// Layout describes the conventional subdirectories under a data dir.
type Layout struct {
	DataDir    string
	DBPath     string
	MSDImages  string
	MSDVentoy  string
	VentoyRes  string
	CertsDir   string
	UpdatesDir string
}

// NewLayout derives the conventional filesystem layout rooted at
// dataDir.
func NewLayout(dataDir string) Layout {
	return Layout{
		DataDir:    dataDir,
		DBPath:     filepath.Join(dataDir, "one-kvm.db"),
		MSDImages:  filepath.Join(dataDir, "msd", "images"),
		MSDVentoy:  filepath.Join(dataDir, "msd", "ventoy"),
		VentoyRes:  filepath.Join(dataDir, "ventoy"),
		CertsDir:   filepath.Join(dataDir, "certs"),
		UpdatesDir: filepath.Join(dataDir, "updates"),
	}
}

// EnsureDirs creates every directory in the layout that must exist
// before the core's modules can start, ignoring directories that
// already exist.
func (l Layout) EnsureDirs() error {
	dirs := []string{l.MSDImages, l.MSDVentoy, l.VentoyRes, l.CertsDir, l.UpdatesDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errutil.Wrapf(err, "create directory %s failed", dir)
		}
	}
	return nil
}
