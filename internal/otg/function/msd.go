package function

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
	"github.com/mofeng-git/One-KVM-sub001/internal/otg/configfs"
)

// msdWriteBackoff is the exponential backoff ladder applied to the LUN
// "file" attribute when the kernel returns EBUSY (host still has the
// previous backing file open).
var msdWriteBackoff = []time.Duration{
	50 * time.Millisecond,
	100 * time.Millisecond,
	200 * time.Millisecond,
	400 * time.Millisecond,
	800 * time.Millisecond,
}

// detachSettle is how long to wait after clearing a LUN's backing file
// before applying new attributes, giving the host time to notice the
// device went away.
const detachSettle = 50 * time.Millisecond

// MsdLunConfig is the desired state of a single mass-storage LUN.
type MsdLunConfig struct {
	// File is the absolute path of the backing image, or "" to leave the
	// LUN disconnected (no medium present).
	File string
	// Removable marks the LUN as removable media. Defaults to true.
	Removable bool
	// CDROM exposes the LUN as a CD-ROM (read-only, TOC emulation) rather
	// than a disk.
	CDROM bool
	// RO forces read-only access regardless of CDROM.
	RO bool
	// Nofua disables FUA (force unit access) write semantics. Defaults to
	// true, matching the original appliance's default.
	Nofua bool
}

// DefaultMsdLunConfig returns the appliance's default LUN posture: an
// empty, removable, writable disk LUN.
func DefaultMsdLunConfig() MsdLunConfig {
	return MsdLunConfig{Removable: true, Nofua: true}
}

// MSDFunction is the mass-storage gadget function, consisting of a single
// LUN (lun.0) whose backing file can be reconfigured at runtime without
// recreating the gadget.
type MSDFunction struct {
	instance uint8
	name     string
	clock    clock.Clock
}

// NewMSDFunction creates a mass-storage function at the given instance
// number (the nth mass_storage.usbN ConfigFS directory).
func NewMSDFunction(instance uint8) *MSDFunction {
	return &MSDFunction{
		instance: instance,
		name:     fmt.Sprintf("mass_storage.usb%d", instance),
		clock:    clock.NewClock(),
	}
}

// DevicePath returns the expected kernel-created device node for the LUN
// once the gadget has bound.
func (f *MSDFunction) DevicePath() string {
	return fmt.Sprintf("/dev/sd%c", 'a'+f.instance)
}

func (f *MSDFunction) lunPath(gadgetPath string, lun int) string {
	return filepath.Join(functionPath(gadgetPath, f.name), "lun."+itoa(lun))
}

// Name implements Function.
func (f *MSDFunction) Name() string { return f.name }

// EndpointsRequired implements Function. Mass storage needs one bulk-IN
// and one bulk-OUT endpoint.
func (f *MSDFunction) EndpointsRequired() uint8 { return 2 }

// Meta implements Function.
func (f *MSDFunction) Meta() Meta {
	return Meta{
		Name:        f.name,
		Description: "Mass Storage",
		Endpoints:   f.EndpointsRequired(),
		Enabled:     true,
	}
}

// Create implements Function: it materializes the function directory and
// its default LUN 0 with a stowed/cleared backing file.
func (f *MSDFunction) Create(gadgetPath string) error {
	fp := functionPath(gadgetPath, f.name)
	if err := configfs.CreateDir(fp); err != nil {
		return err
	}
	lun0 := filepath.Join(fp, "lun.0")
	if err := configfs.CreateDir(lun0); err != nil {
		return err
	}
	return f.writeLunAttrs(lun0, DefaultMsdLunConfig(), nil)
}

// Link implements Function.
func (f *MSDFunction) Link(configPath, gadgetPath string) error {
	linkPath := filepath.Join(configPath, f.name)
	if configfs.Exists(linkPath) {
		return nil
	}
	return configfs.CreateSymlink(functionPath(gadgetPath, f.name), linkPath)
}

// Unlink implements Function.
func (f *MSDFunction) Unlink(configPath string) error {
	return configfs.RemoveFile(filepath.Join(configPath, f.name))
}

// Cleanup implements Function. It disconnects every LUN it might have
// created before removing the function directory, since ConfigFS refuses
// to rmdir a function with a mounted/busy LUN.
func (f *MSDFunction) Cleanup(gadgetPath string) error {
	fp := functionPath(gadgetPath, f.name)
	for lun := 0; lun < 8; lun++ {
		lp := filepath.Join(fp, "lun."+itoa(lun))
		if !configfs.Exists(lp) {
			continue
		}
		f.DisconnectLun(gadgetPath, lun)
		configfs.RemoveDir(lp)
	}
	return configfs.RemoveDir(fp)
}

// lunAttrs is a snapshot of a LUN's current ConfigFS attribute values.
type lunAttrs struct {
	file         string
	removable    string
	cdrom        string
	ro           string
	nofua        string
	forcedEject  bool // whether the forced_eject attribute exists at all
}

func (f *MSDFunction) readLunAttrs(lunPath string) lunAttrs {
	a := lunAttrs{}
	a.file, _ = configfs.ReadFile(filepath.Join(lunPath, "file"))
	a.removable, _ = configfs.ReadFile(filepath.Join(lunPath, "removable"))
	a.cdrom, _ = configfs.ReadFile(filepath.Join(lunPath, "cdrom"))
	a.ro, _ = configfs.ReadFile(filepath.Join(lunPath, "ro"))
	a.nofua, _ = configfs.ReadFile(filepath.Join(lunPath, "nofua"))
	a.forcedEject = configfs.Exists(filepath.Join(lunPath, "forced_eject"))
	return a
}

// writeLunAttrs writes every non-file attribute unconditionally (used on
// first creation, where "changed" has no meaning yet) or, when cur is
// non-nil, only those that actually differ from the current value.
func (f *MSDFunction) writeLunAttrs(lunPath string, cfg MsdLunConfig, cur *lunAttrs) error {
	want := map[string]string{
		"removable": boolAttr(cfg.Removable),
		"cdrom":     boolAttr(cfg.CDROM),
		"ro":        boolAttr(cfg.RO || cfg.CDROM),
		"nofua":     boolAttr(cfg.Nofua),
	}
	cdromChanged := false
	for attr, value := range want {
		if cur != nil {
			var curValue string
			switch attr {
			case "removable":
				curValue = cur.removable
			case "cdrom":
				curValue = cur.cdrom
			case "ro":
				curValue = cur.ro
			case "nofua":
				curValue = cur.nofua
			}
			if curValue == value {
				continue
			}
			if attr == "cdrom" {
				cdromChanged = true
			}
		}
		if err := configfs.WriteFile(filepath.Join(lunPath, attr), value); err != nil {
			return errutil.Wrapf(err, "failed to set %s on %s", attr, lunPath)
		}
	}
	if cdromChanged {
		f.clock.Sleep(detachSettle)
	}
	return nil
}

// ConfigureLun reconfigures a LUN's backing file and attributes following
// the detach-then-attach sequence the kernel's USB mass storage gadget
// driver requires: stow the current medium, settle, write the attributes
// that changed, then attach the new file with backoff on EBUSY (the host
// may still be closing its handle to the old medium).
func (f *MSDFunction) ConfigureLun(gadgetPath string, lun int, cfg MsdLunConfig) error {
	lunPath := f.lunPath(gadgetPath, lun)
	if !configfs.Exists(lunPath) {
		if err := configfs.CreateDir(lunPath); err != nil {
			return err
		}
	}

	cur := f.readLunAttrs(lunPath)

	if cur.file != "" {
		if err := f.detach(lunPath, cur); err != nil {
			return err
		}
		cur.file = ""
	}

	if err := f.writeLunAttrs(lunPath, cfg, &cur); err != nil {
		return err
	}

	if cfg.File == "" {
		return nil
	}
	return f.attachFile(lunPath, cfg.File)
}

// detach clears the current backing file, preferring forced_eject (an
// atomic eject the kernel exposes on newer gadget drivers) over writing
// an empty file path.
func (f *MSDFunction) detach(lunPath string, cur lunAttrs) error {
	if cur.forcedEject {
		if err := configfs.WriteFile(filepath.Join(lunPath, "forced_eject"), "1"); err != nil {
			return errutil.Wrapf(err, "failed to force-eject %s", lunPath)
		}
	} else {
		if err := configfs.WriteFile(filepath.Join(lunPath, "file"), ""); err != nil {
			return errutil.Wrapf(err, "failed to clear file on %s", lunPath)
		}
	}
	f.clock.Sleep(detachSettle)
	return nil
}

// attachFile writes the new backing file path, retrying on EBUSY with
// exponential backoff: the host's SCSI layer may hold the previous
// backing file open for a brief window after eject.
func (f *MSDFunction) attachFile(lunPath, file string) error {
	if _, err := os.Stat(file); err != nil {
		return errutil.Wrapf(err, "backing file %s does not exist", file)
	}

	attrPath := filepath.Join(lunPath, "file")
	var lastErr error
	for attempt := 0; attempt <= len(msdWriteBackoff); attempt++ {
		err := configfs.WriteFile(attrPath, file)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isEBUSY(err) || attempt == len(msdWriteBackoff) {
			break
		}
		f.clock.Sleep(msdWriteBackoff[attempt])
	}
	return errutil.Wrapf(lastErr, "failed to attach %s to %s after retries", file, lunPath)
}

// DisconnectLun clears a LUN's backing file, preferring forced_eject when
// available.
func (f *MSDFunction) DisconnectLun(gadgetPath string, lun int) error {
	lunPath := f.lunPath(gadgetPath, lun)
	if !configfs.Exists(lunPath) {
		return nil
	}
	cur := f.readLunAttrs(lunPath)
	if cur.file == "" {
		return nil
	}
	return f.detach(lunPath, cur)
}

func isEBUSY(err error) bool {
	return strings.Contains(err.Error(), syscall.EBUSY.Error())
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
