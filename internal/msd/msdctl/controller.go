// Package msdctl drives the mass-storage gadget lifecycle: mounting an
// image or the virtual Ventoy drive onto the single exposed LUN,
// disconnecting it, downloading new images, and reporting health.
package msdctl

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
	"github.com/mofeng-git/One-KVM-sub001/internal/eventbus"
	"github.com/mofeng-git/One-KVM-sub001/internal/msd"
	"github.com/mofeng-git/One-KVM-sub001/internal/msd/msdhealth"
	"github.com/mofeng-git/One-KVM-sub001/internal/otg/function"
	"github.com/mofeng-git/One-KVM-sub001/internal/otg/otgservice"
)

// lun is the single LUN this controller configures; the gadget only ever
// exposes one mass-storage LUN.
const lun = 0

// Controller owns the mass-storage function's runtime state: whether an
// image or the virtual drive is attached, pending downloads, and health.
type Controller struct {
	otg *otgservice.Service

	imagesPath string
	ventoyDir  string
	drivePath  string

	catalog *msd.Catalog
	monitor *msdhealth.Monitor

	stateMu sync.RWMutex
	state   msd.State

	msdFuncMu sync.RWMutex
	msdFunc   *function.MSDFunction

	busMu sync.RWMutex
	bus   *eventbus.Bus

	downloadsMu   sync.Mutex
	downloads     map[string]context.CancelFunc
	downloadGroup errgroup.Group

	// operationMu serializes ConnectImage/ConnectDrive/Disconnect so two
	// callers can never race on the single LUN.
	operationMu sync.Mutex

	log *log.Logger
}

// New creates a controller rooted at msdDir, which gets "images",
// "ventoy", and "ventoy/ventoy.img" subpaths for the catalog, Ventoy
// working directory, and virtual drive file respectively.
func New(otg *otgservice.Service, msdDir string) *Controller {
	imagesPath := filepath.Join(msdDir, "images")
	ventoyDir := filepath.Join(msdDir, "ventoy")
	drivePath := filepath.Join(ventoyDir, "ventoy.img")
	return &Controller{
		otg:        otg,
		imagesPath: imagesPath,
		ventoyDir:  ventoyDir,
		drivePath:  drivePath,
		catalog:    msd.NewCatalog(imagesPath),
		monitor:    msdhealth.WithDefaults(),
		downloads:  make(map[string]context.CancelFunc),
		log:        log.New(os.Stderr, "msdctl: ", log.LstdFlags),
	}
}

// Init creates the storage directories, requests the mass-storage
// function from the OTG service, and picks up any existing virtual
// drive file left over from a prior run.
func (c *Controller) Init() error {
	c.log.Printf("initializing MSD controller")

	if err := os.MkdirAll(c.imagesPath, 0755); err != nil {
		c.log.Printf("failed to create images directory: %v", err)
	}
	if err := os.MkdirAll(c.ventoyDir, 0755); err != nil {
		c.log.Printf("failed to create ventoy directory: %v", err)
	}

	c.log.Printf("requesting MSD function from OTG service")
	msdFunc, err := c.otg.EnableMSD()
	if err != nil {
		return errutil.Wrap(err, "enable MSD function failed")
	}
	c.msdFuncMu.Lock()
	c.msdFunc = msdFunc
	c.msdFuncMu.Unlock()

	c.stateMu.Lock()
	c.state.Available = true
	if st, err := os.Stat(c.drivePath); err == nil {
		c.state.DriveInfo = &msd.DriveInfo{
			Size:        st.Size(),
			Free:        st.Size(),
			Initialized: true,
			Path:        c.drivePath,
		}
		c.log.Printf("found existing virtual drive: %s", c.drivePath)
	}
	c.stateMu.Unlock()

	c.log.Printf("MSD controller initialized")
	return nil
}

// SetEventBus attaches bus for state-change and health notifications.
func (c *Controller) SetEventBus(bus *eventbus.Bus) {
	c.busMu.Lock()
	c.bus = bus
	c.busMu.Unlock()
	c.monitor.SetEventBus(bus)
}

func (c *Controller) publish(ev eventbus.Event) {
	c.busMu.RLock()
	bus := c.bus
	c.busMu.RUnlock()
	if bus != nil {
		bus.Publish(ev)
	}
}

// State returns a snapshot of the controller's current state.
func (c *Controller) State() msd.State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	st := c.state
	if st.Mode == "" {
		st.Mode = msd.ModeNone
	}
	return st
}

// IsAvailable reports whether the MSD function is ready for use.
func (c *Controller) IsAvailable() bool {
	return c.State().Available
}

// IsConnected reports whether storage is currently attached.
func (c *Controller) IsConnected() bool {
	return c.State().Connected
}

// Mode returns the controller's current mode.
func (c *Controller) Mode() msd.Mode {
	return c.State().Mode
}

// Catalog returns the image catalog backing this controller.
func (c *Controller) Catalog() *msd.Catalog { return c.catalog }

// Monitor returns the health monitor backing this controller.
func (c *Controller) Monitor() *msdhealth.Monitor { return c.monitor }

// HealthStatus returns the current health reading.
func (c *Controller) HealthStatus() msdhealth.Status { return c.monitor.Status() }

// IsHealthy reports whether the monitor is currently healthy.
func (c *Controller) IsHealthy() bool { return c.monitor.IsHealthy() }

// ImagesPath returns the catalog's storage directory.
func (c *Controller) ImagesPath() string { return c.imagesPath }

// VentoyDir returns the Ventoy working directory.
func (c *Controller) VentoyDir() string { return c.ventoyDir }

// DrivePath returns the virtual drive's file path.
func (c *Controller) DrivePath() string { return c.drivePath }

// UpdateDriveInfo replaces the controller's cached virtual-drive info,
// e.g. after a Ventoy image write changes used/free space.
func (c *Controller) UpdateDriveInfo(info msd.DriveInfo) {
	c.stateMu.Lock()
	c.state.DriveInfo = &info
	c.stateMu.Unlock()
}

func (c *Controller) msdFunction() *function.MSDFunction {
	c.msdFuncMu.RLock()
	defer c.msdFuncMu.RUnlock()
	return c.msdFunc
}

// ConnectImage mounts image onto the LUN, as a CD-ROM if cdrom is set,
// otherwise as a disk (read-only if readOnly is set).
func (c *Controller) ConnectImage(image msd.ImageInfo, cdrom, readOnly bool) error {
	c.operationMu.Lock()
	defer c.operationMu.Unlock()

	c.stateMu.Lock()
	if !c.state.Available {
		c.stateMu.Unlock()
		c.monitor.ReportError("MSD not available", "not_available")
		return errutil.New("msd: not available")
	}
	if c.state.Connected {
		c.stateMu.Unlock()
		return errutil.New("msd: already connected, disconnect first")
	}
	c.stateMu.Unlock()

	if _, err := os.Stat(image.Path); err != nil {
		msgErr := errutil.Errorf("msd: image file not found: %s", image.Path)
		c.monitor.ReportError(msgErr.Error(), "image_not_found")
		return msgErr
	}

	cfg := function.DefaultMsdLunConfig()
	cfg.File = image.Path
	cfg.CDROM = cdrom
	cfg.RO = readOnly

	msdFunc := c.msdFunction()
	if msdFunc == nil {
		c.monitor.ReportError("MSD function not initialized", "not_initialized")
		return errutil.New("msd: function not initialized")
	}
	gadgetPath := c.otg.GadgetPath()
	if err := msdFunc.ConfigureLun(gadgetPath, lun, cfg); err != nil {
		msgErr := errutil.Wrap(err, "configure LUN failed")
		c.monitor.ReportError(msgErr.Error(), "configfs_error")
		return msgErr
	}

	c.stateMu.Lock()
	c.state.Connected = true
	c.state.Mode = msd.ModeImage
	imgCopy := image
	c.state.CurrentImage = &imgCopy
	c.stateMu.Unlock()

	c.log.Printf("connected image: %s (cdrom=%v, ro=%v)", image.Name, cdrom, readOnly)

	if c.monitor.IsError() {
		c.monitor.ReportRecovered()
	}

	c.publish(eventbus.Event{
		Kind:      eventbus.KindMsdImageMounted,
		ImageID:   image.ID,
		ImageName: image.Name,
		ImageSize: image.Size,
		CDROM:     cdrom,
	})
	c.publish(eventbus.Event{
		Kind:         eventbus.KindMsdStateChanged,
		MsdMode:      eventbus.MsdModeImage,
		MsdConnected: true,
	})
	return nil
}

// ConnectDrive mounts the virtual Ventoy drive onto the LUN as a
// read-write disk.
func (c *Controller) ConnectDrive() error {
	c.operationMu.Lock()
	defer c.operationMu.Unlock()

	c.stateMu.Lock()
	if !c.state.Available {
		c.stateMu.Unlock()
		c.monitor.ReportError("MSD not available", "not_available")
		return errutil.New("msd: not available")
	}
	if c.state.Connected {
		c.stateMu.Unlock()
		return errutil.New("msd: already connected, disconnect first")
	}
	c.stateMu.Unlock()

	if _, err := os.Stat(c.drivePath); err != nil {
		c.monitor.ReportError("Virtual drive not initialized", "drive_not_found")
		return errutil.New("msd: virtual drive not initialized, create it first")
	}

	cfg := function.DefaultMsdLunConfig()
	cfg.File = c.drivePath
	cfg.RO = false

	msdFunc := c.msdFunction()
	if msdFunc == nil {
		c.monitor.ReportError("MSD function not initialized", "not_initialized")
		return errutil.New("msd: function not initialized")
	}
	gadgetPath := c.otg.GadgetPath()
	if err := msdFunc.ConfigureLun(gadgetPath, lun, cfg); err != nil {
		msgErr := errutil.Wrap(err, "configure LUN failed")
		c.monitor.ReportError(msgErr.Error(), "configfs_error")
		return msgErr
	}

	c.stateMu.Lock()
	c.state.Connected = true
	c.state.Mode = msd.ModeDrive
	c.state.CurrentImage = nil
	c.stateMu.Unlock()

	c.log.Printf("connected virtual drive: %s", c.drivePath)

	if c.monitor.IsError() {
		c.monitor.ReportRecovered()
	}

	c.publish(eventbus.Event{
		Kind:         eventbus.KindMsdStateChanged,
		MsdMode:      eventbus.MsdModeDrive,
		MsdConnected: true,
	})
	return nil
}

// Disconnect clears the LUN. A no-op if nothing is currently connected.
func (c *Controller) Disconnect() error {
	c.operationMu.Lock()
	defer c.operationMu.Unlock()

	c.stateMu.Lock()
	if !c.state.Connected {
		c.stateMu.Unlock()
		return nil
	}
	c.stateMu.Unlock()

	if msdFunc := c.msdFunction(); msdFunc != nil {
		if err := msdFunc.DisconnectLun(c.otg.GadgetPath(), lun); err != nil {
			return err
		}
	}

	c.stateMu.Lock()
	c.state.Connected = false
	c.state.Mode = msd.ModeNone
	c.state.CurrentImage = nil
	c.stateMu.Unlock()

	c.log.Printf("disconnected storage")

	c.publish(eventbus.Event{Kind: eventbus.KindMsdImageUnmounted})
	c.publish(eventbus.Event{
		Kind:         eventbus.KindMsdStateChanged,
		MsdMode:      eventbus.MsdModeNone,
		MsdConnected: false,
	})
	return nil
}

// DownloadImage starts a background download of url into the image
// catalog, returning a tracking ID immediately. Progress and completion
// are reported exclusively via MsdDownloadProgress events; cancel with
// CancelDownload.
func (c *Controller) DownloadImage(url, filename string) msd.DownloadProgress {
	downloadID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	c.downloadsMu.Lock()
	c.downloads[downloadID] = cancel
	c.downloadsMu.Unlock()

	displayFilename := filename
	if displayFilename == "" {
		displayFilename = filepath.Base(url)
	}

	initial := msd.DownloadProgress{
		DownloadID: downloadID,
		URL:        url,
		Filename:   displayFilename,
		Status:     msd.DownloadStarted,
	}
	c.publish(eventbus.Event{
		Kind:     eventbus.KindMsdDownloadProgress,
		URL:      url,
		Filename: displayFilename,
		Status:   string(msd.DownloadStarted),
	})

	c.downloadGroup.Go(func() error {
		defer func() {
			c.downloadsMu.Lock()
			delete(c.downloads, downloadID)
			c.downloadsMu.Unlock()
		}()

		progress := func(downloaded, total int64, hasTotal bool) {
			c.publish(eventbus.Event{
				Kind:            eventbus.KindMsdDownloadProgress,
				DownloadID:      downloadID,
				URL:             url,
				Filename:        displayFilename,
				BytesDownloaded: downloaded,
				TotalBytes:      total,
				HasTotalBytes:   hasTotal,
				ProgressPct:     progressPct(downloaded, total, hasTotal),
				Status:          string(msd.DownloadInProgress),
			})
		}

		info, err := c.catalog.DownloadFromURL(ctx, url, filename, progress)
		if err != nil {
			c.log.Printf("download failed: %v", err)
			c.publish(eventbus.Event{
				Kind:     eventbus.KindMsdDownloadProgress,
				URL:      url,
				Filename: displayFilename,
				Status:   "failed: " + err.Error(),
			})
			return nil
		}
		c.publish(eventbus.Event{
			Kind:            eventbus.KindMsdDownloadProgress,
			DownloadID:      downloadID,
			URL:             url,
			Filename:        info.Name,
			BytesDownloaded: info.Size,
			TotalBytes:      info.Size,
			HasTotalBytes:   true,
			ProgressPct:     100,
			Status:          string(msd.DownloadCompleted),
		})
		return nil
	})

	return initial
}

func progressPct(downloaded, total int64, hasTotal bool) float32 {
	if !hasTotal || total == 0 {
		return 0
	}
	return float32(downloaded) / float32(total) * 100
}

// CancelDownload cancels an in-flight download by ID.
func (c *Controller) CancelDownload(downloadID string) error {
	c.downloadsMu.Lock()
	cancel, ok := c.downloads[downloadID]
	if ok {
		delete(c.downloads, downloadID)
	}
	c.downloadsMu.Unlock()
	if !ok {
		return errutil.Errorf("msd: download not found: %s", downloadID)
	}
	cancel()
	c.log.Printf("download cancelled: %s", downloadID)
	return nil
}

// ActiveDownloads returns the IDs of all currently running downloads.
func (c *Controller) ActiveDownloads() []string {
	c.downloadsMu.Lock()
	defer c.downloadsMu.Unlock()
	ids := make([]string, 0, len(c.downloads))
	for id := range c.downloads {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown disconnects any attached storage and releases the
// mass-storage function back to the OTG service.
func (c *Controller) Shutdown() error {
	c.log.Printf("shutting down MSD controller")

	if err := c.Disconnect(); err != nil {
		c.log.Printf("error disconnecting during shutdown: %v", err)
	}

	c.downloadsMu.Lock()
	for id, cancel := range c.downloads {
		c.log.Printf("cancelling download %s for shutdown", id)
		cancel()
	}
	c.downloadsMu.Unlock()
	if err := c.downloadGroup.Wait(); err != nil {
		c.log.Printf("download goroutine returned error during shutdown: %v", err)
	}

	c.log.Printf("disabling MSD function in OTG service")
	if err := c.otg.DisableMSD(); err != nil {
		return err
	}

	c.msdFuncMu.Lock()
	c.msdFunc = nil
	c.msdFuncMu.Unlock()

	c.stateMu.Lock()
	c.state.Available = false
	c.stateMu.Unlock()

	c.log.Printf("MSD controller shutdown complete")
	return nil
}
