package eventbus

import "time"

// Kind identifies which SystemEvent variant an Event carries. Event is a
// flat struct rather than a Go sum type (Go has no tagged unions); Kind
// tells subscribers which of the optional fields below are meaningful.
type Kind string

const (
	KindStreamStateChanged   Kind = "stream_state_changed"
	KindStreamModeReady      Kind = "stream_mode_ready"
	KindStreamConfigApplied  Kind = "stream_config_applied"
	KindHidStateChanged      Kind = "hid_state_changed"
	KindMsdStateChanged      Kind = "msd_state_changed"
	KindMsdImageMounted      Kind = "msd_image_mounted"
	KindMsdImageUnmounted    Kind = "msd_image_unmounted"
	KindMsdDownloadProgress  Kind = "msd_download_progress"
	KindMsdError             Kind = "msd_error"
	KindMsdRecovered         Kind = "msd_recovered"
	KindAtxStateChanged      Kind = "atx_state_changed"
	KindAudioStateChanged    Kind = "audio_state_changed"
	KindDeviceInfo           Kind = "device_info"
	KindSystemError          Kind = "system_error"
)

// MsdMode mirrors the mass-storage controller's current backing mode.
type MsdMode string

const (
	MsdModeNone  MsdMode = "none"
	MsdModeImage MsdMode = "image"
	MsdModeDrive MsdMode = "drive"
)

// Event is a single notification broadcast on the bus. Timestamp is set
// by Bus.Publish, not by the caller, so ordering across subscribers is
// consistent.
type Event struct {
	Kind      Kind
	Timestamp time.Time

	// StreamStateChanged / StreamModeReady / StreamConfigApplied
	StreamState string
	Device      string

	// HidStateChanged
	HIDEnabled bool

	// MsdStateChanged
	MsdMode      MsdMode
	MsdConnected bool

	// MsdImageMounted
	ImageID   string
	ImageName string
	ImageSize int64
	CDROM     bool

	// MsdDownloadProgress
	DownloadID      string
	URL             string
	Filename        string
	BytesDownloaded int64
	TotalBytes      int64
	HasTotalBytes   bool
	ProgressPct     float32
	Status          string

	// MsdError / MsdRecovered / SystemError
	Module   string
	Severity string
	Message  string
}
