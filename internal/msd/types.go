// Package msd holds the data types shared between the image catalog and
// the mass-storage controller: operating mode, image metadata, drive
// info, and download progress reporting.
package msd

import (
	"fmt"
	"time"
)

// Mode is the mass-storage function's current backing source.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeImage Mode = "image"
	ModeDrive Mode = "drive"
)

// ImageInfo describes one file in the image catalog.
type ImageInfo struct {
	ID        string
	Name      string
	Path      string
	Size      int64
	CreatedAt time.Time
}

// SizeDisplay formats Size as a human-readable string, matching the
// catalog's own display convention.
func (i ImageInfo) SizeDisplay() string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case i.Size >= gb:
		return fmt.Sprintf("%.2f GB", float64(i.Size)/gb)
	case i.Size >= mb:
		return fmt.Sprintf("%.2f MB", float64(i.Size)/mb)
	case i.Size >= kb:
		return fmt.Sprintf("%.2f KB", float64(i.Size)/kb)
	default:
		return fmt.Sprintf("%d B", i.Size)
	}
}

// DriveInfo describes the virtual Ventoy drive backing the drive mode.
type DriveInfo struct {
	Size        int64
	Used        int64
	Free        int64
	Initialized bool
	Path        string
}

// State is a point-in-time snapshot of the controller's status.
type State struct {
	Available    bool
	Mode         Mode
	Connected    bool
	CurrentImage *ImageInfo
	DriveInfo    *DriveInfo
}

// DownloadStatus is the lifecycle stage of an in-flight image download.
type DownloadStatus string

const (
	DownloadStarted    DownloadStatus = "started"
	DownloadInProgress DownloadStatus = "in_progress"
	DownloadCompleted  DownloadStatus = "completed"
	DownloadFailed     DownloadStatus = "failed"
)

// DownloadProgress is published as a download advances.
type DownloadProgress struct {
	DownloadID      string
	URL             string
	Filename        string
	BytesDownloaded int64
	TotalBytes      int64
	HasTotalBytes   bool
	ProgressPct     float32
	HasProgressPct  bool
	Status          DownloadStatus
	Error           string
}
