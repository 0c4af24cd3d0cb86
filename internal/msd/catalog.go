package msd

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
)

// MaxImageSize is the largest image file the catalog will accept, either
// written directly or pulled from a URL.
const MaxImageSize = 32 * 1024 * 1024 * 1024

const (
	progressThrottleInterval = 200 * time.Millisecond
	progressThrottleBytes    = 512 * 1024
)

// Catalog manages the directory of ISO/IMG files available to mount as
// mass-storage images.
type Catalog struct {
	imagesPath string
}

// NewCatalog creates a catalog rooted at imagesPath.
func NewCatalog(imagesPath string) *Catalog {
	return &Catalog{imagesPath: imagesPath}
}

// ImagesPath returns the catalog's storage directory.
func (c *Catalog) ImagesPath() string { return c.imagesPath }

// EnsureDir creates the images directory if it does not already exist.
func (c *Catalog) EnsureDir() error {
	if err := os.MkdirAll(c.imagesPath, 0755); err != nil {
		return errutil.Wrap(err, "create images directory failed")
	}
	return nil
}

// List returns every image file in the catalog, newest first.
func (c *Catalog) List() ([]ImageInfo, error) {
	if err := c.EnsureDir(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(c.imagesPath)
	if err != nil {
		return nil, errutil.Wrap(err, "read images directory failed")
	}

	var images []ImageInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if info, ok := c.imageInfo(entry.Name()); ok {
			images = append(images, info)
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].CreatedAt.After(images[j].CreatedAt) })
	return images, nil
}

func (c *Catalog) imageInfo(name string) (ImageInfo, bool) {
	path := filepath.Join(c.imagesPath, name)
	st, err := os.Stat(path)
	if err != nil {
		return ImageInfo{}, false
	}
	return ImageInfo{
		ID:        stableID(name),
		Name:      name,
		Path:      path,
		Size:      st.Size(),
		CreatedAt: st.ModTime(),
	}, true
}

// stableID derives an ID from the filename alone so it survives
// restarts without a persisted side table.
func stableID(name string) string {
	var hash uint64
	for i, b := range []byte(name) {
		hash = hash + uint64(b)*(uint64(i)+1)
		hash *= 31
	}
	return strconv.FormatUint(hash, 16)
}

// Get looks up an image by its catalog ID.
func (c *Catalog) Get(id string) (ImageInfo, error) {
	images, err := c.List()
	if err != nil {
		return ImageInfo{}, err
	}
	for _, img := range images {
		if img.ID == id {
			return img, nil
		}
	}
	return ImageInfo{}, errutil.Errorf("msd: image not found: %s", id)
}

// GetByName looks up an image by filename.
func (c *Catalog) GetByName(name string) (ImageInfo, error) {
	info, ok := c.imageInfo(name)
	if !ok {
		return ImageInfo{}, errutil.Errorf("msd: image not found: %s", name)
	}
	return info, nil
}

// Create writes data as a new catalog entry named name.
func (c *Catalog) Create(name string, data []byte) (ImageInfo, error) {
	if err := c.EnsureDir(); err != nil {
		return ImageInfo{}, err
	}
	name = sanitizeFilename(name)
	if name == "" {
		return ImageInfo{}, errutil.New("msd: invalid filename")
	}
	if int64(len(data)) > MaxImageSize {
		return ImageInfo{}, errutil.Errorf("msd: image too large, maximum is %d bytes", MaxImageSize)
	}

	path := filepath.Join(c.imagesPath, name)
	if _, err := os.Stat(path); err == nil {
		return ImageInfo{}, errutil.Errorf("msd: image already exists: %s", name)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return ImageInfo{}, errutil.Wrap(err, "write image data failed")
	}
	return c.GetByName(name)
}

// CreateFromReader streams r's content into a new catalog entry named
// name, never buffering the whole image in memory.
func (c *Catalog) CreateFromReader(name string, r io.Reader, expectedSize int64) (ImageInfo, error) {
	if err := c.EnsureDir(); err != nil {
		return ImageInfo{}, err
	}
	name = sanitizeFilename(name)
	if name == "" {
		return ImageInfo{}, errutil.New("msd: invalid filename")
	}
	if expectedSize > 0 && expectedSize > MaxImageSize {
		return ImageInfo{}, errutil.Errorf("msd: image too large, maximum is %d bytes", MaxImageSize)
	}

	path := filepath.Join(c.imagesPath, name)
	if _, err := os.Stat(path); err == nil {
		return ImageInfo{}, errutil.Errorf("msd: image already exists: %s", name)
	}

	f, err := os.Create(path)
	if err != nil {
		return ImageInfo{}, errutil.Wrap(err, "create image file failed")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return ImageInfo{}, errutil.Wrap(err, "write image data failed")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return ImageInfo{}, errutil.Wrap(err, "close image file failed")
	}
	return c.GetByName(name)
}

// Delete removes the image identified by id.
func (c *Catalog) Delete(id string) error {
	img, err := c.Get(id)
	if err != nil {
		return err
	}
	if err := os.Remove(img.Path); err != nil {
		return errutil.Wrap(err, "delete image failed")
	}
	return nil
}

// DeleteByName removes the image at name.
func (c *Catalog) DeleteByName(name string) error {
	path := filepath.Join(c.imagesPath, name)
	if _, err := os.Stat(path); err != nil {
		return errutil.Errorf("msd: image not found: %s", name)
	}
	if err := os.Remove(path); err != nil {
		return errutil.Wrap(err, "delete image failed")
	}
	return nil
}

// UsedSpace sums the size of every image currently in the catalog.
func (c *Catalog) UsedSpace() int64 {
	images, err := c.List()
	if err != nil {
		return 0
	}
	var total int64
	for _, img := range images {
		total += img.Size
	}
	return total
}

// HasSpace reports whether a file of the given size is within the
// catalog's size ceiling.
func (c *Catalog) HasSpace(size int64) bool {
	return size <= MaxImageSize
}

// ProgressFunc is called as a download advances: downloaded bytes so
// far and total bytes if known from a Content-Length header.
type ProgressFunc func(downloaded int64, total int64, hasTotal bool)

// DownloadFromURL fetches url into the catalog, reporting progress via
// progress (throttled to once per progressThrottleInterval or every
// progressThrottleBytes, whichever comes first) and honoring ctx
// cancellation mid-transfer.
func (c *Catalog) DownloadFromURL(ctx context.Context, rawURL string, filename string, progress ProgressFunc) (ImageInfo, error) {
	if err := c.EnsureDir(); err != nil {
		return ImageInfo{}, err
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ImageInfo{}, errutil.Wrapf(err, "invalid URL %q", rawURL)
	}

	client := &http.Client{Timeout: time.Hour}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ImageInfo{}, errutil.Wrap(err, "build download request failed")
	}
	resp, err := client.Do(req)
	if err != nil {
		return ImageInfo{}, errutil.Wrapf(err, "download from %s failed", rawURL)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ImageInfo{}, errutil.Errorf("msd: download failed: HTTP %d", resp.StatusCode)
	}

	contentLength, hasContentLength := int64(-1), false
	if resp.ContentLength >= 0 {
		contentLength, hasContentLength = resp.ContentLength, true
		if contentLength > MaxImageSize {
			return ImageInfo{}, errutil.Errorf("msd: file too large: %d bytes (max %d)", contentLength, MaxImageSize)
		}
	}

	finalName := filename
	if finalName == "" {
		finalName = extractFilenameFromContentDisposition(resp.Header.Get("Content-Disposition"))
	}
	if finalName == "" {
		base := parsed.Path
		if i := strings.LastIndexByte(base, '/'); i >= 0 {
			base = base[i+1:]
		}
		finalName = base
	}
	finalName = sanitizeFilename(finalName)
	if finalName == "" {
		finalName = "download"
	}

	finalPath := filepath.Join(c.imagesPath, finalName)
	if _, err := os.Stat(finalPath); err == nil {
		return ImageInfo{}, errutil.Errorf("msd: image already exists: %s", finalName)
	}

	tempPath := filepath.Join(c.imagesPath, ".download_"+uuid.New().String())
	f, err := os.Create(tempPath)
	if err != nil {
		return ImageInfo{}, errutil.Wrap(err, "create temp file failed")
	}

	var downloaded int64
	lastReportTime := time.Now()
	var lastReportedBytes int64
	buf := make([]byte, 256*1024)

	if progress != nil {
		progress(0, contentLength, hasContentLength)
	}

	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				f.Close()
				os.Remove(tempPath)
				return ImageInfo{}, errutil.Wrap(writeErr, "write download data failed")
			}
			downloaded += int64(n)
			if downloaded > MaxImageSize {
				f.Close()
				os.Remove(tempPath)
				return ImageInfo{}, errutil.Errorf("msd: download exceeded maximum size %d bytes", MaxImageSize)
			}

			now := time.Now()
			if progress != nil && (now.Sub(lastReportTime) >= progressThrottleInterval || downloaded-lastReportedBytes >= progressThrottleBytes) {
				progress(downloaded, contentLength, hasContentLength)
				lastReportTime = now
				lastReportedBytes = downloaded
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			f.Close()
			os.Remove(tempPath)
			return ImageInfo{}, errutil.Wrap(readErr, "download read failed")
		}
		select {
		case <-ctx.Done():
			f.Close()
			os.Remove(tempPath)
			return ImageInfo{}, errutil.Wrap(ctx.Err(), "download cancelled")
		default:
		}
	}

	if progress != nil && downloaded != lastReportedBytes {
		progress(downloaded, contentLength, hasContentLength)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return ImageInfo{}, errutil.Wrap(err, "close temp file failed")
	}
	if hasContentLength && downloaded != contentLength {
		os.Remove(tempPath)
		return ImageInfo{}, errutil.Errorf("msd: download incomplete: got %d bytes, expected %d", downloaded, contentLength)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return ImageInfo{}, errutil.Wrap(err, "move downloaded file failed")
	}
	return c.GetByName(finalName)
}

func sanitizeFilename(name string) string {
	name = strings.TrimSpace(name)
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", "\x00", "_", ":", "_",
		"*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	name = replacer.Replace(name)
	name = strings.TrimLeft(name, ".")
	if len(name) > 255 {
		name = name[:255]
	}
	return name
}

func extractFilenameFromContentDisposition(header string) string {
	if header == "" {
		return ""
	}
	if idx := strings.Index(header, "filename*="); idx >= 0 {
		value := header[idx+len("filename*="):]
		if q := strings.Index(value, "''"); q >= 0 {
			encoded := strings.SplitN(value[q+2:], ";", 2)[0]
			if decoded, err := url.QueryUnescape(strings.TrimSpace(encoded)); err == nil {
				if name := strings.Trim(decoded, `"`); name != "" {
					return name
				}
			}
		}
	}
	if idx := strings.Index(header, "filename="); idx >= 0 {
		value := header[idx+len("filename="):]
		name := strings.TrimSpace(strings.SplitN(value, ";", 2)[0])
		name = strings.Trim(name, `"`)
		if name != "" {
			return name
		}
	}
	return ""
}
