package ventoy

import (
	"io"
	"os"

	"github.com/mofeng-git/One-KVM-sub001/internal/errutil"
	"github.com/mofeng-git/One-KVM-sub001/internal/exfat"
)

// Image is a Ventoy-format disk image: an MBR with a bootable exFAT data
// partition and a trailing EFI System partition. Every file operation
// opens its own handle on Path and lets it go out of scope again —
// deliberately not a long-lived handle, so the appliance's own
// read-write locking lives one layer up, in the controller that owns
// concurrent access to the underlying device.
type Image struct {
	Path   string
	Layout Layout
}

// Create builds a brand-new Ventoy image file at path: sizeStr like "8G"
// or "1024M", label is the exFAT volume label.
func Create(path, sizeStr, label string) (*Image, error) {
	size, err := ParseSize(sizeStr)
	if err != nil {
		return nil, err
	}
	layout, err := CalculateLayout(size)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errutil.Wrapf(err, "create %s failed", path)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return nil, errutil.Wrap(err, "truncate to final size failed")
	}

	if err := writeBootCode(f); err != nil {
		return nil, err
	}
	if err := WriteMBRPartitionTable(f, layout); err != nil {
		return nil, err
	}
	if err := WriteVentoySignature(f); err != nil {
		return nil, err
	}
	if err := writeEFIPartition(f, layout); err != nil {
		return nil, err
	}
	if err := exfat.Format(f, layout.DataOffset(), layout.DataSize(), exfat.FormatOptions{Label: label}); err != nil {
		return nil, errutil.Wrap(err, "format data partition failed")
	}

	return &Image{Path: path, Layout: layout}, nil
}

// Open opens an existing Ventoy image, verifying its signature and
// re-deriving the partition layout from the file size.
func Open(path string) (*Image, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errutil.Wrapf(err, "open %s failed", path)
	}
	defer f.Close()

	ok, err := verifyVentoySignature(f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errutil.Errorf("ventoy: %s does not carry a Ventoy signature", path)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, errutil.Wrap(err, "stat failed")
	}
	layout, err := CalculateLayout(uint64(info.Size()))
	if err != nil {
		return nil, err
	}
	return &Image{Path: path, Layout: layout}, nil
}

func writeBootCode(f *os.File) error {
	bootImg, err := getBootImg()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(bootImg[:440], 0); err != nil {
		return errutil.Wrap(err, "write MBR boot code failed")
	}

	coreImg, err := getCoreImg()
	if err != nil {
		return err
	}
	maxSize := 2047 * sectorSize
	writeSize := len(coreImg)
	if writeSize > maxSize {
		writeSize = maxSize
	}
	if _, err := f.WriteAt(coreImg[:writeSize], sectorSize); err != nil {
		return errutil.Wrap(err, "write core image failed")
	}
	return nil
}

func writeEFIPartition(f *os.File, layout Layout) error {
	efiImg, err := getVentoyDiskImg()
	if err != nil {
		return err
	}
	maxSize := int(layout.EFISizeSectors) * sectorSize
	writeSize := len(efiImg)
	if writeSize > maxSize {
		writeSize = maxSize
	}
	if _, err := f.WriteAt(efiImg[:writeSize], layout.EFIOffset()); err != nil {
		return errutil.Wrap(err, "write EFI partition payload failed")
	}
	return nil
}

// openFS opens a fresh handle on the image and the exFAT filesystem over
// its data partition.
func (img *Image) openFS() (*os.File, *exfat.FS, error) {
	f, err := os.OpenFile(img.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, nil, errutil.Wrapf(err, "open %s failed", img.Path)
	}
	fs, err := exfat.Open(f, img.Layout.DataOffset())
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, fs, nil
}

// ListFiles lists the entries directly under the data partition's root
// directory.
func (img *Image) ListFiles() ([]string, error) {
	f, fs, err := img.openFS()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return fs.List(fs.RootCluster())
}

// ListFilesAt lists the entries directly under the directory at path.
func (img *Image) ListFilesAt(path string) ([]string, error) {
	f, fs, err := img.openFS()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	resolved, err := fs.Resolve(path, false)
	if err != nil {
		return nil, err
	}
	if resolved.Entry == nil || !resolved.Entry.IsDir {
		return nil, errutil.Errorf("ventoy: %s is not a directory", path)
	}
	return fs.List(resolved.Entry.FirstCluster)
}

// CreateDirectory creates a directory at path inside the data partition.
func (img *Image) CreateDirectory(path string, createParents bool) error {
	f, fs, err := img.openFS()
	if err != nil {
		return err
	}
	defer f.Close()

	resolved, err := fs.Resolve(path, createParents)
	if err != nil {
		return err
	}
	if resolved.Entry != nil {
		if !resolved.Entry.IsDir {
			return errutil.Errorf("ventoy: %s already exists and is not a directory", path)
		}
		return nil // already exists; mkdir -p semantics
	}
	_, err = fs.CreateDirectory(resolved.ParentCluster, resolved.Name)
	return err
}

// AddFile copies the local file at srcPath into the data partition's
// root directory, streaming its content rather than buffering it whole.
func (img *Image) AddFile(srcPath string) error {
	return img.AddFileToPath(srcPath, "", false, true)
}

// AddFileToPath copies srcPath into the data partition at destPath
// (a directory path; the destination file takes srcPath's base name),
// optionally creating intermediate directories, streaming the content a
// cluster at a time so large ISOs never sit fully in memory.
func (img *Image) AddFileToPath(srcPath, destDir string, createParents, overwrite bool) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errutil.Wrapf(err, "open source file %s failed", srcPath)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return errutil.Wrap(err, "stat source file failed")
	}

	name := baseName(srcPath)
	destPath := name
	if destDir != "" {
		destPath = destDir + "/" + name
	}

	f, fs, err := img.openFS()
	if err != nil {
		return err
	}
	defer f.Close()

	resolved, err := fs.Resolve(destPath, createParents)
	if err != nil {
		return err
	}
	if resolved.Entry != nil && !overwrite {
		return errutil.Errorf("ventoy: %s already exists", destPath)
	}

	w, err := fs.CreateStreamWriter(destPath, uint64(info.Size()))
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		return errutil.Wrap(err, "stream copy into image failed")
	}
	return w.Finish()
}

// RemovePath deletes a file or empty directory at path.
func (img *Image) RemovePath(path string) error {
	f, fs, err := img.openFS()
	if err != nil {
		return err
	}
	defer f.Close()

	resolved, err := fs.Resolve(path, false)
	if err != nil {
		return err
	}
	if resolved.Entry == nil {
		return errutil.Errorf("ventoy: %s not found", path)
	}
	return fs.Delete(resolved.ParentCluster, resolved.Name)
}

// ReadFile reads a whole file's content from the data partition.
func (img *Image) ReadFile(path string) ([]byte, error) {
	f, fs, err := img.openFS()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return fs.ReadFile(path)
}

// ReadFileToWriter streams a file's content to w without buffering it
// whole, the preferred path for large ISOs.
func (img *Image) ReadFileToWriter(path string, w io.Writer) (int64, error) {
	f, fs, err := img.openFS()
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r, err := fs.OpenStreamReader(path)
	if err != nil {
		return 0, err
	}
	return io.Copy(w, r)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
