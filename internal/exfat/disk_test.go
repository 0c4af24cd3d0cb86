package exfat

import (
	"errors"
	"io"
)

// memDisk is an in-memory io.ReadWriteSeeker standing in for a disk image
// file or block device across the package's tests.
type memDisk struct {
	data []byte
	pos  int64
}

func newMemDisk(size int64) *memDisk {
	return &memDisk{data: make([]byte, size)}
}

func (d *memDisk) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = d.pos + offset
	case io.SeekEnd:
		newPos = int64(len(d.data)) + offset
	default:
		return 0, errors.New("memDisk: invalid whence")
	}
	if newPos < 0 {
		return 0, errors.New("memDisk: negative position")
	}
	d.pos = newPos
	return newPos, nil
}

func (d *memDisk) Read(p []byte) (int, error) {
	if d.pos >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[d.pos:])
	d.pos += int64(n)
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *memDisk) Write(p []byte) (int, error) {
	end := d.pos + int64(len(p))
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	n := copy(d.data[d.pos:], p)
	d.pos += int64(n)
	return n, nil
}

// newTestFS builds a small, self-consistent FS directly (bypassing
// Format) for tests that exercise cluster/FAT/directory mechanics
// without paying for a full-size volume.
func newTestFS() *FS {
	const clusterSize = 512
	fs := &FS{
		rw:                newMemDisk(1 << 20),
		partitionOffset:   0,
		clusterSize:       clusterSize,
		fatOffset:         8,  // sectors
		fatLength:         4,  // sectors
		clusterHeapOffset: 16, // sectors
		clusterCount:      30,
		rootCluster:       5,
		volumeLength:      2048,
	}
	if err := fs.loadBitmap(); err != nil {
		panic(err)
	}
	return fs
}
