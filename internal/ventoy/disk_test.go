package ventoy

import (
	"errors"
	"io"
)

// testMemDisk is an in-memory io.ReadWriteSeeker used by partition_test.go
// to exercise MBR/signature writes without touching the filesystem.
type testMemDisk struct {
	data []byte
	pos  int64
}

func newTestMemDisk(size int64) *testMemDisk {
	return &testMemDisk{data: make([]byte, size)}
}

func (d *testMemDisk) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = d.pos + offset
	case io.SeekEnd:
		newPos = int64(len(d.data)) + offset
	default:
		return 0, errors.New("testMemDisk: invalid whence")
	}
	if newPos < 0 {
		return 0, errors.New("testMemDisk: negative position")
	}
	d.pos = newPos
	return newPos, nil
}

func (d *testMemDisk) Read(p []byte) (int, error) {
	if d.pos >= int64(len(d.data)) {
		return 0, io.EOF
	}
	n := copy(p, d.data[d.pos:])
	d.pos += int64(n)
	return n, nil
}

func (d *testMemDisk) Write(p []byte) (int, error) {
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
