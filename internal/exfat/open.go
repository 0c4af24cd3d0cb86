package exfat

import "io"

// Open parses an existing exFAT volume's boot sector and returns a
// handle ready for cluster I/O, directory traversal, and file
// read/write. It validates the volume signature and loads the
// allocation bitmap into memory, but does not otherwise scan the
// filesystem.
func Open(rw io.ReadWriteSeeker, partitionOffset int64) (*FS, error) {
	buf := make([]byte, sectorSize)
	if _, err := rw.Seek(partitionOffset, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rw, buf); err != nil {
		return nil, err
	}
	boot, err := parseBootSector(buf)
	if err != nil {
		return nil, err
	}

	fs := &FS{
		rw:                     rw,
		partitionOffset:        partitionOffset,
		bytesPerSectorShift:    boot.bytesPerSectorShift,
		sectorsPerClusterShift: boot.sectorsPerClusterShift,
		clusterSize:            uint32(sectorSize) << boot.sectorsPerClusterShift,
		fatOffset:              boot.fatOffset,
		fatLength:              boot.fatLength,
		clusterHeapOffset:      boot.clusterHeapOffset,
		clusterCount:           boot.clusterCount,
		rootCluster:            boot.firstClusterOfRoot,
		volumeLength:           boot.volumeLength,
	}
	if err := fs.loadBitmap(); err != nil {
		return nil, err
	}
	return fs, nil
}

// RootCluster returns the cluster number of the root directory.
func (fs *FS) RootCluster() uint32 { return fs.rootCluster }

// ClusterSize returns the volume's cluster size in bytes.
func (fs *FS) ClusterSize() uint32 { return fs.clusterSize }
