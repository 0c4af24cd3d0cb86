package exfat

import (
	"io"
)

// WriteFile creates (or overwrites) a file at path with the full
// contents of data in one shot: allocates enough clusters up front,
// writes them consecutively, then emits the directory entry.
func (fs *FS) WriteFile(path string, data []byte) error {
	resolved, err := fs.Resolve(path, true)
	if err != nil {
		return err
	}
	if resolved.Entry != nil {
		if resolved.Entry.IsDir {
			return errNotDirectory
		}
		if err := fs.Delete(resolved.ParentCluster, resolved.Name); err != nil {
			return err
		}
	}

	var firstCluster uint32
	needed := clustersFor(uint64(len(data)), fs.clusterSize)
	if needed > 0 {
		clusters, err := fs.allocateClusters(needed)
		if err != nil {
			return err
		}
		firstCluster = clusters[0]
		for i, c := range clusters {
			start := i * int(fs.clusterSize)
			end := start + int(fs.clusterSize)
			chunk := make([]byte, fs.clusterSize)
			if start < len(data) {
				copy(chunk, data[start:min(end, len(data))])
			}
			if err := fs.writeAt(fs.clusterToOffset(c), chunk); err != nil {
				return err
			}
		}
	}

	entrySet := buildEntrySet(resolved.Name, attrArchive, firstCluster, uint64(len(data)))
	secondaryCount := int(entrySet[1])
	loc, err := fs.findFreeDirSlot(resolved.ParentCluster, 1+secondaryCount)
	if err != nil {
		return err
	}
	return fs.writeEntrySet(loc, entrySet)
}

// ReadFile reads a whole file's contents in one shot.
func (fs *FS) ReadFile(path string) ([]byte, error) {
	resolved, err := fs.Resolve(path, false)
	if err != nil {
		return nil, err
	}
	if resolved.Entry == nil {
		return nil, errNotFound
	}
	entry := resolved.Entry
	if entry.IsDir {
		return nil, errNotDirectory
	}
	if entry.DataLength == 0 {
		return []byte{}, nil
	}
	chain, err := fs.clusterChain(entry.FirstCluster)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, entry.DataLength)
	remaining := entry.DataLength
	for _, c := range chain {
		chunk := make([]byte, fs.clusterSize)
		if err := fs.readAt(fs.clusterToOffset(c), chunk); err != nil {
			return nil, err
		}
		n := uint64(fs.clusterSize)
		if remaining < n {
			n = remaining
		}
		out = append(out, chunk[:n]...)
		remaining -= n
		if remaining == 0 {
			break
		}
	}
	return out, nil
}

func clustersFor(size uint64, clusterSize uint32) int {
	if size == 0 {
		return 0
	}
	return int((size + uint64(clusterSize) - 1) / uint64(clusterSize))
}

// StreamWriter writes a file whose total size is known up front but
// whose content arrives in arbitrary-sized chunks: it pre-allocates the
// whole cluster chain once, buffers up to one cluster between Write
// calls, and only touches disk a cluster at a time. Finish must be
// called exactly once to flush the final partial cluster and emit the
// directory entry.
type StreamWriter struct {
	fs            *FS
	parentCluster uint32
	name          string
	totalSize     uint64
	clusters      []uint32
	clusterSize   uint32
	clusterIdx    int
	buf           []byte
	written       uint64
	finished      bool
}

// CreateStreamWriter pre-allocates totalSize worth of clusters for a new
// file at path and returns a writer ready to receive its content.
func (fs *FS) CreateStreamWriter(path string, totalSize uint64) (*StreamWriter, error) {
	resolved, err := fs.Resolve(path, true)
	if err != nil {
		return nil, err
	}
	if resolved.Entry != nil {
		if resolved.Entry.IsDir {
			return nil, errNotDirectory
		}
		if err := fs.Delete(resolved.ParentCluster, resolved.Name); err != nil {
			return nil, err
		}
	}

	var clusters []uint32
	if needed := clustersFor(totalSize, fs.clusterSize); needed > 0 {
		clusters, err = fs.allocateClusters(needed)
		if err != nil {
			return nil, err
		}
	}

	return &StreamWriter{
		fs:            fs,
		parentCluster: resolved.ParentCluster,
		name:          resolved.Name,
		totalSize:     totalSize,
		clusters:      clusters,
		clusterSize:   fs.clusterSize,
		buf:           make([]byte, 0, fs.clusterSize),
	}, nil
}

// Write buffers p, flushing one whole cluster to disk every time the
// buffer fills.
func (w *StreamWriter) Write(p []byte) (int, error) {
	if w.finished {
		return 0, errAlreadyFinished
	}
	total := len(p)
	for len(p) > 0 {
		room := int(w.clusterSize) - len(w.buf)
		n := room
		if n > len(p) {
			n = len(p)
		}
		w.buf = append(w.buf, p[:n]...)
		p = p[n:]
		if len(w.buf) == int(w.clusterSize) {
			if err := w.flushCluster(); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}

func (w *StreamWriter) flushCluster() error {
	if w.clusterIdx >= len(w.clusters) {
		return errNoFreeClusters
	}
	chunk := make([]byte, w.clusterSize)
	copy(chunk, w.buf)
	c := w.clusters[w.clusterIdx]
	if err := w.fs.writeAt(w.fs.clusterToOffset(c), chunk); err != nil {
		return err
	}
	w.written += uint64(len(w.buf))
	w.clusterIdx++
	w.buf = w.buf[:0]
	return nil
}

// Finish flushes any partial final cluster and emits the file's
// directory entry. It must be called exactly once, after the last Write.
func (w *StreamWriter) Finish() error {
	if w.finished {
		return errAlreadyFinished
	}
	w.finished = true
	if len(w.buf) > 0 {
		if err := w.flushCluster(); err != nil {
			return err
		}
	}

	var firstCluster uint32
	if len(w.clusters) > 0 {
		firstCluster = w.clusters[0]
	}
	entrySet := buildEntrySet(w.name, attrArchive, firstCluster, w.totalSize)
	secondaryCount := int(entrySet[1])
	loc, err := w.fs.findFreeDirSlot(w.parentCluster, 1+secondaryCount)
	if err != nil {
		return err
	}
	return w.fs.writeEntrySet(loc, entrySet)
}

// StreamReader reads a file's content with arbitrary Seek support,
// caching only the single cluster its current offset falls within.
type StreamReader struct {
	fs          *FS
	chain       []uint32
	dataLength  uint64
	clusterSize uint32
	offset      uint64
	cachedIdx   int
	cached      []byte
}

// OpenStreamReader resolves path and returns a reader over its content.
func (fs *FS) OpenStreamReader(path string) (*StreamReader, error) {
	resolved, err := fs.Resolve(path, false)
	if err != nil {
		return nil, err
	}
	if resolved.Entry == nil {
		return nil, errNotFound
	}
	if resolved.Entry.IsDir {
		return nil, errNotDirectory
	}
	var chain []uint32
	if resolved.Entry.DataLength > 0 {
		chain, err = fs.clusterChain(resolved.Entry.FirstCluster)
		if err != nil {
			return nil, err
		}
	}
	return &StreamReader{
		fs:          fs,
		chain:       chain,
		dataLength:  resolved.Entry.DataLength,
		clusterSize: fs.clusterSize,
		cachedIdx:   -1,
	}, nil
}

func (r *StreamReader) Read(p []byte) (int, error) {
	if r.offset >= r.dataLength {
		return 0, io.EOF
	}
	idx := int(r.offset / uint64(r.clusterSize))
	if idx >= len(r.chain) {
		return 0, io.EOF
	}
	if idx != r.cachedIdx {
		buf := make([]byte, r.clusterSize)
		if err := r.fs.readAt(r.fs.clusterToOffset(r.chain[idx]), buf); err != nil {
			return 0, err
		}
		r.cached = buf
		r.cachedIdx = idx
	}
	within := int(r.offset % uint64(r.clusterSize))
	n := copy(p, r.cached[within:])
	remaining := r.dataLength - r.offset
	if uint64(n) > remaining {
		n = int(remaining)
	}
	r.offset += uint64(n)
	return n, nil
}

// Seek supports arbitrary positioning, including past EOF (a subsequent
// Read there simply returns io.EOF, matching os.File semantics).
func (r *StreamReader) Seek(offset int64, whence int) (int64, error) {
	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = int64(r.offset) + offset
	case io.SeekEnd:
		newOffset = int64(r.dataLength) + offset
	default:
		return 0, errBadWhence
	}
	if newOffset < 0 {
		return 0, errBadWhence
	}
	r.offset = uint64(newOffset)
	return newOffset, nil
}
