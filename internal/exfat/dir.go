package exfat

import (
	"encoding/binary"
	"strings"
	"unicode/utf16"
)

// DirEntry is a resolved directory entry: everything needed to read,
// overwrite, or delete it.
type DirEntry struct {
	loc            dirEntryLocation
	secondaryCount int
	Name           string
	Attrs          uint16
	FirstCluster   uint32
	DataLength     uint64
	IsDir          bool
}

// listDir enumerates every live FILE entry-set in dirCluster's chain.
func (fs *FS) listDir(dirCluster uint32) ([]DirEntry, error) {
	chain, err := fs.clusterChain(dirCluster)
	if err != nil {
		return nil, err
	}
	entriesPerCluster := int(fs.clusterSize / 32)

	var out []DirEntry
	for _, c := range chain {
		buf := make([]byte, fs.clusterSize)
		if err := fs.readAt(fs.clusterToOffset(c), buf); err != nil {
			return nil, err
		}
		for i := 0; i < entriesPerCluster; {
			et := buf[i*32]
			if et == entryTypeEnd {
				break
			}
			if et != entryTypeFile {
				i++
				continue
			}
			secondaryCount := int(buf[i*32+1])
			if i+1+secondaryCount > entriesPerCluster {
				// Entry-set would cross a cluster boundary; this writer
				// never produces that, so treat it as the end of usable
				// entries in this cluster.
				break
			}
			attrs := binary.LittleEndian.Uint16(buf[i*32+4 : i*32+6])

			streamOff := (i + 1) * 32
			stream := buf[streamOff : streamOff+32]
			nameLen := int(stream[3])
			firstCluster := binary.LittleEndian.Uint32(stream[20:24])
			dataLength := binary.LittleEndian.Uint64(stream[24:32])

			var units []uint16
			for n := 0; n < secondaryCount-1; n++ {
				nameOff := (i + 2 + n) * 32
				entry := buf[nameOff : nameOff+32]
				for j := 0; j < 15 && len(units) < nameLen; j++ {
					units = append(units, binary.LittleEndian.Uint16(entry[2+j*2:4+j*2]))
				}
			}

			out = append(out, DirEntry{
				loc:            dirEntryLocation{cluster: c, offset: uint32(i * 32)},
				secondaryCount: secondaryCount,
				Name:           string(utf16.Decode(units)),
				Attrs:          attrs,
				FirstCluster:   firstCluster,
				DataLength:     dataLength,
				IsDir:          attrs&attrDirectory != 0,
			})
			i += 1 + secondaryCount
		}
	}
	return out, nil
}

func (fs *FS) findInDir(dirCluster uint32, name string) (DirEntry, bool, error) {
	entries, err := fs.listDir(dirCluster)
	if err != nil {
		return DirEntry{}, false, err
	}
	for _, e := range entries {
		if strings.EqualFold(e.Name, name) {
			return e, true, nil
		}
	}
	return DirEntry{}, false, nil
}

// ResolvedPath is a path resolved to its final directory location: the
// cluster it would live in, its name, and — if it already exists — the
// entry itself.
type ResolvedPath struct {
	ParentCluster uint32
	Name          string
	Entry         *DirEntry
}

// Resolve splits path on "/", walks from the root directory, and
// returns the parent cluster and terminal component. Every non-terminal
// component must already exist and be a directory; if createParents is
// true, missing intermediate directories are created along the way.
func (fs *FS) Resolve(path string, createParents bool) (ResolvedPath, error) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return ResolvedPath{}, errNotFound
	}

	cluster := fs.rootCluster
	for _, part := range parts[:len(parts)-1] {
		entry, ok, err := fs.findInDir(cluster, part)
		if err != nil {
			return ResolvedPath{}, err
		}
		if !ok {
			if !createParents {
				return ResolvedPath{}, errNotFound
			}
			newCluster, err := fs.CreateDirectory(cluster, part)
			if err != nil {
				return ResolvedPath{}, err
			}
			cluster = newCluster
			continue
		}
		if !entry.IsDir {
			return ResolvedPath{}, errNotDirectory
		}
		cluster = entry.FirstCluster
	}

	last := parts[len(parts)-1]
	entry, ok, err := fs.findInDir(cluster, last)
	if err != nil {
		return ResolvedPath{}, err
	}
	if !ok {
		return ResolvedPath{ParentCluster: cluster, Name: last}, nil
	}
	return ResolvedPath{ParentCluster: cluster, Name: last, Entry: &entry}, nil
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CreateDirectory creates an empty subdirectory named name inside
// parentCluster and returns its cluster number.
func (fs *FS) CreateDirectory(parentCluster uint32, name string) (uint32, error) {
	clusters, err := fs.allocateClusters(1)
	if err != nil {
		return 0, err
	}
	cluster := clusters[0]
	if err := fs.writeAt(fs.clusterToOffset(cluster), make([]byte, fs.clusterSize)); err != nil {
		return 0, err
	}

	entrySet := buildEntrySet(name, attrDirectory, cluster, 0)
	secondaryCount := int(entrySet[1])
	loc, err := fs.findFreeDirSlot(parentCluster, 1+secondaryCount)
	if err != nil {
		return 0, err
	}
	if err := fs.writeEntrySet(loc, entrySet); err != nil {
		return 0, err
	}
	return cluster, nil
}

// Delete removes a file or empty directory's entry-set, marking it
// deleted, and frees its cluster chain (if any).
func (fs *FS) Delete(parentCluster uint32, name string) error {
	entry, ok, err := fs.findInDir(parentCluster, name)
	if err != nil {
		return err
	}
	if !ok {
		return errNotFound
	}
	if entry.FirstCluster != 0 {
		if err := fs.freeClusterChain(entry.FirstCluster); err != nil {
			return err
		}
	}
	return fs.deleteEntrySet(entry.loc, entry.secondaryCount)
}

// List enumerates file and directory names directly under dirCluster,
// without resolving a path.
func (fs *FS) List(dirCluster uint32) ([]string, error) {
	entries, err := fs.listDir(dirCluster)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}
