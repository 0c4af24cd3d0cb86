package exfat

import "encoding/binary"

// dirEntryLocation is where a directory entry (or the start of an
// entry-set) lives: a cluster number plus a byte offset within it. An
// entry-set is never split across a cluster boundary — that keeps every
// write to it a single contiguous buffer, at the cost of wasting the
// last few slots of a cluster when an entry-set doesn't quite fit.
type dirEntryLocation struct {
	cluster uint32
	offset  uint32
}

// buildEntrySet constructs a FILE + STREAM + NAME... entry-set for a
// file or directory, with the entry-set checksum already patched into
// the FILE entry.
func buildEntrySet(name string, attrs uint16, firstCluster uint32, dataLength uint64) []byte {
	units := utf16Encode(name)
	nameEntries := (len(units) + 14) / 15
	if nameEntries == 0 {
		nameEntries = 1
	}
	secondaryCount := 1 + nameEntries
	buf := make([]byte, (1+secondaryCount)*32)

	// FILE entry.
	buf[0] = entryTypeFile
	buf[1] = byte(secondaryCount)
	// buf[2:4] checksum, patched at the end.
	binary.LittleEndian.PutUint16(buf[4:6], attrs)

	// STREAM entry.
	stream := buf[32:64]
	stream[0] = entryTypeStream
	stream[1] = 0x01 // GeneralSecondaryFlags: entry uses a FAT chain (not contiguous)
	stream[3] = byte(len(units))
	binary.LittleEndian.PutUint16(stream[4:6], nameHash(units))
	binary.LittleEndian.PutUint64(stream[8:16], dataLength) // valid data length == data length: no sparse tail
	binary.LittleEndian.PutUint32(stream[20:24], firstCluster)
	binary.LittleEndian.PutUint64(stream[24:32], dataLength)

	// NAME entries, 15 UTF-16 code units each, zero-padded in the last one.
	for i := 0; i < nameEntries; i++ {
		entry := buf[64+i*32 : 96+i*32]
		entry[0] = entryTypeName
		for j := 0; j < 15; j++ {
			idx := i*15 + j
			if idx >= len(units) {
				break
			}
			binary.LittleEndian.PutUint16(entry[2+j*2:4+j*2], units[idx])
		}
	}

	checksum := entrySetChecksum(buf)
	binary.LittleEndian.PutUint16(buf[2:4], checksum)
	return buf
}

// entrySetChecksum folds every byte of the entry-set except the FILE
// entry's own checksum field (bytes 2-3) into the 16-bit
// rotate-right-then-add checksum.
func entrySetChecksum(entrySet []byte) uint16 {
	var checksum uint16
	for i, b := range entrySet {
		if i == 2 || i == 3 {
			continue
		}
		checksum = rotateChecksum16(checksum, b)
	}
	return checksum
}

func isFreeEntryByte(b byte) bool {
	return b == entryTypeEnd || b&0x80 == 0
}

// findFreeDirSlot scans dirCluster's cluster chain for `need` consecutive
// free slots within a single cluster. If none exist, it extends the
// directory by one fresh (zeroed) cluster and rewrites any stale END
// markers (0x00) in earlier clusters to the unused-but-not-end marker
// (0xFF) so enumeration continues past them into the new cluster.
func (fs *FS) findFreeDirSlot(dirCluster uint32, need int) (dirEntryLocation, error) {
	chain, err := fs.clusterChain(dirCluster)
	if err != nil {
		return dirEntryLocation{}, err
	}
	entriesPerCluster := int(fs.clusterSize / 32)

	for _, c := range chain {
		buf := make([]byte, fs.clusterSize)
		if err := fs.readAt(fs.clusterToOffset(c), buf); err != nil {
			return dirEntryLocation{}, err
		}
		run := 0
		runOffset := 0
		for i := 0; i < entriesPerCluster; i++ {
			et := buf[i*32]
			if isFreeEntryByte(et) {
				if run == 0 {
					runOffset = i * 32
				}
				run++
				if run >= need {
					return dirEntryLocation{cluster: c, offset: uint32(runOffset)}, nil
				}
			} else {
				run = 0
			}
		}
	}

	newCluster, err := fs.extendClusterChain(dirCluster)
	if err != nil {
		return dirEntryLocation{}, err
	}
	for _, c := range chain {
		if err := fs.rewriteEndMarkers(c); err != nil {
			return dirEntryLocation{}, err
		}
	}
	return dirEntryLocation{cluster: newCluster, offset: 0}, nil
}

// rewriteEndMarkers flips every 0x00 (END) entry-type byte in cluster c
// to 0xFF (unused, not end), so a directory scan that previously stopped
// at this cluster's END marker continues into clusters appended after it.
func (fs *FS) rewriteEndMarkers(c uint32) error {
	buf := make([]byte, fs.clusterSize)
	if err := fs.readAt(fs.clusterToOffset(c), buf); err != nil {
		return err
	}
	changed := false
	entriesPerCluster := int(fs.clusterSize / 32)
	for i := 0; i < entriesPerCluster; i++ {
		if buf[i*32] == entryTypeEnd {
			buf[i*32] = entryUnusedMarker
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return fs.writeAt(fs.clusterToOffset(c), buf)
}

// writeEntrySet writes entrySet at loc, which findFreeDirSlot guarantees
// has enough contiguous free slots in loc.cluster to hold it.
func (fs *FS) writeEntrySet(loc dirEntryLocation, entrySet []byte) error {
	return fs.writeAt(fs.clusterToOffset(loc.cluster)+int64(loc.offset), entrySet)
}

// deleteEntrySet flips the in-use bit of every entry in a previously
// written entry-set, marking it deleted without needing to rewrite
// anything else: FILE 0x85->0x05, STREAM 0xC0->0x40, NAME 0xC1->0x41,
// any other secondary entry just has bit 7 cleared.
func (fs *FS) deleteEntrySet(loc dirEntryLocation, secondaryCount int) error {
	total := 1 + secondaryCount
	buf := make([]byte, total*32)
	off := fs.clusterToOffset(loc.cluster) + int64(loc.offset)
	if err := fs.readAt(off, buf); err != nil {
		return err
	}
	for i := 0; i < total; i++ {
		et := buf[i*32]
		buf[i*32] = et &^ 0x80
	}
	return fs.writeAt(off, buf)
}
