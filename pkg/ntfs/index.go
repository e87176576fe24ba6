package ntfs

import (
	"github.com/forensicsgo/diskimgfs/pkg/dferr"
	"github.com/forensicsgo/diskimgfs/pkg/dflog"
)

const (
	indexEntryFlagSubNode   = 0x01
	indexEntryFlagLastEntry = 0x02

	indexNameI30 = "$I30"
)

// DirEntry is one resolved directory entry: a target MFT record reference
// plus the FILE_NAME under which it was found in this directory's index.
type DirEntry struct {
	FileRef uint64
	Name    FileName
}

// ListDirectory returns the directory entries of the directory described by
// rec, merging its INDEX_ROOT's inline entries with its INDEX_ALLOCATION's
// INDX records (if the directory is large enough to have overflowed
// INDEX_ROOT), and skipping reserved system records per this engine's
// listing policy. A DOS (8.3) name is listed only for a file reference that
// has no other name in the index.
func (e *Engine) ListDirectory(rec FileRecord) ([]DirEntry, error) {
	attrs, err := e.ResolvedAttributes(rec)
	if err != nil {
		return nil, err
	}

	var root *Attribute
	var alloc *Attribute
	var bitmap *Attribute
	for i := range attrs {
		a := &attrs[i]
		if a.Name != indexNameI30 {
			continue
		}
		switch a.Type {
		case AttrIndexRoot:
			root = a
		case AttrIndexAllocation:
			alloc = a
		case AttrBitmap:
			bitmap = a
		}
	}

	if root == nil {
		return nil, dferr.New(dferr.KindNotADirectory, "record has no $I30 index")
	}

	var out []DirEntry

	rootEntries, subNodeVCNs, err := parseIndexRoot(root.Data)
	if err != nil {
		return nil, err
	}
	out = append(out, rootEntries...)

	if alloc != nil {
		allocEntries, err := e.walkIndexAllocation(*alloc, bitmap, subNodeVCNs)
		if err != nil {
			return nil, err
		}
		out = append(out, allocEntries...)
	}

	const namespaceDOS = 2
	hasLongName := map[uint64]bool{}
	for _, de := range out {
		if de.Name.Namespace != namespaceDOS {
			hasLongName[de.FileRef] = true
		}
	}

	filtered := out[:0]
	for _, de := range out {
		if de.FileRef < 24 {
			continue
		}
		if de.Name.Namespace == namespaceDOS && hasLongName[de.FileRef] {
			continue
		}
		filtered = append(filtered, de)
	}

	return filtered, nil
}

// indexRecordSize is threaded through from the boot sector via the engine;
// this standalone parse function only needs the bytes it is given.
func parseIndexRoot(data []byte) ([]DirEntry, []uint64, error) {
	if len(data) < 16 {
		return nil, nil, dferr.New(dferr.KindCorruptImage, "INDEX_ROOT shorter than header")
	}

	hdr := data[16:]
	entries, subNodes, err := parseIndexEntries(hdr)
	if err != nil {
		return nil, nil, err
	}
	return entries, subNodes, nil
}

// parseIndexEntries parses the IndexHeader + entry list found at buf[0:],
// where buf starts at the IndexHeader (i.e. immediately after whatever
// fixed attribute-specific prefix precedes it: 16 bytes for INDEX_ROOT, or
// the IndexRecord header for an INDX record).
func parseIndexEntries(buf []byte) ([]DirEntry, []uint64, error) {
	if len(buf) < 16 {
		return nil, nil, dferr.New(dferr.KindCorruptImage, "index header shorter than 16 bytes")
	}

	firstEntryOffset := le32(buf[0:4])
	indexLength := le32(buf[4:8])

	if indexLength > uint32(len(buf)) {
		return nil, nil, dferr.New(dferr.KindCorruptImage, "index header declares length past buffer")
	}

	var entries []DirEntry
	var subNodes []uint64

	pos := firstEntryOffset
	for pos < indexLength {
		if pos+16 > uint32(len(buf)) {
			break
		}
		entryLength := le16(buf[pos+8 : pos+10])
		if entryLength < 16 || pos+uint32(entryLength) > uint32(len(buf)) {
			return nil, nil, dferr.New(dferr.KindCorruptImage, "index entry declares invalid length")
		}

		flags := le32(buf[pos+12 : pos+16])

		hasSubNode := flags&indexEntryFlagSubNode != 0
		isLast := flags&indexEntryFlagLastEntry != 0

		streamLength := le16(buf[pos+10 : pos+12])

		if !isLast && streamLength > 0 {
			streamStart := pos + 16
			streamEnd := streamStart + uint32(streamLength)
			if streamEnd <= uint32(len(buf)) {
				fileRefRaw := append(append([]byte(nil), buf[pos:pos+6]...), 0, 0)
				fileRef := le64(fileRefRaw) & 0x0000FFFFFFFFFFFF

				fn, err := ParseFileName(buf[streamStart:streamEnd])
				if err == nil {
					entries = append(entries, DirEntry{FileRef: fileRef, Name: fn})
				}
			}
		}

		if hasSubNode {
			// The trailing 8 bytes of the entry hold the sub-node's VCN as a
			// plain little-endian integer, not a packed 6-byte file
			// reference plus 2-byte sequence number: this engine reads it
			// as a single 64-bit VCN, which is the only interpretation
			// consistent with how INDEX_ALLOCATION addresses its INDX
			// records.
			vcnOffset := pos + uint32(entryLength) - 8
			if vcnOffset+8 <= uint32(len(buf)) {
				subNodes = append(subNodes, le64(buf[vcnOffset:vcnOffset+8]))
			}
		}

		if isLast {
			break
		}

		pos += uint32(entryLength)
	}

	return entries, subNodes, nil
}

// walkIndexAllocation reads every INDX record reachable from subNodeVCNs
// (seeded from INDEX_ROOT, and recursively from each INDX record's own
// sub-node pointers), applying fix-up to each record and parsing its
// entries. bitmap, if non-nil, is consulted to skip unallocated INDX slots;
// when absent, an all-zero record is treated as unallocated and skipped.
func (e *Engine) walkIndexAllocation(alloc Attribute, bitmap *Attribute, seedVCNs []uint64) ([]DirEntry, error) {
	recordSize := e.boot.IndexRecordSize()
	clusterSize := e.boot.ClusterSize()

	var bitmapBytes []byte
	if bitmap != nil {
		data, err := e.AttributeData(*bitmap)
		if err == nil {
			bitmapBytes = data
		}
	}

	reader, err := e.AttributeReader(alloc)
	if err != nil {
		return nil, err
	}

	var out []DirEntry
	queue := append([]uint64(nil), seedVCNs...)
	visited := map[uint64]bool{}

	for len(queue) > 0 {
		vcn := queue[0]
		queue = queue[1:]
		if visited[vcn] {
			continue
		}
		visited[vcn] = true

		recordIdx := vcn * uint64(clusterSize) / uint64(recordSize)
		if bitmapBytes != nil && !bitmapBit(bitmapBytes, recordIdx) {
			continue
		}

		byteOffset := vcn * uint64(clusterSize)
		if _, err := reader.Seek(int64(byteOffset), 0); err != nil {
			return nil, err
		}

		buf := make([]byte, recordSize)
		if err := readFull(reader, buf); err != nil {
			break
		}

		if isAllZero(buf) {
			continue
		}

		entries, subNodes, err := parseIndexRecord(buf, int(e.boot.BytesPerSector), e.log)
		if err != nil {
			e.log.Warnf("ntfs: skipping corrupt INDX record at vcn %d: %v", vcn, err)
			continue
		}

		out = append(out, entries...)
		queue = append(queue, subNodes...)
	}

	return out, nil
}

func parseIndexRecord(buf []byte, sectorSize int, log dflog.Logger) ([]DirEntry, []uint64, error) {
	if len(buf) < 24 || string(buf[0:4]) != "INDX" {
		return nil, nil, dferr.New(dferr.KindCorruptImage, "missing INDX record signature")
	}

	usaOffset := le16(buf[4:6])
	usaCount := le16(buf[6:8])
	applyFixup(buf, usaOffset, usaCount, sectorSize, log, "INDX record")

	return parseIndexEntries(buf[24:])
}

func bitmapBit(bitmap []byte, idx uint64) bool {
	byteIdx := idx / 8
	if byteIdx >= uint64(len(bitmap)) {
		return false
	}
	return bitmap[byteIdx]&(1<<(idx%8)) != 0
}

func isAllZero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
