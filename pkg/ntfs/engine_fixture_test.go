package ntfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

// fakeVolume is a flat, in-memory sectorClusterSource: data is addressed
// directly by cluster index, with no partition or VHDX translation beneath
// it, so tests can exercise the engine without any other package.
type fakeVolume struct {
	clusterSize uint32
	data        []byte
}

func (v *fakeVolume) ReadCluster(idx uint64) ([]byte, error) {
	start := idx * uint64(v.clusterSize)
	end := start + uint64(v.clusterSize)
	if end > uint64(len(v.data)) {
		return nil, dferr.New(dferr.KindEOF, "cluster out of range")
	}
	return append([]byte(nil), v.data[start:end]...), nil
}

func (v *fakeVolume) ReadSector(idx uint64) ([]byte, error) {
	return nil, dferr.New(dferr.KindUnsupported, "fixture never reads by sector")
}

// attrSpec describes one attribute to embed in a synthetic FILE record.
type attrSpec struct {
	typ      uint32
	name     string
	id       uint16
	resident bool

	// resident
	data []byte

	// non-resident
	runlist              []byte
	allocSize, realSize, initSize uint64
}

// buildAttribute encodes one attribute record from spec, following the
// common-header-then-resident-or-nonresident-tail layout parseOneAttribute
// (attribute.go) decodes.
func buildAttribute(a attrSpec) []byte {
	nameUTF16 := stringToUTF16LE(a.name)

	if a.resident {
		const headerLen = 24
		nameOffset := headerLen
		dataOffset := alignUp(nameOffset+len(nameUTF16), 8)
		total := alignUp(dataOffset+len(a.data), 8)

		buf := make([]byte, total)
		binary.LittleEndian.PutUint32(buf[0:4], a.typ)
		binary.LittleEndian.PutUint32(buf[4:8], uint32(total))
		buf[8] = 0
		buf[9] = byte(len(a.name))
		binary.LittleEndian.PutUint16(buf[10:12], uint16(nameOffset))
		binary.LittleEndian.PutUint16(buf[14:16], a.id)
		binary.LittleEndian.PutUint32(buf[16:20], uint32(len(a.data)))
		binary.LittleEndian.PutUint16(buf[20:22], uint16(dataOffset))
		copy(buf[nameOffset:], nameUTF16)
		copy(buf[dataOffset:], a.data)
		return buf
	}

	const headerLen = 64
	nameOffset := headerLen
	runlistOffset := alignUp(nameOffset+len(nameUTF16), 8)
	total := alignUp(runlistOffset+len(a.runlist), 8)

	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], a.typ)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(total))
	buf[8] = 1
	buf[9] = byte(len(a.name))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(nameOffset))
	binary.LittleEndian.PutUint16(buf[14:16], a.id)
	binary.LittleEndian.PutUint16(buf[32:34], uint16(runlistOffset))
	binary.LittleEndian.PutUint64(buf[40:48], a.allocSize)
	binary.LittleEndian.PutUint64(buf[48:56], a.realSize)
	binary.LittleEndian.PutUint64(buf[56:64], a.initSize)
	copy(buf[nameOffset:], nameUTF16)
	copy(buf[runlistOffset:], a.runlist)
	return buf
}

// buildFileNameAttrData encodes a FILE_NAME attribute's resident payload,
// per the field layout ParseFileName (filerecord.go) decodes.
func buildFileNameAttrData(parentRef uint64, name string, isDir bool, allocSize, realSize uint64) []byte {
	nameUTF16 := stringToUTF16LE(name)
	buf := make([]byte, 66+len(nameUTF16))

	parentBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(parentBytes, parentRef)
	copy(buf[0:6], parentBytes[0:6])

	binary.LittleEndian.PutUint64(buf[40:48], allocSize)
	binary.LittleEndian.PutUint64(buf[48:56], realSize)
	var flags uint32
	if isDir {
		flags = FileNameFlagDirectory
	}
	binary.LittleEndian.PutUint32(buf[56:60], flags)
	buf[64] = byte(len(name))
	buf[65] = 1 // WIN32
	copy(buf[66:], nameUTF16)
	return buf
}

// buildStandardInfoAttrData encodes a STANDARD_INFORMATION payload with
// four distinct, recognisable FILETIME values so tests can tell the Stat()
// fields apart.
func buildStandardInfoAttrData(created, modified, mftModified, accessed uint64) []byte {
	buf := make([]byte, 48)
	binary.LittleEndian.PutUint64(buf[0:8], created)
	binary.LittleEndian.PutUint64(buf[8:16], modified)
	binary.LittleEndian.PutUint64(buf[16:24], mftModified)
	binary.LittleEndian.PutUint64(buf[24:32], accessed)
	return buf
}

// buildIndexRootAttrData wraps entries (built with buildIndexEntry) in the
// 16-byte INDEX_ROOT-specific prefix plus IndexHeader that parseIndexRoot
// (index.go) expects.
func buildIndexRootAttrData(entries [][]byte) []byte {
	prefix := make([]byte, 16)
	return append(prefix, buildIndexHeaderAndEntries(entries)...)
}

// buildRecordFromAttrs assembles a complete FILE record from a pre-encoded
// attribute list, applying the same update-sequence fixup convention
// buildFileRecord (filerecord_test.go) uses.
func buildRecordFromAttrs(recordNum uint64, recordSize, sectorSize int, flags uint16, attrs [][]byte) []byte {
	buf := make([]byte, recordSize)
	copy(buf[0:4], "FILE")

	usaOffset := uint16(48)
	numSectors := recordSize / sectorSize
	usaCount := uint16(numSectors + 1)
	binary.LittleEndian.PutUint16(buf[4:6], usaOffset)
	binary.LittleEndian.PutUint16(buf[6:8], usaCount)

	signature := uint16(0x5151)
	binary.LittleEndian.PutUint16(buf[usaOffset:usaOffset+2], signature)

	binary.LittleEndian.PutUint16(buf[18:20], 1) // link count
	binary.LittleEndian.PutUint16(buf[22:24], flags)

	attrOffset := uint16(usaOffset) + usaCount*2
	if attrOffset%8 != 0 {
		attrOffset += 8 - attrOffset%8
	}
	binary.LittleEndian.PutUint16(buf[20:22], attrOffset)
	binary.LittleEndian.PutUint32(buf[44:48], uint32(recordNum))

	pos := int(attrOffset)
	for _, a := range attrs {
		copy(buf[pos:], a)
		pos += len(a)
	}
	binary.LittleEndian.PutUint32(buf[pos:pos+4], 0xFFFFFFFF)
	bytesInUse := uint32(pos + 4)
	binary.LittleEndian.PutUint32(buf[24:28], bytesInUse)

	for i := 0; i < numSectors; i++ {
		end := (i+1)*sectorSize - 2
		buf[end], buf[end+1] = byte(signature), byte(signature>>8)
	}

	return buf
}

const (
	fixtureSectorSize  = 512
	fixtureClusterSize = 4096
	fixtureRecordSize  = 1024
	fixtureMFTRuns     = 7 // clusters; room for records #0-#27

	fixtureSubDirRecord  = 24
	fixtureHelloRecord   = 25
	fixtureStreamRecord  = 26
)

// buildSyntheticEngine assembles a complete, self-consistent NTFS volume in
// memory: a boot sector, an $MFT whose own DATA run-list maps back onto the
// same backing buffer, and a small directory tree (root -> "sub"
// subdirectory, "hello.txt", and "stream.txt" with a named alternate data
// stream), then opens an Engine over it. It is the combined fixture driving
// mft_test.go, path_test.go and walk_test.go.
func buildSyntheticEngine(t *testing.T) *Engine {
	t.Helper()

	mftDataSize := uint64(fixtureMFTRuns) * fixtureClusterSize
	flat := make([]byte, mftDataSize)

	place := func(n uint64, rec []byte) {
		off := n * fixtureRecordSize
		copy(flat[off:], rec)
	}

	// Record #0: the $MFT itself, its DATA attribute mapping identically
	// onto this same backing buffer (a single non-sparse run).
	runlist := append(buildRun(fixtureMFTRuns, 0, false), 0)
	mftDataAttr := buildAttribute(attrSpec{
		typ:       AttrData,
		id:        0,
		resident:  false,
		runlist:   runlist,
		allocSize: mftDataSize,
		realSize:  mftDataSize,
		initSize:  mftDataSize,
	})
	rec0 := buildRecordFromAttrs(0, fixtureRecordSize, fixtureSectorSize, fileRecordFlagInUse, [][]byte{mftDataAttr})
	place(0, rec0)

	// Record #5: the root directory, listing "sub", "hello.txt" and
	// "stream.txt".
	rootEntries := [][]byte{
		buildIndexEntry(fixtureSubDirRecord, "sub", 0, false, false),
		buildIndexEntry(fixtureHelloRecord, "hello.txt", 0, false, false),
		buildIndexEntry(fixtureStreamRecord, "stream.txt", 0, false, false),
		buildIndexEntry(0, "", 0, false, true),
	}
	rootAttrs := [][]byte{
		buildAttribute(attrSpec{typ: AttrStandardInformation, id: 0, resident: true,
			data: buildStandardInfoAttrData(1, 2, 3, 4)}),
		buildAttribute(attrSpec{typ: AttrFileName, id: 1, resident: true,
			data: buildFileNameAttrData(RootDirectoryRecord, ".", true, 0, 0)}),
		buildAttribute(attrSpec{typ: AttrIndexRoot, name: indexNameI30, id: 2, resident: true,
			data: buildIndexRootAttrData(rootEntries)}),
	}
	recRoot := buildRecordFromAttrs(RootDirectoryRecord, fixtureRecordSize, fixtureSectorSize,
		fileRecordFlagInUse|fileRecordFlagDirectory, rootAttrs)
	place(RootDirectoryRecord, recRoot)

	// Record #24: "sub", an empty subdirectory.
	subAttrs := [][]byte{
		buildAttribute(attrSpec{typ: AttrStandardInformation, id: 0, resident: true,
			data: buildStandardInfoAttrData(10, 20, 30, 40)}),
		buildAttribute(attrSpec{typ: AttrFileName, id: 1, resident: true,
			data: buildFileNameAttrData(RootDirectoryRecord, "sub", true, 0, 0)}),
		buildAttribute(attrSpec{typ: AttrIndexRoot, name: indexNameI30, id: 2, resident: true,
			data: buildIndexRootAttrData([][]byte{buildIndexEntry(0, "", 0, false, true)})}),
	}
	recSub := buildRecordFromAttrs(fixtureSubDirRecord, fixtureRecordSize, fixtureSectorSize,
		fileRecordFlagInUse|fileRecordFlagDirectory, subAttrs)
	place(fixtureSubDirRecord, recSub)

	// Record #25: "hello.txt", a plain resident-data file.
	helloContent := []byte("hello world")
	helloAttrs := [][]byte{
		buildAttribute(attrSpec{typ: AttrStandardInformation, id: 0, resident: true,
			data: buildStandardInfoAttrData(100, 200, 300, 400)}),
		buildAttribute(attrSpec{typ: AttrFileName, id: 1, resident: true,
			data: buildFileNameAttrData(RootDirectoryRecord, "hello.txt", false, 0, uint64(len(helloContent)))}),
		buildAttribute(attrSpec{typ: AttrData, id: 2, resident: true, data: helloContent}),
	}
	recHello := buildRecordFromAttrs(fixtureHelloRecord, fixtureRecordSize, fixtureSectorSize,
		fileRecordFlagInUse, helloAttrs)
	place(fixtureHelloRecord, recHello)

	// Record #26: "stream.txt", with both an unnamed DATA attribute and a
	// named "alt" alternate data stream (S4: the two must resolve to
	// different content).
	mainContent := []byte("main stream")
	altContent := []byte("alternate stream")
	streamAttrs := [][]byte{
		buildAttribute(attrSpec{typ: AttrStandardInformation, id: 0, resident: true,
			data: buildStandardInfoAttrData(1000, 2000, 3000, 4000)}),
		buildAttribute(attrSpec{typ: AttrFileName, id: 1, resident: true,
			data: buildFileNameAttrData(RootDirectoryRecord, "stream.txt", false, 0, uint64(len(mainContent)))}),
		buildAttribute(attrSpec{typ: AttrData, id: 2, resident: true, data: mainContent}),
		buildAttribute(attrSpec{typ: AttrData, name: "alt", id: 3, resident: true, data: altContent}),
	}
	recStream := buildRecordFromAttrs(fixtureStreamRecord, fixtureRecordSize, fixtureSectorSize,
		fileRecordFlagInUse, streamAttrs)
	place(fixtureStreamRecord, recStream)

	bootBuf := buildBootSector(fixtureSectorSize, fixtureClusterSize/fixtureSectorSize, 0, -10, -12)
	vol := &fakeVolume{clusterSize: fixtureClusterSize, data: flat}

	e, err := Open(bootBuf, vol, nil)
	require.NoError(t, err)
	return e
}
