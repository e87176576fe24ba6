package ntfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensicsgo/diskimgfs/pkg/dflog"
)

// buildFileRecord assembles a minimal two-sector FILE record with a
// resident FILE_NAME attribute, applying the update-sequence signature at
// write time the way an NTFS formatter would, so applyFixup has real work
// to undo.
func buildFileRecord(recordSize, sectorSize int, name string, isDirectory bool) []byte {
	buf := make([]byte, recordSize)
	copy(buf[0:4], "FILE")

	usaOffset := uint16(48)
	numSectors := recordSize / sectorSize
	usaCount := uint16(numSectors + 1)
	binary.LittleEndian.PutUint16(buf[4:6], usaOffset)
	binary.LittleEndian.PutUint16(buf[6:8], usaCount)

	signature := uint16(0x5151)
	binary.LittleEndian.PutUint16(buf[usaOffset:usaOffset+2], signature)

	flags := uint16(fileRecordFlagInUse)
	if isDirectory {
		flags |= fileRecordFlagDirectory
	}
	binary.LittleEndian.PutUint16(buf[22:24], flags)

	attrOffset := uint16(usaOffset) + usaCount*2
	if attrOffset%8 != 0 {
		attrOffset += 8 - attrOffset%8
	}
	binary.LittleEndian.PutUint16(buf[20:22], attrOffset)
	binary.LittleEndian.PutUint32(buf[44:48], 7)

	// FILE_NAME attribute, resident.
	nameUTF16 := stringToUTF16LE(name)
	fnPayloadLen := 66 + len(nameUTF16)
	attrHeaderLen := 24
	fnAttrLen := alignUp(attrHeaderLen+fnPayloadLen, 8)

	pos := int(attrOffset)
	binary.LittleEndian.PutUint32(buf[pos:pos+4], AttrFileName)
	binary.LittleEndian.PutUint32(buf[pos+4:pos+8], uint32(fnAttrLen))
	buf[pos+8] = 0 // resident
	binary.LittleEndian.PutUint32(buf[pos+16:pos+20], uint32(fnPayloadLen))
	binary.LittleEndian.PutUint16(buf[pos+20:pos+22], uint16(attrHeaderLen))

	fnPos := pos + attrHeaderLen
	// parent ref = 5 (root), real_size, flags, name_length, namespace, name
	binary.LittleEndian.PutUint32(buf[fnPos:fnPos+4], 5)
	var fnFlags uint32
	if isDirectory {
		fnFlags = FileNameFlagDirectory
	}
	binary.LittleEndian.PutUint32(buf[fnPos+56:fnPos+60], fnFlags)
	buf[fnPos+64] = byte(len(name))
	buf[fnPos+65] = 1 // WIN32
	copy(buf[fnPos+66:], nameUTF16)

	pos += fnAttrLen

	binary.LittleEndian.PutUint32(buf[pos:pos+4], 0xFFFFFFFF)
	bytesInUse := uint32(pos + 4)
	binary.LittleEndian.PutUint32(buf[24:28], bytesInUse)

	// apply the sector-boundary fixup overwrite the way the formatter would.
	for i := 0; i < numSectors; i++ {
		end := (i+1)*sectorSize - 2
		buf[end], buf[end+1] = byte(signature), byte(signature>>8)
	}

	return buf
}

func stringToUTF16LE(s string) []byte {
	out := make([]byte, 0, len(s)*2)
	for _, r := range s {
		out = append(out, byte(r), byte(r>>8))
	}
	return out
}

func alignUp(n, align int) int {
	if n%align == 0 {
		return n
	}
	return n + (align - n%align)
}

func TestParseFileRecordAppliesFixupAndAttributes(t *testing.T) {
	const sectorSize = 512
	const recordSize = 1024

	buf := buildFileRecord(recordSize, sectorSize, "hello.txt", false)

	rec, err := parseFileRecord(buf, sectorSize, dflog.NopLogger(), "test record")
	require.NoError(t, err)

	require.True(t, rec.InUse())
	require.False(t, rec.IsDirectory())

	fn, ok := rec.MainFileName()
	require.True(t, ok, "expected a main FILE_NAME attribute")
	require.Equal(t, "hello.txt", fn.Name)
	require.EqualValues(t, 5, fn.ParentRef)
}

func TestParseFileRecordDirectoryFlag(t *testing.T) {
	const sectorSize = 512
	const recordSize = 1024

	buf := buildFileRecord(recordSize, sectorSize, "sub", true)

	rec, err := parseFileRecord(buf, sectorSize, dflog.NopLogger(), "test record")
	require.NoError(t, err)
	require.True(t, rec.IsDirectory())

	fn, ok := rec.MainFileName()
	require.True(t, ok)
	require.True(t, fn.IsDirectory())
}

func TestParseFileRecordBadSignature(t *testing.T) {
	buf := make([]byte, 1024)
	_, err := parseFileRecord(buf, 512, dflog.NopLogger(), "bad")
	require.Error(t, err)
}
