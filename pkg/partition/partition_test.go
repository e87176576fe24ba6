package partition

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type memorySource struct{ buf []byte }

func (m *memorySource) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}
func (m *memorySource) Seek(offset int64, whence int) (int64, error) { return 0, nil }
func (m *memorySource) Close() error                                 { return nil }
func (m *memorySource) Size() (int64, error)                         { return int64(len(m.buf)), nil }

func TestFindRawWhenNoSignature(t *testing.T) {
	buf := make([]byte, SectorSize)
	parts, err := Find(&memorySource{buf: buf}, 100)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, KindRaw, parts[0].Kind)
}

func TestFindMBR(t *testing.T) {
	buf := make([]byte, SectorSize)
	binary.LittleEndian.PutUint16(buf[510:512], 0xAA55)

	base := mbrPartitionOffset
	buf[base+4] = 0x07 // NTFS/exFAT type byte
	binary.LittleEndian.PutUint32(buf[base+8:base+12], 2048)
	binary.LittleEndian.PutUint32(buf[base+12:base+16], 1000)

	parts, err := Find(&memorySource{buf: buf}, 100000)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, KindMBR, parts[0].Kind)
	require.EqualValues(t, 2048, parts[0].StartLBA)
	require.EqualValues(t, 3048, parts[0].EndLBA)
}

func TestFindGPTProtective(t *testing.T) {
	buf := make([]byte, 100*SectorSize)
	binary.LittleEndian.PutUint16(buf[510:512], 0xAA55)

	base := mbrPartitionOffset
	buf[base+4] = gptProtectiveType
	binary.LittleEndian.PutUint32(buf[base+8:base+12], 1)
	binary.LittleEndian.PutUint32(buf[base+12:base+16], 99)

	gptHeaderOff := SectorSize
	copy(buf[gptHeaderOff:gptHeaderOff+8], gptSignature)
	binary.LittleEndian.PutUint64(buf[gptHeaderOff+72:gptHeaderOff+80], 2) // entries at LBA 2
	binary.LittleEndian.PutUint32(buf[gptHeaderOff+80:gptHeaderOff+84], 1) // 1 entry
	binary.LittleEndian.PutUint32(buf[gptHeaderOff+84:gptHeaderOff+88], 128)

	entryOff := 2 * SectorSize
	typeID := uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	idLE := beGUIDToLE(typeID)
	copy(buf[entryOff:entryOff+16], idLE[:])
	binary.LittleEndian.PutUint64(buf[entryOff+32:entryOff+40], 34)
	binary.LittleEndian.PutUint64(buf[entryOff+40:entryOff+48], 1000)

	parts, err := Find(&memorySource{buf: buf}, 100)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, KindGPT, parts[0].Kind)
	require.EqualValues(t, 34, parts[0].StartLBA)
	require.EqualValues(t, 1001, parts[0].EndLBA)
	require.Equal(t, "Microsoft Basic Data", parts[0].TypeName)
}

func beGUIDToLE(id uuid.UUID) [16]byte {
	b := id
	var out [16]byte
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}
