package ntfs

import (
	"encoding/binary"

	"github.com/forensicsgo/diskimgfs/pkg/dflog"
)

// applyFixup walks the Update Sequence Array embedded in a FILE or INDX
// record and undoes the fix-up NTFS applies at format time: the last two
// bytes of every sectorSize-sized chunk are swapped out for a stored
// signature word at write time, and must be swapped back for read, with the
// signature checked against the expected value first. A mismatch indicates
// a torn or corrupted sector; per the engine's error policy this is logged
// and the read continues with the chunk left as-is, rather than aborting
// the whole record.
func applyFixup(buf []byte, usaOffset, usaCount uint16, sectorSize int, log dflog.Logger, context string) {
	if log == nil {
		log = dflog.NopLogger()
	}

	if int(usaOffset)+int(usaCount)*2 > len(buf) {
		log.Warnf("ntfs: %s: update sequence array out of bounds, skipping fix-up", context)
		return
	}

	usa := buf[usaOffset : usaOffset+usaCount*2]
	if len(usa) < 2 {
		return
	}
	signature := usa[0:2]
	stored := usa[2:]

	for i := 0; i*2 < len(stored); i++ {
		chunkEnd := (i+1)*sectorSize - 2
		if chunkEnd+2 > len(buf) {
			break
		}

		actual := buf[chunkEnd : chunkEnd+2]
		if actual[0] != signature[0] || actual[1] != signature[1] {
			log.Warnf("ntfs: %s: update sequence signature mismatch at sector %d, leaving chunk unmodified", context, i)
			continue
		}

		buf[chunkEnd] = stored[i*2]
		buf[chunkEnd+1] = stored[i*2+1]
	}
}

func le16(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
