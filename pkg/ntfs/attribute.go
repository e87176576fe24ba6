package ntfs

import (
	"encoding/binary"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

// Attribute type codes, grounded on
// original_source/adiskreader/filesystems/ntfs/attributes.py.
const (
	AttrStandardInformation = 0x10
	AttrAttributeList       = 0x20
	AttrFileName            = 0x30
	AttrObjectID            = 0x40
	AttrSecurityDescriptor  = 0x50
	AttrVolumeName          = 0x60
	AttrVolumeInformation   = 0x70
	AttrData                = 0x80
	AttrIndexRoot           = 0x90
	AttrIndexAllocation     = 0xA0
	AttrBitmap              = 0xB0
	AttrReparsePoint        = 0xC0
	AttrEAInformation       = 0xD0
	AttrEA                  = 0xE0
	AttrPropertySet         = 0xF0
	AttrLoggedUtilityStream = 0x100
	attrTerminator          = 0xFFFFFFFF
)

// FileNameFlagDirectory marks a FILE_NAME attribute's target as a directory.
const FileNameFlagDirectory = 0x10000000

// Attribute is one parsed attribute record from a FILE record: a common
// header plus either resident payload bytes or a decoded, non-resident
// run-list.
type Attribute struct {
	Type       uint32
	Name       string
	ID         uint16
	Flags      uint16
	Resident   bool

	// Data holds the attribute's payload when Resident is true.
	Data []byte

	// The following are only meaningful when Resident is false.
	StartVCN   uint64
	LastVCN    uint64
	AllocSize  uint64
	RealSize   uint64
	InitSize   uint64
	Runs       []Run
}

// Run is one entry of a decoded non-resident attribute data-run list: count
// consecutive clusters starting at StartCluster, or a sparse run (IsSparse)
// occupying no physical clusters.
type Run struct {
	StartCluster uint64
	Length       uint64
	IsSparse     bool
}

// parseAttributes walks the attribute records following a FILE record's
// header (at buf[attrOffset:]) until the 0xFFFFFFFF terminator or the end of
// bytesInUse, decoding each into an Attribute. A declared length shorter
// than an attribute header is fatal; one running past bytesInUse is cut at
// bytesInUse. An attribute that fails to decode is dropped and the walk
// goes on to the next one.
func parseAttributes(buf []byte, attrOffset uint32, bytesInUse uint32) ([]Attribute, error) {
	var out []Attribute

	pos := attrOffset
	for pos+4 <= bytesInUse {
		typ := le32(buf[pos : pos+4])
		if typ == attrTerminator {
			break
		}
		if pos+4 > uint32(len(buf)) {
			return nil, dferr.New(dferr.KindCorruptImage, "attribute header runs past record")
		}

		length := le32(buf[pos+4 : pos+8])
		if length < 16 {
			return nil, dferr.New(dferr.KindCorruptImage, "attribute declares invalid length")
		}
		if length > bytesInUse-pos {
			length = bytesInUse - pos
		}

		rec := buf[pos : pos+length]
		attr, err := parseOneAttribute(rec)
		if err != nil {
			pos += length
			continue
		}
		attr.Type = typ
		out = append(out, attr)

		pos += length
	}

	return out, nil
}

func parseOneAttribute(rec []byte) (Attribute, error) {
	var a Attribute

	if len(rec) < 16 {
		return a, dferr.New(dferr.KindCorruptImage, "attribute header shorter than 16 bytes")
	}

	nonResident := rec[8]
	nameLength := rec[9]
	nameOffset := le16(rec[10:12])
	a.Flags = le16(rec[12:14])
	a.ID = le16(rec[14:16])
	a.Resident = nonResident == 0

	if nameLength > 0 {
		nameBytes := rec[nameOffset : uint16(nameOffset)+uint16(nameLength)*2]
		a.Name = utf16LEToString(nameBytes)
	}

	if a.Resident {
		if len(rec) < 24 {
			return a, dferr.New(dferr.KindCorruptImage, "resident attribute header truncated")
		}
		attrLength := le32(rec[16:20])
		attrOffset := le16(rec[20:22])
		if uint32(attrOffset)+attrLength > uint32(len(rec)) {
			return a, dferr.New(dferr.KindCorruptImage, "resident attribute data runs past record")
		}
		a.Data = append([]byte(nil), rec[attrOffset:uint32(attrOffset)+attrLength]...)
		return a, nil
	}

	if len(rec) < 64 {
		return a, dferr.New(dferr.KindCorruptImage, "non-resident attribute header truncated")
	}
	a.StartVCN = le64(rec[16:24])
	a.LastVCN = le64(rec[24:32])
	runlistOffset := le16(rec[32:34])
	a.AllocSize = le64(rec[40:48])
	a.RealSize = le64(rec[48:56])
	a.InitSize = le64(rec[56:64])

	runs, err := decodeRunList(rec[runlistOffset:])
	if err != nil {
		return a, err
	}
	a.Runs = runs

	return a, nil
}

// decodeRunList decodes an NTFS data-run list starting at buf[0], stopping
// at the zero terminator byte.
//
// The running absolute cluster position is NOT reset when a sparse run is
// encountered: a sparse run carries no offset field at all, so there is
// nothing to add to the running position, and the position must be carried
// forward unchanged into the next (present) run. The original reference
// decoder this engine was otherwise modeled on resets the running cluster
// to zero on every sparse run, which corrupts the absolute position of
// every run that follows a sparse gap; that behavior is a bug, not a
// variant worth preserving, and is deliberately not reproduced here.
func decodeRunList(buf []byte) ([]Run, error) {
	var runs []Run

	var current int64
	pos := 0
	for pos < len(buf) {
		header := buf[pos]
		if header == 0 {
			break
		}
		lengthBytes := int(header & 0x0F)
		offsetBytes := int((header >> 4) & 0x0F)
		pos++

		if pos+lengthBytes+offsetBytes > len(buf) {
			return nil, dferr.New(dferr.KindCorruptImage, "data run header runs past attribute")
		}

		runLength := leUint(buf[pos : pos+lengthBytes])
		pos += lengthBytes

		if offsetBytes == 0 {
			runs = append(runs, Run{Length: runLength, IsSparse: true})
			continue
		}

		delta := leSigned(buf[pos:pos+offsetBytes], offsetBytes)
		pos += offsetBytes

		current += delta
		if current < 0 {
			return nil, dferr.New(dferr.KindCorruptImage, "data run decodes to negative cluster")
		}

		runs = append(runs, Run{StartCluster: uint64(current), Length: runLength})
	}

	return runs, nil
}

func leUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leSigned(b []byte, n int) int64 {
	v := leUint(b)
	signBit := uint64(1) << (uint(n)*8 - 1)
	if v&signBit != 0 {
		v -= uint64(1) << (uint(n) * 8)
		return int64(v)
	}
	return int64(v)
}

func utf16LEToString(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return utf16Decode(units)
}
