package ntfs

import (
	"time"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
	"github.com/forensicsgo/diskimgfs/pkg/dflog"
)

const (
	fileRecordFlagInUse               = 0x0001
	fileRecordFlagDirectory           = 0x0002
	fileRecordFlagExtension           = 0x0004
	fileRecordFlagSpecialIndexPresent = 0x0008
)

// FileRecord is one parsed MFT file record: its header plus its decoded
// attribute list.
type FileRecord struct {
	RecordNumber  uint64
	SequenceNumber uint16
	LinkCount     uint16
	Flags         uint16
	BaseRecord    uint64
	Attributes    []Attribute
}

// InUse reports whether this record's IN_USE flag is set.
func (r FileRecord) InUse() bool { return r.Flags&fileRecordFlagInUse != 0 }

// IsDirectory reports whether this record's DIRECTORY flag is set.
func (r FileRecord) IsDirectory() bool { return r.Flags&fileRecordFlagDirectory != 0 }

// IsExtensionRecord reports whether this record is a non-base MFT record
// (one referenced from another record's ATTRIBUTE_LIST).
func (r FileRecord) IsExtensionRecord() bool { return r.Flags&fileRecordFlagExtension != 0 }

// parseFileRecord parses one MFT file record occupying buf (exactly one
// record's worth of bytes), applying the update-sequence fix-up in place
// before parsing the header and attributes.
func parseFileRecord(buf []byte, sectorSize int, log dflog.Logger, context string) (FileRecord, error) {
	var r FileRecord

	if len(buf) < 48 {
		return r, dferr.New(dferr.KindCorruptImage, "file record shorter than header")
	}
	if string(buf[0:4]) != "FILE" {
		return r, dferr.New(dferr.KindCorruptImage, "missing FILE record signature")
	}

	usaOffset := le16(buf[4:6])
	usaCount := le16(buf[6:8])
	applyFixup(buf, usaOffset, usaCount, sectorSize, log, context)

	r.SequenceNumber = le16(buf[16:18])
	r.LinkCount = le16(buf[18:20])
	attrOffset := le16(buf[20:22])
	r.Flags = le16(buf[22:24])
	bytesInUse := le32(buf[24:28])
	r.BaseRecord = le64(buf[32:40]) & 0x0000FFFFFFFFFFFF
	r.RecordNumber = uint64(le32(buf[44:48]))

	if bytesInUse > uint32(len(buf)) {
		bytesInUse = uint32(len(buf))
	}

	attrs, err := parseAttributes(buf, uint32(attrOffset), bytesInUse)
	if err != nil {
		return r, err
	}
	r.Attributes = attrs

	return r, nil
}

// AttributesOfType returns every attribute of the given type, in on-disk
// order.
func (r FileRecord) AttributesOfType(typ uint32) []Attribute {
	var out []Attribute
	for _, a := range r.Attributes {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

// MainFileName returns the FILE_NAME attribute this engine treats as the
// record's canonical name: the one with the lowest attribute id, per
// original_source/adiskreader/filesystems/ntfs/filerecord.py's
// get_main_filename.
func (r FileRecord) MainFileName() (FileName, bool) {
	var best *Attribute
	for i := range r.Attributes {
		a := &r.Attributes[i]
		if a.Type != AttrFileName {
			continue
		}
		if best == nil || a.ID < best.ID {
			best = a
		}
	}
	if best == nil {
		return FileName{}, false
	}
	fn, err := ParseFileName(best.Data)
	if err != nil {
		return FileName{}, false
	}
	return fn, true
}

// StandardInformation is the decoded STANDARD_INFORMATION (0x10) attribute.
type StandardInformation struct {
	Created      time.Time
	Modified     time.Time
	MFTModified  time.Time
	Accessed     time.Time
	Flags        uint32
}

// ParseStandardInformation decodes a STANDARD_INFORMATION attribute's
// resident payload.
func ParseStandardInformation(data []byte) (StandardInformation, error) {
	var si StandardInformation
	if len(data) < 48 {
		return si, dferr.New(dferr.KindCorruptImage, "STANDARD_INFORMATION shorter than 48 bytes")
	}
	si.Created = filetimeToTime(le64(data[0:8]))
	si.Modified = filetimeToTime(le64(data[8:16]))
	si.MFTModified = filetimeToTime(le64(data[16:24]))
	si.Accessed = filetimeToTime(le64(data[24:32]))
	si.Flags = le32(data[32:36])
	return si, nil
}

// FileName is the decoded FILE_NAME (0x30) attribute.
type FileName struct {
	ParentRef    uint64
	ParentSeq    uint16
	Created      time.Time
	Modified     time.Time
	MFTModified  time.Time
	Accessed     time.Time
	AllocatedSize uint64
	RealSize     uint64
	Flags        uint32
	Namespace    byte
	Name         string
}

// IsDirectory reports whether this FILE_NAME's DIRECTORY flag is set.
func (f FileName) IsDirectory() bool { return f.Flags&FileNameFlagDirectory != 0 }

// ParseFileName decodes a FILE_NAME attribute's resident payload.
func ParseFileName(data []byte) (FileName, error) {
	var fn FileName
	if len(data) < 66 {
		return fn, dferr.New(dferr.KindCorruptImage, "FILE_NAME shorter than 66 bytes")
	}

	parentRefRaw := append(append([]byte(nil), data[0:6]...), 0, 0)
	fn.ParentRef = le64(parentRefRaw) & 0x0000FFFFFFFFFFFF
	fn.ParentSeq = le16(data[6:8])
	fn.Created = filetimeToTime(le64(data[8:16]))
	fn.Modified = filetimeToTime(le64(data[16:24]))
	fn.MFTModified = filetimeToTime(le64(data[24:32]))
	fn.Accessed = filetimeToTime(le64(data[32:40]))
	fn.AllocatedSize = le64(data[40:48])
	fn.RealSize = le64(data[48:56])
	fn.Flags = le32(data[56:60])
	nameLength := data[64]
	fn.Namespace = data[65]

	nameBytes := data[66 : 66+int(nameLength)*2]
	fn.Name = utf16LEToString(nameBytes)

	return fn, nil
}

// AttributeListEntry is one decoded entry of an ATTRIBUTE_LIST (0x20)
// attribute. The on-disk layout here is implemented directly from this
// module's own authoritative field description: the reference decoder this
// engine otherwise follows never parses ATTRIBUTE_LIST into entries at all,
// it only retains the raw bytes, so there is no behavior to mirror for this
// one structure.
type AttributeListEntry struct {
	Type        uint32
	Name        string
	StartVCN    uint64
	BaseFileRef uint64
	AttributeID uint16
}

// ParseAttributeList decodes an ATTRIBUTE_LIST attribute's resident payload
// into its entries.
func ParseAttributeList(data []byte) ([]AttributeListEntry, error) {
	var out []AttributeListEntry

	pos := 0
	for pos+26 <= len(data) {
		typ := le32(data[pos : pos+4])
		length := le16(data[pos+4 : pos+6])
		if length == 0 {
			break
		}
		nameLength := data[pos+6]
		nameOffset := data[pos+7]
		startVCN := le64(data[pos+8 : pos+16])
		baseRefRaw := append(append([]byte(nil), data[pos+16:pos+22]...), 0, 0)
		baseRef := le64(baseRefRaw) & 0x0000FFFFFFFFFFFF
		attrID := le16(data[pos+24 : pos+26])

		var name string
		if nameLength > 0 {
			start := pos + int(nameOffset)
			end := start + int(nameLength)*2
			if end <= len(data) {
				name = utf16LEToString(data[start:end])
			}
		}

		out = append(out, AttributeListEntry{
			Type:        typ,
			Name:        name,
			StartVCN:    startVCN,
			BaseFileRef: baseRef,
			AttributeID: attrID,
		})

		if int(length) <= 0 {
			break
		}
		pos += int(length)
	}

	return out, nil
}

// ntfsEpoch is 1601-01-01T00:00:00Z, the zero point of NTFS FILETIME values.
var ntfsEpoch = time.Date(1601, 1, 1, 0, 0, 0, 0, time.UTC)

// filetimeToTime converts a 100ns-resolution NTFS FILETIME into a time.Time.
func filetimeToTime(ft uint64) time.Time {
	const ticksPerSecond = 10_000_000
	return time.Unix(ntfsEpoch.Unix()+int64(ft/ticksPerSecond), int64(ft%ticksPerSecond)*100).UTC()
}
