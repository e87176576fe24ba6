// Package partition locates the start and extent of partitions on a
// block-addressable disk by reading its boot record: a protective MBR
// pointing at a GUID Partition Table, a plain MBR, or neither. Struct
// layouts are the read-side mirror of the write-side GPT/MBR builder in
// pkg/vimg/partitions.go; the read flow (read LBA 0, check for the 0xEE
// protective entry, fall through to GPT) follows pkg/vdecompiler/io.go's
// readGPTHeader/readGPTEntries.
package partition

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"

	"github.com/forensicsgo/diskimgfs/pkg/bsource"
	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

// SectorSize is the fixed LBA size for boot-record parsing (distinct from
// an NTFS volume's own bytes-per-sector, which may differ).
const SectorSize = 512

const (
	mbrSignatureOffset = 510
	mbrPartitionOffset = 0x1BE
	mbrPartitionSize   = 16
	mbrPartitionCount  = 4

	gptProtectiveType = 0xEE
	gptSignature      = "EFI PART"
)

// Kind identifies how a Partition's bounds were discovered.
type Kind int

const (
	// KindRaw is produced when no recognisable boot record is found; the
	// whole image is exposed as a single pseudo-partition.
	KindRaw Kind = iota
	KindMBR
	KindGPT
)

// Partition describes one located partition.
type Partition struct {
	Kind     Kind
	StartLBA uint64
	EndLBA   uint64
	// TypeName is a human-readable type hint: the resolved GPT partition
	// type GUID's well-known name (or its canonical string form if
	// unrecognised), "MBR" for a legacy MBR entry, or "RAW" for the
	// whole-image fallback.
	TypeName string
}

// wellKnownGPTTypes maps common GPT partition-type GUIDs to display names,
// used only for diagnostics.
var wellKnownGPTTypes = map[uuid.UUID]string{
	uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"): "Microsoft Basic Data",
	uuid.MustParse("E3C9E316-0B5C-4DB8-817D-F92DF00215AE"): "Microsoft Reserved",
	uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B"): "EFI System",
	uuid.MustParse("DE94BBA4-06D1-4D40-A16A-BFD50179D6AC"): "Windows Recovery",
}

func gptTypeName(id uuid.UUID) string {
	if name, ok := wellKnownGPTTypes[id]; ok {
		return name
	}
	return id.String()
}

// Find reads the boot record of src (total size totalLBAs * SectorSize) and
// returns every located partition.
func Find(src bsource.ByteSource, totalLBAs uint64) ([]Partition, error) {
	sector0 := make([]byte, SectorSize)
	if _, err := src.ReadAt(sector0, 0); err != nil {
		return nil, dferr.Wrap(dferr.KindIO, "reading LBA 0", err)
	}

	if binary.LittleEndian.Uint16(sector0[mbrSignatureOffset:mbrSignatureOffset+2]) != 0xAA55 {
		return []Partition{{Kind: KindRaw, StartLBA: 0, EndLBA: totalLBAs, TypeName: "RAW"}}, nil
	}

	entries := parseMBREntries(sector0)

	if len(entries) == 1 && entries[0].partitionType == gptProtectiveType {
		return readGPT(src, totalLBAs)
	}

	if len(entries) == 0 {
		return []Partition{{Kind: KindRaw, StartLBA: 0, EndLBA: totalLBAs, TypeName: "RAW"}}, nil
	}

	out := make([]Partition, 0, len(entries))
	for _, e := range entries {
		out = append(out, Partition{
			Kind:     KindMBR,
			StartLBA: uint64(e.firstLBA),
			EndLBA:   uint64(e.firstLBA) + uint64(e.totalSectors),
			TypeName: "MBR",
		})
	}
	return out, nil
}

type mbrEntry struct {
	partitionType byte
	firstLBA      uint32
	totalSectors  uint32
}

func parseMBREntries(sector0 []byte) []mbrEntry {
	var entries []mbrEntry
	for i := 0; i < mbrPartitionCount; i++ {
		base := mbrPartitionOffset + i*mbrPartitionSize
		partType := sector0[base+4]
		if partType == 0 {
			continue
		}
		firstLBA := binary.LittleEndian.Uint32(sector0[base+8 : base+12])
		totalSectors := binary.LittleEndian.Uint32(sector0[base+12 : base+16])
		entries = append(entries, mbrEntry{
			partitionType: partType,
			firstLBA:      firstLBA,
			totalSectors:  totalSectors,
		})
	}
	return entries
}

func readGPT(src bsource.ByteSource, totalLBAs uint64) ([]Partition, error) {
	header := make([]byte, 92)
	if _, err := src.ReadAt(header, SectorSize); err != nil {
		return nil, dferr.Wrap(dferr.KindIO, "reading GPT header at LBA 1", err)
	}

	if string(header[0:8]) != gptSignature {
		return nil, dferr.New(dferr.KindCorruptImage, "invalid GPT header signature")
	}

	entriesLBA := binary.LittleEndian.Uint64(header[72:80])
	numEntries := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])

	if entrySize == 0 || numEntries == 0 {
		return nil, dferr.New(dferr.KindCorruptImage, "GPT header declares zero-sized partition entry array")
	}

	tableBytes := make([]byte, uint64(numEntries)*uint64(entrySize))
	if _, err := src.ReadAt(tableBytes, int64(entriesLBA)*SectorSize); err != nil {
		return nil, dferr.Wrap(dferr.KindIO, "reading GPT partition entry array", err)
	}

	var out []Partition
	for i := uint32(0); i < numEntries; i++ {
		base := i * entrySize
		entry := tableBytes[base : base+entrySize]

		typeGUID, err := uuid.FromBytes(leGUIDToBE(entry[0:16]))
		if err != nil {
			continue
		}
		if typeGUID == uuid.Nil {
			continue
		}

		firstLBA := binary.LittleEndian.Uint64(entry[32:40])
		lastLBA := binary.LittleEndian.Uint64(entry[40:48])

		out = append(out, Partition{
			Kind:     KindGPT,
			StartLBA: firstLBA,
			EndLBA:   lastLBA + 1,
			TypeName: gptTypeName(typeGUID),
		})
	}

	if len(out) == 0 {
		return []Partition{{Kind: KindRaw, StartLBA: 0, EndLBA: totalLBAs, TypeName: "RAW"}}, nil
	}

	return out, nil
}

// leGUIDToBE converts an on-disk little-endian-mixed GUID (Microsoft's
// "bytes_le" layout for the first three fields) into the byte order
// uuid.FromBytes expects.
func leGUIDToBE(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

// Name returns the best-effort textual description of p, suitable for
// logging, combining its kind and type name.
func (p Partition) Name() string {
	var b strings.Builder
	switch p.Kind {
	case KindGPT:
		b.WriteString("gpt:")
	case KindMBR:
		b.WriteString("mbr:")
	default:
		b.WriteString("raw:")
	}
	b.WriteString(p.TypeName)
	return b.String()
}
