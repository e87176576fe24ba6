// Package vhdx implements the VHDX block-mapped disk translator: parsing
// the VHDX header/region/metadata structures and remapping logical block
// addresses onto byte offsets inside the backing image, following a Block
// Allocation Table the same way pkg/vdecompiler's VMDK grain-table reader
// remaps grain-addressed offsets, generalized to VHDX's header/region/BAT
// layout.
package vhdx

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/forensicsgo/diskimgfs/pkg/bsource"
	"github.com/forensicsgo/diskimgfs/pkg/dferr"
	"github.com/forensicsgo/diskimgfs/pkg/dflog"
)

// crc32cTable is the Castagnoli CRC-32C polynomial the VHDX spec uses for
// every checksummed structure (headers, region table, metadata table).
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// headerChecksum computes the CRC-32C of a 4KiB VHDX header with its own
// Checksum field (bytes 4:8) treated as zero, per the VHDX spec's
// checksum-with-field-zeroed convention.
func headerChecksum(header []byte) uint32 {
	tmp := append([]byte(nil), header...)
	binary.LittleEndian.PutUint32(tmp[4:8], 0)
	return crc32.Checksum(tmp, crc32cTable)
}

const (
	// SectorSize is the logical sector size assumed for LBA addressing
	// (distinct from the on-disk LogicalSectorSize metadata item, which
	// this implementation expects to agree with it).
	SectorSize = 512

	firstHeaderStart  = 64 * 1024
	secondHdrStart    = 128 * 1024
	firstRegionStart  = 192 * 1024
	secondRegionStart = 256 * 1024

	batEntryFullyPresent = 6

	// maxSectorsPerBlock is 2^23, the constant Microsoft's spec uses to
	// derive chunk_ratio.
	maxSectorsPerBlock = 1 << 23

	batOffsetUnit = 1 << 20 // 1 MiB
)

var (
	tfiSignature = [8]byte{'v', 'h', 'd', 'x', 'f', 'i', 'l', 'e'}

	batRegionGUID  = uuid.MustParse("2DC27766-F623-4200-9D64-115E9BFD4A08")
	metaRegionGUID = uuid.MustParse("8B7CA206-4790-4B9A-B8FE-575F050F886E")

	itemFileParameters     = uuid.MustParse("CAA16737-FA36-4D43-B3B6-33F0AA44E76B")
	itemVirtualDiskSize    = uuid.MustParse("2FA54224-CD1B-4876-B211-5DBED83BF4B8")
	itemVirtualDiskID      = uuid.MustParse("BECA12AB-B2E6-4523-93EF-C309E000C746")
	itemLogicalSectorSize  = uuid.MustParse("8141BF1D-A96F-4709-BA47-F233A8FAAB5F")
	itemPhysicalSectorSize = uuid.MustParse("CDA348C7-445D-4471-9CC9-E9885251C556")
)

type rawHeader struct {
	Signature      [4]byte
	Checksum       uint32
	SequenceNumber uint64
}

type regionTableHeader struct {
	Signature  [4]byte
	Checksum   uint32
	EntryCount uint32
	Reserved   uint32
}

type regionTableEntry struct {
	GUID       [16]byte
	FileOffset uint64
	Length     uint32
	Flags      uint32
}

const regionEntryRequiredFlag = 1 << 0

type metaTableHeader struct {
	Signature  [8]byte
	Reserved   uint16
	EntryCount uint16
	Reserved2  [20]byte
}

type metaTableEntry struct {
	ItemID     [16]byte
	ItemOffset uint32
	ItemLength uint32
	Flags      uint32
	Reserved2  uint32
}

// FileParameters mirrors the VHDX FileParameters metadata item.
type FileParameters struct {
	BlockSize           uint32
	LeaveBlockAllocated bool
	HasParent           bool
}

// Metadata holds every VHDX metadata item this translator recognises, plus
// the values derived from them.
type Metadata struct {
	FileParameters
	VirtualDiskSize    uint64
	LogicalSectorSize  uint32
	PhysicalSectorSize uint32
	VirtualDiskID      uuid.UUID

	// ChunkRatio is the number of payload blocks covered by one
	// sector-bitmap block on a dynamic disk.
	ChunkRatio uint64
	// LBAsPerBlock is BlockSize / LogicalSectorSize.
	LBAsPerBlock uint64
}

// batEntry is a decoded Block Allocation Table entry.
type batEntry struct {
	state      uint8
	fileOffset uint64
}

// Disk is a VHDX block-mapped disk translator bound to a ByteSource.
type Disk struct {
	src bsource.ByteSource
	log dflog.Logger

	activeSequenceNumber uint64
	meta                 Metadata
	bat                  []batEntry

	blockCache *lru.Cache[uint64, []byte]
}

// Open parses the VHDX headers, region tables, metadata and BAT of src and
// returns a ready-to-use Disk.
func Open(src bsource.ByteSource, log dflog.Logger) (*Disk, error) {
	if log == nil {
		log = dflog.NopLogger()
	}

	d := &Disk{
		src: src,
		log: log,
	}

	cache, err := lru.New[uint64, []byte](32)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindIO, "allocating block cache", err)
	}
	d.blockCache = cache

	if err := d.parseHeaders(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Disk) readAt(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := d.src.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Disk) parseHeaders() error {
	tfi, err := d.readAt(0, 8)
	if err != nil {
		return dferr.Wrap(dferr.KindIO, "reading VHDX file type identifier", err)
	}
	if string(tfi) != string(tfiSignature[:]) {
		return dferr.New(dferr.KindCorruptImage, "missing vhdxfile signature")
	}

	h1, err1 := d.readHeader(firstHeaderStart)
	h2, err2 := d.readHeader(secondHdrStart)

	var chosen *rawHeader
	switch {
	case err1 == nil && err2 == nil:
		if h2.SequenceNumber > h1.SequenceNumber {
			chosen = h2
		} else {
			chosen = h1
		}
	case err1 == nil:
		chosen = h1
	case err2 == nil:
		chosen = h2
	default:
		return dferr.New(dferr.KindCorruptImage, "no valid VHDX header found")
	}
	d.activeSequenceNumber = chosen.SequenceNumber

	regions, regionsErr := d.readRegionTable(firstRegionStart)
	if regionsErr != nil {
		regions, regionsErr = d.readRegionTable(secondRegionStart)
		if regionsErr != nil {
			return dferr.Wrap(dferr.KindCorruptImage, "no valid VHDX region table found", regionsErr)
		}
	}

	var batOffset, batLength int64
	var metaOffset, metaLength int64
	haveBAT, haveMeta := false, false

	for _, e := range regions {
		guid, _ := uuid.FromBytes(leGUIDToBE(e.GUID[:]))
		switch guid {
		case batRegionGUID:
			batOffset, batLength = int64(e.FileOffset), int64(e.Length)
			haveBAT = true
		case metaRegionGUID:
			metaOffset, metaLength = int64(e.FileOffset), int64(e.Length)
			haveMeta = true
		default:
			if e.Flags&regionEntryRequiredFlag != 0 {
				return dferr.New(dferr.KindUnsupported, "required VHDX region with unrecognised GUID: "+guid.String())
			}
			d.log.Debugf("ignoring optional VHDX region %s", guid)
		}
	}

	if !haveMeta {
		return dferr.New(dferr.KindCorruptImage, "VHDX image has no metadata region")
	}

	meta, err := d.parseMetadata(metaOffset, metaLength)
	if err != nil {
		return err
	}
	d.meta = meta

	if !haveBAT {
		return dferr.New(dferr.KindCorruptImage, "VHDX image has no BAT region")
	}

	bat, err := d.parseBAT(batOffset, batLength)
	if err != nil {
		return err
	}
	d.bat = bat

	return nil
}

// leGUIDToBE converts a little-endian-stored VHDX GUID (the on-disk
// "bytes_le" form) into the byte order uuid.FromBytes expects.
func leGUIDToBE(b []byte) []byte {
	out := make([]byte, 16)
	out[0], out[1], out[2], out[3] = b[3], b[2], b[1], b[0]
	out[4], out[5] = b[5], b[4]
	out[6], out[7] = b[7], b[6]
	copy(out[8:], b[8:16])
	return out
}

func (d *Disk) readHeader(offset int64) (*rawHeader, error) {
	buf, err := d.readAt(offset, 4096)
	if err != nil {
		return nil, err
	}
	var sig [4]byte
	copy(sig[:], buf[:4])
	if string(sig[:]) != "head" {
		return nil, dferr.New(dferr.KindCorruptImage, "invalid VHDX header signature")
	}
	h := &rawHeader{}
	copy(h.Signature[:], buf[0:4])
	h.Checksum = binary.LittleEndian.Uint32(buf[4:8])
	h.SequenceNumber = binary.LittleEndian.Uint64(buf[8:16])

	if got := headerChecksum(buf); got != h.Checksum {
		return nil, dferr.New(dferr.KindCorruptImage, "VHDX header checksum mismatch")
	}

	return h, nil
}

func (d *Disk) readRegionTable(offset int64) ([]regionTableEntry, error) {
	buf, err := d.readAt(offset, 64*1024)
	if err != nil {
		return nil, err
	}
	if string(buf[0:4]) != "regi" {
		return nil, dferr.New(dferr.KindCorruptImage, "invalid VHDX region table signature")
	}
	count := binary.LittleEndian.Uint32(buf[4:8])
	entries := make([]regionTableEntry, 0, count)
	pos := 16
	for i := uint32(0); i < count; i++ {
		if pos+32 > len(buf) {
			return nil, dferr.New(dferr.KindCorruptImage, "VHDX region table entry count overruns table")
		}
		var e regionTableEntry
		copy(e.GUID[:], buf[pos:pos+16])
		e.FileOffset = binary.LittleEndian.Uint64(buf[pos+16 : pos+24])
		e.Length = binary.LittleEndian.Uint32(buf[pos+24 : pos+28])
		e.Flags = binary.LittleEndian.Uint32(buf[pos+28 : pos+32])
		entries = append(entries, e)
		pos += 32
	}
	return entries, nil
}

func (d *Disk) parseMetadata(offset, length int64) (Metadata, error) {
	var meta Metadata

	buf, err := d.readAt(offset, 64*1024)
	if err != nil {
		return meta, dferr.Wrap(dferr.KindIO, "reading VHDX metadata table", err)
	}
	if string(buf[0:8]) != "metadata" {
		return meta, dferr.New(dferr.KindCorruptImage, "invalid VHDX metadata table signature")
	}
	entryCount := binary.LittleEndian.Uint16(buf[10:12])

	pos := 32
	for i := uint16(0); i < entryCount; i++ {
		if pos+24 > len(buf) {
			return meta, dferr.New(dferr.KindCorruptImage, "VHDX metadata entry count overruns table")
		}
		var e metaTableEntry
		copy(e.ItemID[:], buf[pos:pos+16])
		e.ItemOffset = binary.LittleEndian.Uint32(buf[pos+16 : pos+20])
		e.ItemLength = binary.LittleEndian.Uint32(buf[pos+20 : pos+24])
		pos += 24

		guid, _ := uuid.FromBytes(leGUIDToBE(e.ItemID[:]))
		itemOff := offset + int64(e.ItemOffset)

		switch guid {
		case itemFileParameters:
			raw, err := d.readAt(itemOff, 4)
			if err != nil {
				return meta, dferr.Wrap(dferr.KindIO, "reading FileParameters", err)
			}
			meta.BlockSize = binary.LittleEndian.Uint32(raw)
			flagByte, err := d.readAt(itemOff+4, 1)
			if err != nil {
				return meta, dferr.Wrap(dferr.KindIO, "reading FileParameters flags", err)
			}
			meta.LeaveBlockAllocated = flagByte[0]&0x80 != 0
			meta.HasParent = flagByte[0]&0x40 != 0
		case itemVirtualDiskSize:
			raw, err := d.readAt(itemOff, 8)
			if err != nil {
				return meta, dferr.Wrap(dferr.KindIO, "reading VirtualDiskSize", err)
			}
			meta.VirtualDiskSize = binary.LittleEndian.Uint64(raw)
		case itemVirtualDiskID:
			raw, err := d.readAt(itemOff, 16)
			if err != nil {
				return meta, dferr.Wrap(dferr.KindIO, "reading VirtualDiskId", err)
			}
			meta.VirtualDiskID, _ = uuid.FromBytes(leGUIDToBE(raw))
		case itemLogicalSectorSize:
			raw, err := d.readAt(itemOff, 4)
			if err != nil {
				return meta, dferr.Wrap(dferr.KindIO, "reading LogicalSectorSize", err)
			}
			meta.LogicalSectorSize = binary.LittleEndian.Uint32(raw)
		case itemPhysicalSectorSize:
			raw, err := d.readAt(itemOff, 4)
			if err != nil {
				return meta, dferr.Wrap(dferr.KindIO, "reading PhysicalSectorSize", err)
			}
			meta.PhysicalSectorSize = binary.LittleEndian.Uint32(raw)
		}
	}

	if meta.BlockSize == 0 || meta.LogicalSectorSize == 0 {
		return meta, dferr.New(dferr.KindCorruptImage, "VHDX metadata missing BlockSize or LogicalSectorSize")
	}

	meta.ChunkRatio = uint64(maxSectorsPerBlock) * uint64(meta.LogicalSectorSize) / uint64(meta.BlockSize)
	meta.LBAsPerBlock = uint64(meta.BlockSize) / uint64(meta.LogicalSectorSize)

	return meta, nil
}

func (d *Disk) parseBAT(offset, length int64) ([]batEntry, error) {
	buf, err := d.readAt(offset, int(length))
	if err != nil {
		return nil, dferr.Wrap(dferr.KindIO, "reading VHDX BAT region", err)
	}

	entries := make([]batEntry, 0, len(buf)/8)
	for pos := 0; pos+8 <= len(buf); pos += 8 {
		word := binary.LittleEndian.Uint64(buf[pos : pos+8])
		state := uint8(word & 0b111)
		// Computed as a multiplication rather than a left-shift: equal for
		// the standard 1 MiB unit, but this form stays correct if a future
		// variant changes the alignment constant (open question, see
		// SPEC_FULL.md §9).
		fileOffset := (word >> 20) * batOffsetUnit
		entries = append(entries, batEntry{state: state, fileOffset: fileOffset})
	}
	return entries, nil
}

// Metadata returns the parsed VHDX metadata.
func (d *Disk) Metadata() Metadata {
	return d.meta
}

// ActiveSequenceNumber returns the SequenceNumber of the header that was
// selected during parsing (the higher of the two, among those whose
// signature and checksum both validated).
func (d *Disk) ActiveSequenceNumber() uint64 {
	return d.activeSequenceNumber
}

func (d *Disk) batSlotForBlock(blockIdx uint64) uint64 {
	if d.meta.LeaveBlockAllocated {
		return blockIdx
	}
	return blockIdx + blockIdx/d.meta.ChunkRatio
}

func (d *Disk) readBlock(blockIdx uint64) ([]byte, error) {
	if cached, ok := d.blockCache.Get(blockIdx); ok {
		return cached, nil
	}

	slot := d.batSlotForBlock(blockIdx)
	if slot >= uint64(len(d.bat)) {
		return nil, dferr.New(dferr.KindCorruptImage, "BAT slot out of range")
	}
	entry := d.bat[slot]

	if entry.state != batEntryFullyPresent {
		zeroes := make([]byte, d.meta.BlockSize)
		return zeroes, nil
	}

	size, err := d.src.Size()
	if err != nil {
		return nil, err
	}
	if int64(entry.fileOffset)+int64(d.meta.BlockSize) > size {
		return nil, dferr.New(dferr.KindCorruptImage, "BAT entry references offset outside image")
	}

	data, err := d.readAt(int64(entry.fileOffset), int(d.meta.BlockSize))
	if err != nil {
		return nil, dferr.Wrap(dferr.KindIO, "reading VHDX payload block", err)
	}

	d.blockCache.Add(blockIdx, data)
	return data, nil
}

// ReadLBA reads the single logical-sector-sized block at lba.
func (d *Disk) ReadLBA(lba uint64) ([]byte, error) {
	blockIdx := lba / d.meta.LBAsPerBlock
	lbaInBlock := lba % d.meta.LBAsPerBlock

	block, err := d.readBlock(blockIdx)
	if err != nil {
		return nil, err
	}

	start := lbaInBlock * uint64(d.meta.LogicalSectorSize)
	end := start + uint64(d.meta.LogicalSectorSize)
	return block[start:end], nil
}

// ReadLBAs reads a contiguous range of logical blocks in one call, possibly
// spanning multiple VHDX payload blocks.
func (d *Disk) ReadLBAs(firstLBA, count uint64) ([]byte, error) {
	if count == 0 {
		return nil, nil
	}

	lastLBA := firstLBA + count - 1
	firstBlock := firstLBA / d.meta.LBAsPerBlock
	lastBlock := lastLBA / d.meta.LBAsPerBlock

	out := make([]byte, 0, count*uint64(d.meta.LogicalSectorSize))
	for b := firstBlock; b <= lastBlock; b++ {
		block, err := d.readBlock(b)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}

	startBlockLBA := firstBlock * d.meta.LBAsPerBlock
	startOffset := (firstLBA - startBlockLBA) * uint64(d.meta.LogicalSectorSize)
	totalLength := count * uint64(d.meta.LogicalSectorSize)

	if startOffset+totalLength > uint64(len(out)) {
		return nil, dferr.New(dferr.KindCorruptImage, "VHDX block read shorter than expected")
	}

	return out[startOffset : startOffset+totalLength], nil
}

// Size reports the virtual disk size in bytes, as declared by metadata.
func (d *Disk) Size() int64 {
	return int64(d.meta.VirtualDiskSize)
}
