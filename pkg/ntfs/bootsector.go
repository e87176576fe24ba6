// Package ntfs implements the NtfsEngine layer: boot sector parsing, MFT
// file-record parsing with fix-up application, resident/non-resident
// attribute handling and data-run decoding, $I30 directory index walking,
// path resolution, and the file-handle API. The shape of the package
// (a cached inode/record lookup feeding a path resolver and a directory
// walker) follows pkg/vdecompiler/fs.go, generalizing its ext4
// inode/extent-tree model to NTFS's MFT-record/run-list model; the
// on-disk structures themselves are grounded on
// _examples/original_source/adiskreader/filesystems/ntfs.
package ntfs

import (
	"encoding/binary"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

// BootSector is the parsed NTFS partition boot sector (PBS).
type BootSector struct {
	BytesPerSector     uint16
	SectorsPerCluster  uint8
	TotalSectors       uint64
	MFTCluster         uint64
	MFTMirrorCluster   uint64
	ClustersPerMFTRecordRaw   int8
	ClustersPerIndexRecordRaw int8
	VolumeSerialNumber uint64
}

// ClusterSize returns the volume's cluster size in bytes.
func (b BootSector) ClusterSize() uint32 {
	return uint32(b.BytesPerSector) * uint32(b.SectorsPerCluster)
}

// recordSize applies the signed-byte convention shared by
// ClustersPerMFTRecordRaw and ClustersPerIndexRecordRaw: a negative n means
// 2^|n| bytes, a positive n means n clusters.
func (b BootSector) recordSize(raw int8) uint32 {
	if raw < 0 {
		return 1 << uint32(-raw)
	}
	return uint32(raw) * b.ClusterSize()
}

// MFTRecordSize returns the size in bytes of one MFT file record.
func (b BootSector) MFTRecordSize() uint32 {
	return b.recordSize(b.ClustersPerMFTRecordRaw)
}

// IndexRecordSize returns the size in bytes of one $I30 INDX record.
func (b BootSector) IndexRecordSize() uint32 {
	return b.recordSize(b.ClustersPerIndexRecordRaw)
}

// ParseBootSector parses the 512-byte NTFS boot sector in buf.
func ParseBootSector(buf []byte) (BootSector, error) {
	var b BootSector

	if len(buf) < 512 {
		return b, dferr.New(dferr.KindCorruptImage, "NTFS boot sector shorter than 512 bytes")
	}

	if string(buf[3:11]) != "NTFS    " {
		return b, dferr.New(dferr.KindCorruptImage, "missing NTFS OEM id")
	}

	b.BytesPerSector = binary.LittleEndian.Uint16(buf[11:13])
	b.SectorsPerCluster = buf[13]
	b.TotalSectors = binary.LittleEndian.Uint64(buf[40:48])
	b.MFTCluster = binary.LittleEndian.Uint64(buf[48:56])
	b.MFTMirrorCluster = binary.LittleEndian.Uint64(buf[56:64])
	b.ClustersPerMFTRecordRaw = int8(buf[64])
	b.ClustersPerIndexRecordRaw = int8(buf[68])
	b.VolumeSerialNumber = binary.LittleEndian.Uint64(buf[72:80])

	if binary.LittleEndian.Uint16(buf[510:512]) != 0xAA55 {
		return b, dferr.New(dferr.KindCorruptImage, "invalid NTFS boot sector signature")
	}

	if b.BytesPerSector == 0 || b.SectorsPerCluster == 0 {
		return b, dferr.New(dferr.KindCorruptImage, "NTFS boot sector declares zero sector/cluster size")
	}

	return b, nil
}
