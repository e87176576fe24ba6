// Package describe renders the structure this library has parsed out of a
// disk image — VHDX headers, located partitions, and an NTFS boot sector —
// to YAML, for diagnostic tooling and for tests that want to assert on
// parsed structure without hand-walking every field. This mirrors the
// teacher's own manifest/description-dump convention, which always
// serializes through gopkg.in/yaml.v2 rather than hand-formatting text.
package describe

import (
	"gopkg.in/yaml.v2"

	"github.com/forensicsgo/diskimgfs/pkg/ntfs"
	"github.com/forensicsgo/diskimgfs/pkg/partition"
	"github.com/forensicsgo/diskimgfs/pkg/vhdx"
)

// Image is the top-level diagnostic summary of one opened disk image.
type Image struct {
	VHDX       *VHDXSummary       `yaml:"vhdx,omitempty"`
	Partitions []PartitionSummary `yaml:"partitions,omitempty"`
	Volume     *VolumeSummary     `yaml:"volume,omitempty"`
}

// VHDXSummary is the YAML-friendly view of a vhdx.Disk's metadata.
type VHDXSummary struct {
	ActiveSequenceNumber uint64 `yaml:"active_sequence_number"`
	BlockSize            uint32 `yaml:"block_size"`
	LogicalSectorSize    uint32 `yaml:"logical_sector_size"`
	PhysicalSectorSize   uint32 `yaml:"physical_sector_size"`
	VirtualDiskSize      uint64 `yaml:"virtual_disk_size"`
	VirtualDiskID        string `yaml:"virtual_disk_id"`
	HasParent            bool   `yaml:"has_parent"`
}

// PartitionSummary is the YAML-friendly view of one partition.Partition.
type PartitionSummary struct {
	Kind     string `yaml:"kind"`
	StartLBA uint64 `yaml:"start_lba"`
	EndLBA   uint64 `yaml:"end_lba"`
	TypeName string `yaml:"type_name"`
}

// VolumeSummary is the YAML-friendly view of an ntfs.BootSector.
type VolumeSummary struct {
	BytesPerSector     uint16 `yaml:"bytes_per_sector"`
	SectorsPerCluster  uint8  `yaml:"sectors_per_cluster"`
	MFTRecordSize      uint32 `yaml:"mft_record_size"`
	IndexRecordSize    uint32 `yaml:"index_record_size"`
	TotalSectors       uint64 `yaml:"total_sectors"`
	VolumeSerialNumber uint64 `yaml:"volume_serial_number"`
}

// FromVHDX builds a VHDXSummary from an opened Disk.
func FromVHDX(d *vhdx.Disk) *VHDXSummary {
	meta := d.Metadata()
	return &VHDXSummary{
		ActiveSequenceNumber: d.ActiveSequenceNumber(),
		BlockSize:            meta.BlockSize,
		LogicalSectorSize:    meta.LogicalSectorSize,
		PhysicalSectorSize:   meta.PhysicalSectorSize,
		VirtualDiskSize:      meta.VirtualDiskSize,
		VirtualDiskID:        meta.VirtualDiskID.String(),
		HasParent:            meta.HasParent,
	}
}

// FromPartitions builds a PartitionSummary list from a partition.Find result.
func FromPartitions(parts []partition.Partition) []PartitionSummary {
	out := make([]PartitionSummary, 0, len(parts))
	for _, p := range parts {
		var kind string
		switch p.Kind {
		case partition.KindGPT:
			kind = "gpt"
		case partition.KindMBR:
			kind = "mbr"
		default:
			kind = "raw"
		}
		out = append(out, PartitionSummary{
			Kind:     kind,
			StartLBA: p.StartLBA,
			EndLBA:   p.EndLBA,
			TypeName: p.TypeName,
		})
	}
	return out
}

// FromBootSector builds a VolumeSummary from a parsed ntfs.BootSector.
func FromBootSector(b ntfs.BootSector) *VolumeSummary {
	return &VolumeSummary{
		BytesPerSector:     b.BytesPerSector,
		SectorsPerCluster:  b.SectorsPerCluster,
		MFTRecordSize:      b.MFTRecordSize(),
		IndexRecordSize:    b.IndexRecordSize(),
		TotalSectors:       b.TotalSectors,
		VolumeSerialNumber: b.VolumeSerialNumber,
	}
}

// YAML renders img as a YAML document.
func (img Image) YAML() ([]byte, error) {
	return yaml.Marshal(img)
}
