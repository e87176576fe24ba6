package ntfs

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
	"github.com/forensicsgo/diskimgfs/pkg/dflog"
)

const (
	recordCacheSize = 10000

	// RootDirectoryRecord is the well-known MFT record number of the
	// volume's root directory.
	RootDirectoryRecord = 5
)

// sectorClusterSource is what Engine accepts from the volume layer beneath
// it: cluster reads, used for everything including the bootstrap read of
// MFT record #0, plus sector reads, which the engine itself never calls.
type sectorClusterSource interface {
	clusterSource
	ReadSector(idx uint64) ([]byte, error)
}

// Engine is the NTFS filesystem engine for one volume: it owns the boot
// sector, the $MFT's own data runs, and a bounded cache of parsed file
// records, and exposes path resolution, directory listing, and file
// content reads on top of them.
type Engine struct {
	vol  sectorClusterSource
	boot BootSector
	log  dflog.Logger

	mftRuns    []Run
	mftDataSize uint64

	records *lru.Cache[uint64, FileRecord]
}

// Open bootstraps an Engine from the raw boot sector bytes and a volume
// reader. It reads MFT record #0 directly (addressed by MFTCluster, since
// the $MFT's own run-list has not been decoded yet), cross-checks its
// declared bytes_allocated against the boot sector's own record-size
// computation, and uses record #0's DATA attribute run-list to address
// every subsequent record.
func Open(bootSectorBytes []byte, vol sectorClusterSource, log dflog.Logger) (*Engine, error) {
	if log == nil {
		log = dflog.NopLogger()
	}

	boot, err := ParseBootSector(bootSectorBytes)
	if err != nil {
		return nil, err
	}

	recordCache, err := lru.New[uint64, FileRecord](recordCacheSize)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindIO, "allocating MFT record cache", err)
	}

	e := &Engine{vol: vol, boot: boot, log: log, records: recordCache}

	rec0, err := e.bootstrapRecordZero()
	if err != nil {
		return nil, err
	}

	dataAttrs := rec0.AttributesOfType(AttrData)
	if len(dataAttrs) == 0 || dataAttrs[0].Resident {
		return nil, dferr.New(dferr.KindCorruptImage, "$MFT record #0 has no non-resident DATA attribute")
	}
	e.mftRuns = dataAttrs[0].Runs
	e.mftDataSize = dataAttrs[0].RealSize

	expected := dataAttrs[0].AllocSize
	gotClusters := uint64(0)
	for _, r := range e.mftRuns {
		gotClusters += r.Length
	}
	if got := gotClusters * uint64(boot.ClusterSize()); expected != 0 && got < expected {
		log.Warnf("ntfs: $MFT run-list totals %s, less than declared allocation %s", dflog.HumanBytes(got), dflog.HumanBytes(expected))
	}

	e.records.Add(0, rec0)

	return e, nil
}

// bootstrapRecordZero reads the $MFT's own file record directly at
// MFTCluster, before any run-list is known.
func (e *Engine) bootstrapRecordZero() (FileRecord, error) {
	recordSize := e.boot.MFTRecordSize()
	clusterSize := e.boot.ClusterSize()

	buf := make([]byte, recordSize)
	need := recordSize
	clusterIdx := e.boot.MFTCluster
	pos := uint32(0)
	for need > 0 {
		data, err := e.vol.ReadCluster(clusterIdx)
		if err != nil {
			return FileRecord{}, dferr.Wrap(dferr.KindIO, "reading bootstrap $MFT cluster", err)
		}
		n := copy(buf[pos:], data)
		pos += uint32(n)
		need -= uint32(n)
		clusterIdx++
		if uint32(n) < clusterSize && need > 0 {
			return FileRecord{}, dferr.New(dferr.KindCorruptImage, "short read bootstrapping $MFT record #0")
		}
	}

	if len(buf) >= 32 {
		if allocated := le32(buf[28:32]); allocated != recordSize {
			e.log.Warnf("ntfs: $MFT record #0 declares bytes_allocated %d, boot sector gives record size %d; using the boot sector value", allocated, recordSize)
		}
	}

	return parseFileRecord(buf, int(e.boot.BytesPerSector), e.log, "MFT record #0")
}

// ReadRecord returns the parsed file record numbered n, serving from cache
// when possible. Per this engine's caching policy there is no
// sequence-number invalidation: a cached record is trusted until the
// engine itself is discarded.
func (e *Engine) ReadRecord(n uint64) (FileRecord, error) {
	if rec, ok := e.records.Get(n); ok {
		return rec, nil
	}

	recordSize := uint64(e.boot.MFTRecordSize())
	byteOffset := n * recordSize
	if byteOffset+recordSize > e.mftDataSize {
		return FileRecord{}, dferr.New(dferr.KindNotFound, "MFT record number out of range")
	}

	reader := NewRunReader(e.vol, e.mftRuns, e.boot.ClusterSize(), e.mftDataSize, e.mftDataSize)
	if _, err := reader.Seek(int64(byteOffset), 0); err != nil {
		return FileRecord{}, err
	}

	buf := make([]byte, recordSize)
	if err := readFull(reader, buf); err != nil {
		return FileRecord{}, dferr.Wrap(dferr.KindIO, "reading MFT record", err)
	}

	rec, err := parseFileRecord(buf, int(e.boot.BytesPerSector), e.log, "MFT record")
	if err != nil {
		return FileRecord{}, err
	}
	rec.RecordNumber = n

	e.records.Add(n, rec)
	return rec, nil
}

func readFull(r *RunReader, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return nil
			}
			return err
		}
		if n == 0 {
			return dferr.New(dferr.KindIO, "no progress reading record")
		}
	}
	return nil
}

// ResolvedAttributes returns every attribute belonging to rec's logical
// file, following ATTRIBUTE_LIST entries into extension records when
// present. Cycles across extension records (a corrupted or adversarial
// chain pointing back at an already-visited record) are broken by tracking
// visited record numbers.
func (e *Engine) ResolvedAttributes(rec FileRecord) ([]Attribute, error) {
	attrLists := rec.AttributesOfType(AttrAttributeList)
	if len(attrLists) == 0 {
		return rec.Attributes, nil
	}

	out := append([]Attribute(nil), rec.Attributes...)
	seen := map[uint64]bool{rec.RecordNumber: true}

	var listData []byte
	for _, al := range attrLists {
		if al.Resident {
			listData = append(listData, al.Data...)
			continue
		}
		data, err := e.readNonResident(al)
		if err != nil {
			return nil, err
		}
		listData = append(listData, data...)
	}

	entries, err := ParseAttributeList(listData)
	if err != nil {
		return nil, err
	}

	for _, ent := range entries {
		if ent.Type == AttrAttributeList {
			continue
		}
		if ent.BaseFileRef == rec.RecordNumber || seen[ent.BaseFileRef] {
			continue
		}
		seen[ent.BaseFileRef] = true

		extRec, err := e.ReadRecord(ent.BaseFileRef)
		if err != nil {
			e.log.Warnf("ntfs: failed reading extension record %d: %v", ent.BaseFileRef, err)
			continue
		}
		out = append(out, extRec.Attributes...)
	}

	return out, nil
}

// readNonResident fully reads a non-resident attribute's logical content
// into memory.
func (e *Engine) readNonResident(a Attribute) ([]byte, error) {
	r := NewRunReader(e.vol, a.Runs, e.boot.ClusterSize(), a.RealSize, a.InitSize)
	buf := make([]byte, a.RealSize)
	if err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// AttributeData returns attr's logical content, reading it directly if
// resident or reconstructing it through its run-list otherwise.
func (e *Engine) AttributeData(attr Attribute) ([]byte, error) {
	if attr.Resident {
		return attr.Data, nil
	}
	return e.readNonResident(attr)
}

// AttributeReader returns a cluster-granular io.ReadSeeker over attr's
// logical content. Only valid for non-resident attributes.
func (e *Engine) AttributeReader(attr Attribute) (*RunReader, error) {
	if attr.Resident {
		return nil, dferr.New(dferr.KindInvalidArgument, "AttributeReader requires a non-resident attribute")
	}
	return NewRunReader(e.vol, attr.Runs, e.boot.ClusterSize(), attr.RealSize, attr.InitSize), nil
}

// ClusterSize exposes the volume's cluster size.
func (e *Engine) ClusterSize() uint32 { return e.boot.ClusterSize() }

// BootSector exposes the parsed boot sector for diagnostics.
func (e *Engine) BootSector() BootSector { return e.boot }
