// Package volume implements the VolumeReader layer: sector and cluster
// reads against a partition, bounded by two small LRU caches and a batched
// streaming reader for large sequential reads, following the read_sector /
// read_cluster / read_sequential_clusters pattern and ~10 MiB batching of
// the system this module's NTFS engine was grounded on.
package volume

import (
	"io"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

const (
	sectorCacheSize  = 100
	clusterCacheSize = 100

	// streamBatchBytes is the target chunk size for read_clusters_streaming.
	streamBatchBytes = 10 * 1024 * 1024
)

// BlockSource is the narrow interface a VolumeReader needs from whatever
// sits underneath it: something that can hand back a contiguous run of
// fixed-size logical blocks given their address on the underlying disk.
// A VHDX Disk or a raw passthrough source both satisfy this.
type BlockSource interface {
	ReadLBAs(firstLBA, count uint64) ([]byte, error)
}

// Reader is the VolumeReader: it translates sector/cluster addresses
// relative to a volume (a partition) into disk LBAs on a BlockSource, and
// caches recently read sectors and clusters.
type Reader struct {
	src         BlockSource
	baseLBA     uint64
	sectorSize  uint32
	sectorsPerCluster uint32

	sectorCache  *lru.Cache[uint64, []byte]
	clusterCache *lru.Cache[uint64, []byte]
}

// New builds a Reader over src, where baseLBA is the volume's starting LBA
// on the underlying disk, sectorSize is the volume's bytes-per-sector, and
// sectorsPerCluster is NTFS's sectors-per-cluster.
func New(src BlockSource, baseLBA uint64, sectorSize uint32, sectorsPerCluster uint32) (*Reader, error) {
	sc, err := lru.New[uint64, []byte](sectorCacheSize)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindIO, "allocating sector cache", err)
	}
	cc, err := lru.New[uint64, []byte](clusterCacheSize)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindIO, "allocating cluster cache", err)
	}

	return &Reader{
		src:               src,
		baseLBA:           baseLBA,
		sectorSize:        sectorSize,
		sectorsPerCluster: sectorsPerCluster,
		sectorCache:       sc,
		clusterCache:      cc,
	}, nil
}

// ClusterSize returns the volume's cluster size in bytes.
func (r *Reader) ClusterSize() uint32 {
	return r.sectorSize * r.sectorsPerCluster
}

// ReadSector returns the contents of the sector at volume-relative index
// idx, serving from the sector cache when possible.
func (r *Reader) ReadSector(idx uint64) ([]byte, error) {
	if data, ok := r.sectorCache.Get(idx); ok {
		return data, nil
	}

	data, err := r.src.ReadLBAs(r.baseLBA+idx, 1)
	if err != nil {
		return nil, err
	}

	r.sectorCache.Add(idx, data)
	return data, nil
}

// ReadCluster returns the contents of the cluster at volume-relative index
// idx, serving from the cluster cache when possible.
func (r *Reader) ReadCluster(idx uint64) ([]byte, error) {
	if data, ok := r.clusterCache.Get(idx); ok {
		return data, nil
	}

	firstLBA := r.baseLBA + idx*uint64(r.sectorsPerCluster)
	data, err := r.src.ReadLBAs(firstLBA, uint64(r.sectorsPerCluster))
	if err != nil {
		return nil, err
	}

	r.clusterCache.Add(idx, data)
	return data, nil
}

// ReadClusters reads count consecutive clusters starting at idx in one call,
// bypassing the per-cluster cache (used by the streaming reader, where
// caching every cluster of a bulk read would thrash the small LRU for no
// benefit).
func (r *Reader) ReadClusters(idx, count uint64) ([]byte, error) {
	firstLBA := r.baseLBA + idx*uint64(r.sectorsPerCluster)
	return r.src.ReadLBAs(firstLBA, count*uint64(r.sectorsPerCluster))
}

// StreamingReader returns an io.Reader over count consecutive clusters
// starting at idx, batching reads at roughly streamBatchBytes.
func (r *Reader) StreamingReader(idx, count uint64) *ClusterStream {
	clusterSize := uint64(r.ClusterSize())
	batchClusters := uint64(streamBatchBytes) / clusterSize
	if batchClusters == 0 {
		batchClusters = 1
	}

	return &ClusterStream{
		r:             r,
		next:          idx,
		remaining:     count,
		batchClusters: batchClusters,
	}
}

// ClusterStream is an io.Reader over a contiguous run of volume clusters,
// fetched in ~10 MiB batches from the underlying BlockSource.
type ClusterStream struct {
	r             *Reader
	next          uint64
	remaining     uint64
	batchClusters uint64

	buf []byte
}

// Read implements io.Reader. It returns the stdlib io.EOF sentinel (rather
// than a *dferr.Error) on exhaustion, so that generic io.Reader consumers
// like io.Copy and io.ReadAll, which compare the returned error against
// io.EOF by identity, recognize end-of-stream correctly.
func (cs *ClusterStream) Read(p []byte) (int, error) {
	if len(cs.buf) == 0 {
		if cs.remaining == 0 {
			return 0, io.EOF
		}

		n := cs.batchClusters
		if n > cs.remaining {
			n = cs.remaining
		}

		data, err := cs.r.ReadClusters(cs.next, n)
		if err != nil {
			return 0, err
		}

		cs.buf = data
		cs.next += n
		cs.remaining -= n
	}

	n := copy(p, cs.buf)
	cs.buf = cs.buf[n:]
	return n, nil
}
