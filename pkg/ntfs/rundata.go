package ntfs

import (
	"io"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

// clusterSource is the narrow read contract rundata needs from the volume
// layer beneath it.
type clusterSource interface {
	ReadCluster(idx uint64) ([]byte, error)
}

// RunReader is a cluster-granular io.Reader over a non-resident attribute's
// decoded data runs, returning zero bytes for sparse runs without touching
// the underlying volume, and zero bytes for any offset at or beyond the
// attribute's InitializedSize without touching the volume either.
type RunReader struct {
	vol         clusterSource
	runs        []Run
	clusterSize uint32
	realSize    uint64

	// initSize is the attribute's InitializedSize: on-disk bytes at or
	// beyond this offset (but before realSize) are uninitialized and must
	// read back as zero regardless of what the underlying cluster holds.
	initSize uint64

	pos    uint64
	runIdx int
	runPos uint64

	// clusterAbs is the absolute byte offset of the next cluster to be
	// fetched, used to test that cluster against initSize.
	clusterAbs uint64

	// carry holds bytes already fetched from the current cluster but not
	// yet delivered to a caller, when a short Read stopped mid-cluster.
	carry []byte

	// skip trims the prefix of the next freshly fetched cluster, set after
	// a Seek lands on a non-cluster-aligned offset.
	skip int
}

// NewRunReader builds a RunReader over runs, reading through vol, stopping
// logical reads at realSize (the attribute's uncompressed logical size:
// trailing clusters of the last run beyond this are padding, not data).
// Bytes at or beyond initSize (the attribute's InitializedSize) are
// zero-filled rather than read from disk, even when realSize extends
// further; pass realSize for initSize when the two are not distinguished
// (e.g. the $MFT's own DATA attribute).
func NewRunReader(vol clusterSource, runs []Run, clusterSize uint32, realSize uint64, initSize uint64) *RunReader {
	return &RunReader{vol: vol, runs: runs, clusterSize: clusterSize, realSize: realSize, initSize: initSize}
}

// Read implements io.Reader. End-of-stream is reported as the stdlib
// io.EOF sentinel, not a *dferr.Error, so generic io.Reader consumers that
// compare the returned error against io.EOF by identity (io.Copy,
// io.ReadAll) recognize it correctly.
func (r *RunReader) Read(p []byte) (int, error) {
	if r.pos >= r.realSize {
		return 0, io.EOF
	}

	total := 0
	for total < len(p) && r.pos < r.realSize {
		if len(r.carry) == 0 {
			if r.runIdx >= len(r.runs) {
				break
			}
			run := r.runs[r.runIdx]
			if r.runPos >= run.Length {
				r.runIdx++
				r.runPos = 0
				continue
			}

			chunkStart := r.clusterAbs
			r.clusterAbs += uint64(r.clusterSize)

			var chunk []byte
			switch {
			case run.IsSparse || chunkStart >= r.initSize:
				chunk = make([]byte, r.clusterSize)
			default:
				data, err := r.vol.ReadCluster(run.StartCluster + r.runPos)
				if err != nil {
					return total, err
				}
				chunk = append([]byte(nil), data...)
				if chunkEnd := chunkStart + uint64(len(chunk)); chunkEnd > r.initSize {
					validLen := r.initSize - chunkStart
					for i := validLen; i < uint64(len(chunk)); i++ {
						chunk[i] = 0
					}
				}
			}
			r.runPos++
			if r.skip > 0 && r.skip < len(chunk) {
				chunk = chunk[r.skip:]
			}
			r.skip = 0
			r.carry = chunk
		}

		remaining := r.realSize - r.pos
		chunk := r.carry
		if uint64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		n := copy(p[total:], chunk)
		total += n
		r.pos += uint64(n)
		r.carry = r.carry[n:]
	}

	if total == 0 && r.pos < r.realSize {
		return 0, dferr.New(dferr.KindIO, "run reader made no progress")
	}

	return total, nil
}

// Seek implements io.Seeker for a RunReader, recomputing the run/offset
// position from the absolute byte offset.
func (r *RunReader) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case 0:
		target = offset
	case 1:
		target = int64(r.pos) + offset
	case 2:
		target = int64(r.realSize) + offset
	default:
		return 0, dferr.New(dferr.KindInvalidArgument, "invalid whence")
	}
	if target < 0 {
		return 0, dferr.New(dferr.KindInvalidArgument, "negative seek position")
	}

	r.pos = uint64(target)
	clusterIdx := r.pos / uint64(r.clusterSize)

	var runIdx int
	var runPos uint64
	var consumed uint64
	for runIdx = 0; runIdx < len(r.runs); runIdx++ {
		run := r.runs[runIdx]
		if clusterIdx < consumed+run.Length {
			runPos = clusterIdx - consumed
			break
		}
		consumed += run.Length
	}
	r.runIdx = runIdx
	r.runPos = runPos
	r.carry = nil
	r.skip = int(r.pos % uint64(r.clusterSize))
	r.clusterAbs = clusterIdx * uint64(r.clusterSize)

	return int64(r.pos), nil
}
