package volume

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

// fakeBlockSource serves LBAs directly out of an in-memory buffer, one
// "sector" being sectorSize bytes, and counts how many fetches reached it
// in total (to check cache transparency, not just correctness).
type fakeBlockSource struct {
	buf        []byte
	sectorSize uint64
	reads      int
}

func (f *fakeBlockSource) ReadLBAs(firstLBA, count uint64) ([]byte, error) {
	f.reads++
	start := firstLBA * f.sectorSize
	end := start + count*f.sectorSize
	if end > uint64(len(f.buf)) {
		return nil, dferr.New(dferr.KindEOF, "read past end")
	}
	return append([]byte(nil), f.buf[start:end]...), nil
}

func TestReadSectorCaches(t *testing.T) {
	const sectorSize = 512
	buf := make([]byte, sectorSize*4)
	for i := range buf {
		buf[i] = byte(i)
	}
	src := &fakeBlockSource{buf: buf, sectorSize: sectorSize}

	r, err := New(src, 0, sectorSize, 8)
	require.NoError(t, err)

	first, err := r.ReadSector(1)
	require.NoError(t, err)
	second, err := r.ReadSector(1)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, src.reads, "second read should be served from cache")
}

func TestReadClusterAddressesCorrectLBAs(t *testing.T) {
	const sectorSize = 512
	const sectorsPerCluster = 8
	buf := make([]byte, sectorSize*sectorsPerCluster*3)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	src := &fakeBlockSource{buf: buf, sectorSize: sectorSize}

	r, err := New(src, 0, sectorSize, sectorsPerCluster)
	require.NoError(t, err)

	cluster1, err := r.ReadCluster(1)
	require.NoError(t, err)
	want := buf[sectorSize*sectorsPerCluster : sectorSize*sectorsPerCluster*2]
	require.Equal(t, want, cluster1)
}

func TestStreamingReaderReadsSequentially(t *testing.T) {
	const sectorSize = 512
	const sectorsPerCluster = 1
	clusterCount := uint64(20)
	buf := make([]byte, sectorSize*clusterCount)
	for i := range buf {
		buf[i] = byte(i % 256)
	}
	src := &fakeBlockSource{buf: buf, sectorSize: sectorSize}

	r, err := New(src, 0, sectorSize, sectorsPerCluster)
	require.NoError(t, err)

	stream := r.StreamingReader(0, clusterCount)
	got, err := io.ReadAll(stream)
	require.NoError(t, err)

	require.Equal(t, buf, got)
}
