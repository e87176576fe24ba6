// Package bsource defines the ByteSource contract every layer above it is
// built against, plus a minimal local-file implementation used by tests and
// by callers who only need to read an image already resident on disk.
//
// Transports beyond a local file — gzip-wrapped files, remote SMB/SFTP
// streams — are a caller's concern: anything satisfying ByteSource works
// here without this module importing a transport package for it.
package bsource

import (
	"io"
	"os"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

// ByteSource is the seek/read contract every layer of the reader is built
// on top of. Implementations may back onto a local file, a decompressing
// stream, or a network client; every method may block.
//
// It is legal to Seek past the end of the source. A Read that starts at or
// past Size() returns a *dferr.Error of KindEOF.
type ByteSource interface {
	io.ReaderAt
	io.Seeker
	io.Closer

	// Size reports the total addressable length of the source in bytes.
	Size() (int64, error)
}

// FileSource is the reference ByteSource backed by an *os.File.
type FileSource struct {
	f    *os.File
	size int64
}

var _ ByteSource = (*FileSource)(nil)

// Open opens path as a FileSource.
func Open(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dferr.Wrap(dferr.KindIO, path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dferr.Wrap(dferr.KindIO, path, err)
	}

	return &FileSource{f: f, size: info.Size()}, nil
}

// ReadAt implements io.ReaderAt, translating a read past the end of the
// file into dferr.KindEOF instead of the bare io.EOF the stdlib returns.
func (fs *FileSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= fs.size {
		return 0, dferr.New(dferr.KindEOF, "read past end of source")
	}

	n, err := fs.f.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, dferr.Wrap(dferr.KindIO, "", err)
	}
	return n, nil
}

// Seek implements io.Seeker.
func (fs *FileSource) Seek(offset int64, whence int) (int64, error) {
	n, err := fs.f.Seek(offset, whence)
	if err != nil {
		return n, dferr.Wrap(dferr.KindIO, "", err)
	}
	return n, nil
}

// Close implements io.Closer.
func (fs *FileSource) Close() error {
	return fs.f.Close()
}

// Size returns the file's length in bytes, captured at Open time.
func (fs *FileSource) Size() (int64, error) {
	return fs.size, nil
}
