package ntfs

import (
	"io"
	"strings"
	"time"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

// Resolve walks path (components separated by "/" or "\", relative to the
// volume root)
// starting at RootDirectoryRecord, returning the file record at the end of
// the chain. An empty path, or "/", resolves to the root directory itself.
func (e *Engine) Resolve(path string) (FileRecord, error) {
	rec, err := e.ReadRecord(RootDirectoryRecord)
	if err != nil {
		return FileRecord{}, err
	}

	parts := splitPath(path)
	for _, part := range parts {
		if !rec.IsDirectory() {
			return FileRecord{}, dferr.New(dferr.KindNotADirectory, part)
		}

		entries, err := e.ListDirectory(rec)
		if err != nil {
			return FileRecord{}, err
		}

		found := false
		for _, de := range entries {
			if de.Name.Name == part {
				rec, err = e.ReadRecord(de.FileRef)
				if err != nil {
					return FileRecord{}, err
				}
				found = true
				break
			}
		}
		if !found {
			return FileRecord{}, dferr.New(dferr.KindNotFound, path)
		}
	}

	return rec, nil
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' || r == '\\' })
}

// splitStreamName splits a path carrying an optional ":streamname" suffix
// (an alternate data stream) from the path proper. "foo.txt" and
// "foo.txt:bar" resolve to the same file record but different DATA
// attributes.
func splitStreamName(path string) (string, string) {
	if idx := strings.IndexByte(path, ':'); idx >= 0 {
		return path[:idx], path[idx+1:]
	}
	return path, ""
}

// Handle is an open file handle over one MFT record's DATA attribute,
// implementing io.Reader, io.Seeker and io.Closer.
type Handle struct {
	engine *Engine
	rec    FileRecord
	data   []byte
	reader *RunReader
	size   uint64
	pos    int64
	closed bool
}

// Open resolves path to a file record and returns a Handle over one of its
// DATA attributes. path may carry a ":streamname" suffix naming an
// alternate data stream; without one, the unnamed DATA attribute is opened.
func (e *Engine) Open(path string) (*Handle, error) {
	filePath, stream := splitStreamName(path)
	rec, err := e.Resolve(filePath)
	if err != nil {
		return nil, err
	}
	return e.openRecordStream(rec, stream)
}

// OpenRecord returns a Handle over rec's unnamed DATA attribute.
func (e *Engine) OpenRecord(rec FileRecord) (*Handle, error) {
	return e.openRecordStream(rec, "")
}

// OpenRecordStream returns a Handle over rec's DATA attribute named stream
// ("" for the unnamed, default stream).
func (e *Engine) OpenRecordStream(rec FileRecord, stream string) (*Handle, error) {
	return e.openRecordStream(rec, stream)
}

func (e *Engine) openRecordStream(rec FileRecord, stream string) (*Handle, error) {
	if rec.IsDirectory() {
		return nil, dferr.New(dferr.KindNotAFile, "cannot open a directory for reading")
	}

	attrs, err := e.ResolvedAttributes(rec)
	if err != nil {
		return nil, err
	}

	var data *Attribute
	for i := range attrs {
		if attrs[i].Type == AttrData && attrs[i].Name == stream {
			data = &attrs[i]
			break
		}
	}
	if data == nil {
		if stream == "" {
			return nil, dferr.New(dferr.KindNotFound, "record has no unnamed DATA attribute")
		}
		return nil, dferr.New(dferr.KindNotFound, "record has no DATA attribute named "+stream)
	}

	h := &Handle{engine: e, rec: rec}
	if data.Resident {
		h.data = data.Data
		h.size = uint64(len(data.Data))
	} else {
		h.reader, err = e.AttributeReader(*data)
		if err != nil {
			return nil, err
		}
		h.size = data.RealSize
	}

	return h, nil
}

// Read implements io.Reader.
func (h *Handle) Read(p []byte) (int, error) {
	if h.closed {
		return 0, dferr.New(dferr.KindClosed, "handle is closed")
	}

	if h.reader != nil {
		return h.reader.Read(p)
	}

	if h.pos >= int64(len(h.data)) {
		return 0, io.EOF
	}
	n := copy(p, h.data[h.pos:])
	h.pos += int64(n)
	return n, nil
}

// Seek implements io.Seeker. A position past the end of the stream is
// clamped to the stream's size.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	if h.closed {
		return 0, dferr.New(dferr.KindClosed, "handle is closed")
	}

	if h.reader != nil {
		pos, err := h.reader.Seek(offset, whence)
		if err != nil || uint64(pos) <= h.size {
			return pos, err
		}
		return h.reader.Seek(int64(h.size), 0)
	}

	var target int64
	switch whence {
	case 0:
		target = offset
	case 1:
		target = h.pos + offset
	case 2:
		target = int64(len(h.data)) + offset
	default:
		return 0, dferr.New(dferr.KindInvalidArgument, "invalid whence")
	}
	if target < 0 {
		return 0, dferr.New(dferr.KindInvalidArgument, "negative seek position")
	}
	if target > int64(len(h.data)) {
		target = int64(len(h.data))
	}
	h.pos = target
	return h.pos, nil
}

// Tell returns the handle's current read position.
func (h *Handle) Tell() int64 {
	if h.reader != nil {
		pos, _ := h.reader.Seek(0, 1)
		return pos
	}
	return h.pos
}

// Stat is the metadata exposed for an open handle: the stream's logical
// size, its STANDARD_INFORMATION timestamps, and the owning file record's
// link count and MFT record number.
type Stat struct {
	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Btime time.Time
	Nlink uint16
	Inode uint64
}

// Stat composes the handle's STANDARD_INFORMATION timestamps, link count
// and record number with the open stream's logical size.
func (h *Handle) Stat() Stat {
	st := Stat{
		Size:  h.size,
		Nlink: h.rec.LinkCount,
		Inode: h.rec.RecordNumber,
	}
	if si := h.rec.AttributesOfType(AttrStandardInformation); len(si) > 0 && si[0].Resident {
		if parsed, err := ParseStandardInformation(si[0].Data); err == nil {
			st.Btime = parsed.Created
			st.Mtime = parsed.Modified
			st.Ctime = parsed.MFTModified
			st.Atime = parsed.Accessed
		}
	}
	return st
}

// Close implements io.Closer. Handle holds no underlying OS resource (all
// reads go through the engine's own cached volume reader), so Close only
// flips the closed flag to reject further use.
func (h *Handle) Close() error {
	h.closed = true
	return nil
}
