package ntfs

import (
	"context"
	"path"

	"github.com/forensicsgo/diskimgfs/pkg/dferr"
)

// WalkEntry is one directory visited by Walk: its path plus the names of
// its immediate sub-directories and files, modeled on Python's os.walk().
type WalkEntry struct {
	Path  string
	Dirs  []string
	Files []string
}

// Walk visits every directory reachable from root (a slash-separated path,
// "" or "/" for the volume root) in breadth-first order, calling fn once
// per directory with that directory's sub-directory and file names.
// Returning an error from fn stops the walk and Walk returns that error.
// Directory cycles (possible in a corrupted or adversarially crafted image)
// are broken by tracking visited record numbers.
//
// ctx is checked between directories so a caller can cancel a walk over a
// large or corrupted volume; there is no other concurrency here, matching
// this engine's stance that suspension points are expressed through
// context.Context rather than internal goroutines.
func (e *Engine) Walk(ctx context.Context, root string, fn func(WalkEntry) error) error {
	rec, err := e.Resolve(root)
	if err != nil {
		return err
	}
	if !rec.IsDirectory() {
		return dferr.New(dferr.KindNotADirectory, root)
	}

	type queued struct {
		p   string
		rec FileRecord
	}

	queue := []queued{{p: root, rec: rec}}
	visited := map[uint64]bool{rec.RecordNumber: true}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		cur := queue[0]
		queue = queue[1:]

		entries, err := e.ListDirectory(cur.rec)
		if err != nil {
			return err
		}

		var dirs, files []string
		var subdirs []queued
		for _, de := range entries {
			if visited[de.FileRef] {
				continue
			}
			visited[de.FileRef] = true

			childRec, err := e.ReadRecord(de.FileRef)
			if err != nil {
				return err
			}

			if childRec.IsDirectory() {
				dirs = append(dirs, de.Name.Name)
				subdirs = append(subdirs, queued{p: path.Join(cur.p, de.Name.Name), rec: childRec})
			} else {
				files = append(files, de.Name.Name)
			}
		}

		if err := fn(WalkEntry{Path: cur.p, Dirs: dirs, Files: files}); err != nil {
			return err
		}

		queue = append(queue, subdirs...)
	}

	return nil
}
