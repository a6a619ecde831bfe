package storage

import (
	"github.com/ringfs/ringfs/ring"
)

// File is a named blob moving through a range transfer.
type File struct {
	Name string
	Data []byte
}

// Backend stores opaque byte blobs keyed by filename. Implementations
// must tolerate concurrent operations on distinct names; same-name
// races resolve by last writer. Filenames reaching a backend are
// already sanitized by the boundary adapter.
type Backend interface {
	// Save writes the blob, atomically replacing any previous content.
	Save(name string, data []byte) error
	// Get returns the blob or types.ErrNotFound.
	Get(name string) ([]byte, error)
	// Exists reports whether the blob is present.
	Exists(name string) (bool, error)
	// Delete removes the blob, reporting whether one was removed.
	Delete(name string) (bool, error)
	// List returns all stored filenames.
	List() ([]string, error)
	// ScanRange returns every file whose key falls in the half-open
	// circular range (lo, hi].
	ScanRange(lo, hi uint64) ([]File, error)
}

// scanRange filters names by hashed key membership in (lo, hi] and
// loads each match through get. Shared by both backends.
func scanRange(names []string, m int, lo, hi uint64, get func(string) ([]byte, error)) ([]File, error) {
	var files []File
	for _, name := range names {
		key := ring.HashString(name, m)
		if !ring.BetweenIncl(lo, key, hi) {
			continue
		}
		data, err := get(name)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Name: name, Data: data})
	}
	return files, nil
}
