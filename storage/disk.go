package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/xerrors"

	"github.com/ringfs/ringfs/types"
)

// Disk stores each blob as one file in a flat directory.
type Disk struct {
	dir string
	m   int
	log zerolog.Logger
}

var _ Backend = (*Disk)(nil)

// NewDisk creates the directory if needed and returns a disk backend
// hashing keys onto an M-bit ring.
func NewDisk(dir string, m int, log zerolog.Logger) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("create storage dir %s: %w", dir, err)
	}
	return &Disk{dir: dir, m: m, log: log.With().Str("component", "storage").Logger()}, nil
}

// path flattens name to its base component so a hostile filename can
// never escape the storage directory.
func (d *Disk) path(name string) string {
	return filepath.Join(d.dir, filepath.Base(name))
}

// Save writes to a temp file in the same directory and renames it over
// the target, so concurrent readers see either the old or the new blob.
func (d *Disk) Save(name string, data []byte) error {
	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return xerrors.Errorf("save %s: %w", name, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return xerrors.Errorf("save %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return xerrors.Errorf("save %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), d.path(name)); err != nil {
		os.Remove(tmp.Name())
		return xerrors.Errorf("save %s: %w", name, err)
	}
	d.log.Debug().Str("file", name).Int("bytes", len(data)).Msg("saved")
	return nil
}

func (d *Disk) Get(name string) ([]byte, error) {
	data, err := os.ReadFile(d.path(name))
	if os.IsNotExist(err) {
		return nil, xerrors.Errorf("get %s: %w", name, types.ErrNotFound)
	}
	if err != nil {
		return nil, xerrors.Errorf("get %s: %w", name, err)
	}
	return data, nil
}

func (d *Disk) Exists(name string) (bool, error) {
	_, err := os.Stat(d.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("stat %s: %w", name, err)
	}
	return true, nil
}

func (d *Disk) Delete(name string) (bool, error) {
	err := os.Remove(d.path(name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, xerrors.Errorf("delete %s: %w", name, err)
	}
	d.log.Debug().Str("file", name).Msg("deleted")
	return true, nil
}

func (d *Disk) List() ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, xerrors.Errorf("list %s: %w", d.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".upload-") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (d *Disk) ScanRange(lo, hi uint64) ([]File, error) {
	names, err := d.List()
	if err != nil {
		return nil, err
	}
	return scanRange(names, d.m, lo, hi, d.Get)
}
