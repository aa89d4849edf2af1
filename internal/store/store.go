// Package store implements the NvStore capability (§6.3): an opaque
// key/value store holding the "permanent", "volatile", and "savestate"
// blobs, with atomic-replace-per-key durability. It uses afero.Fs to make
// filesystem access swappable between a real OS filesystem and an
// in-memory one for tests.
package store

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// ErrNotFound is returned by Read when key has never been written.
var ErrNotFound = errors.New("store: key not found")

// NvStore is the capability the permanent-state and NV index layers consume.
type NvStore interface {
	Write(key string, data []byte) error
	Read(key string) ([]byte, error)
	Truncate(key string) error
}

// FileStore implements NvStore over an afero.Fs rooted at dir.
type FileStore struct {
	fs  afero.Fs
	dir string
}

// NewFileStore returns a FileStore rooted at dir on fs. Pass
// afero.NewOsFs() in production and afero.NewMemMapFs() in tests.
func NewFileStore(fs afero.Fs, dir string) (*FileStore, error) {
	if err := fs.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "store: creating state dir %s", dir)
	}
	return &FileStore{fs: fs, dir: dir}, nil
}

func (s *FileStore) path(key string) string      { return filepath.Join(s.dir, key) }
func (s *FileStore) tmpPath(key string) string    { return filepath.Join(s.dir, key+".tmp") }

// Write stages data at a temp path, syncs it, then renames it over the
// final key path — the "all-or-nothing at key granularity" atomic-replace
// §6.3 requires. A crash between the temp write and the rename leaves the
// previous value (or no value) observable, never a half-written blob.
func (s *FileStore) Write(key string, data []byte) error {
	tmp := s.tmpPath(key)
	f, err := s.fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(err, "store: opening temp file for %s", key)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "store: writing %s", key)
	}
	if syncer, ok := f.(interface{ Sync() error }); ok {
		if err := syncer.Sync(); err != nil {
			f.Close()
			return errors.Wrapf(err, "store: syncing %s", key)
		}
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "store: closing %s", key)
	}
	if err := s.fs.Rename(tmp, s.path(key)); err != nil {
		return errors.Wrapf(err, "store: renaming into place %s", key)
	}
	return nil
}

// Read returns the durable value for key, or ErrNotFound.
func (s *FileStore) Read(key string) ([]byte, error) {
	b, err := afero.ReadFile(s.fs, s.path(key))
	if err != nil {
		if isNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "store: reading %s", key)
	}
	return b, nil
}

// Truncate removes key's durable value entirely.
func (s *FileStore) Truncate(key string) error {
	if err := s.fs.Remove(s.path(key)); err != nil && !isNotExist(err) {
		return errors.Wrapf(err, "store: truncating %s", key)
	}
	return nil
}

func isNotExist(err error) bool {
	return os.IsNotExist(errors.Cause(err)) || os.IsNotExist(err)
}
