package store

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(afero.NewMemMapFs(), "/state")
	require.NoError(t, err)
	return s
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("permanent", []byte("hello")))
	got, err := s.Read("permanent")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestReadMissingKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read("volatile")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWriteOverwritesAtomically(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("savestate", []byte("v1")))
	require.NoError(t, s.Write("savestate", []byte("v2-longer-value")))
	got, err := s.Read("savestate")
	require.NoError(t, err)
	assert.Equal(t, "v2-longer-value", string(got))

	// The staging file must not linger after a successful write.
	exists, err := afero.Exists(s.fs, s.tmpPath("savestate"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestTruncateRemovesKey(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Write("permanent", []byte("data")))
	require.NoError(t, s.Truncate("permanent"))
	_, err := s.Read("permanent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTruncateMissingKeyIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Truncate("never-written"))
}
