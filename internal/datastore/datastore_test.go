package datastore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onefoot/iwtftpd/internal/tftperr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	return s
}

func TestIsFile(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.root, "a.bin"), []byte("x"), 0644))

	assert.Equal(t, Present, s.IsFile("a.bin"))
	assert.Equal(t, Absent, s.IsFile("missing"))
}

func TestReadMissingFile(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read(1, "missing.txt", make([]byte, 16))
	assert.True(t, errors.Is(err, tftperr.ErrNotExist))
}

func TestReadStreamsAndHitsEOF(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.root, "greet.txt"), []byte("hello"), 0644))

	buf := make([]byte, 3)
	n, err := s.Read(1, "greet.txt", buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "hel", string(buf[:n]))

	n, err = s.Read(1, "greet.txt", buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "lo", string(buf[:n]))

	n, err = s.Read(1, "greet.txt", buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteRefusesOverwrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.root, "a.bin"), []byte("x"), 0644))

	_, err := s.Write(1, "a.bin", []byte("y"))
	assert.True(t, errors.Is(err, tftperr.ErrAlreadyExists))
}

func TestWriteAppendsThenZeroLengthCloses(t *testing.T) {
	s := newTestStore(t)

	n, err := s.Write(7, "new.txt", []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.Write(7, "new.txt", []byte("def"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.Write(7, "new.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := os.ReadFile(filepath.Join(s.root, "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(got))

	// Handle was destroyed: a fresh Write for the same key now sees the file
	// as already-existing rather than resuming the old handle.
	_, err = s.Write(7, "new.txt", []byte("zzz"))
	assert.True(t, errors.Is(err, tftperr.ErrAlreadyExists))
}

func TestCloseIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Close(1, "never-opened.txt"))

	_, err := s.Write(1, "opened.txt", []byte("x"))
	require.NoError(t, err)
	assert.NoError(t, s.Close(1, "opened.txt"))
	assert.NoError(t, s.Close(1, "opened.txt"))
}

func TestAtMostOneHandlePerKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write(1, "f.bin", []byte("a"))
	require.NoError(t, err)
	assert.Len(t, s.handles, 1)

	_, err = s.Write(1, "f.bin", []byte("b"))
	require.NoError(t, err)
	assert.Len(t, s.handles, 1)
}

func TestCloseSessionClosesAllFilesForID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write(1, "a.bin", []byte("a"))
	require.NoError(t, err)
	_, err = s.Write(1, "b.bin", []byte("b"))
	require.NoError(t, err)
	_, err = s.Write(2, "c.bin", []byte("c"))
	require.NoError(t, err)

	s.CloseSession(1)
	assert.Len(t, s.handles, 1)
	_, stillOpen := s.handles[Key{2, "c.bin"}]
	assert.True(t, stillOpen)
}
