package backing

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStore_GrowExtendsPhysicalLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 1024), 0o644))

	s, err := OpenFile(path, false, 0)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Grow(context.Background(), 4096))
	require.Equal(t, int64(4096), s.Size())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(4096), fi.Size())
}

func TestFileStore_ReadPastEOFReturnsZeroBytesSuccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))
	s, err := OpenFile(path, true, 0)
	require.NoError(t, err)
	defer s.Close()

	buf := make([]byte, 64)
	n, err := s.ReadAt(context.Background(), buf, 512)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = s.ReadAt(context.Background(), buf, 600)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestFileStore_WriteOnReadOnlyIsWriteProtected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))
	s, err := OpenFile(path, true, 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.WriteAt(context.Background(), []byte{1, 2, 3}, 0)
	require.Error(t, err)
}

func TestAnonStore_WriteThenReadRoundTrips(t *testing.T) {
	// Scenario 3 from spec.md §8.
	s, err := NewAnon(1024*1024, false, 256*1024)
	require.NoError(t, err)
	defer s.Close()

	pattern := bytes.Repeat([]byte{'A'}, 0x2000)
	n, err := s.WriteAt(context.Background(), pattern, 0x0F000)
	require.NoError(t, err)
	require.Equal(t, len(pattern), n)

	out := make([]byte, 0x400)
	n, err = s.ReadAt(context.Background(), out, 0x10000)
	require.NoError(t, err)
	require.Equal(t, len(out), n)
	require.True(t, bytes.Equal(out, bytes.Repeat([]byte{'A'}, 0x400)))
}

func TestAnonStore_ZeroLengthReadIsSuccess(t *testing.T) {
	s, err := NewAnon(4096, false, 4096)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.ReadAt(context.Background(), nil, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
