package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imdisk-go/vblockd/backing"
)

func TestManager_CreateAndRemoveDevice(t *testing.T) {
	m := New(nil, nil, nil)

	id, err := m.CreateDevice(context.Background(), CreateParams{
		DeviceNumber: DeviceNumberAuto,
		Name:         "anon0",
		BackingKind:  backing.KindAnon,
		AnonSize:     4096,
	})
	require.NoError(t, err)
	require.Equal(t, uint32(0), id)
	require.Equal(t, uint64(1), m.QueryDriver())

	_, err = m.QueryDevice(id)
	require.NoError(t, err)

	require.NoError(t, m.RemoveDevice(id))
	require.Equal(t, uint64(0), m.QueryDriver())

	_, err = m.QueryDevice(id)
	require.Error(t, err)
}

func TestManager_CreateRejectsBlankNameForFile(t *testing.T) {
	m := New(nil, nil, nil)
	_, err := m.CreateDevice(context.Background(), CreateParams{
		DeviceNumber: DeviceNumberAuto,
		BackingKind:  backing.KindFile,
		ImagePath:    "/does/not/matter",
	})
	require.Error(t, err)
}

func TestManager_CreateRejectsDisallowedDriveLetter(t *testing.T) {
	m := New(nil, map[byte]bool{'Z': true}, nil)
	_, err := m.CreateDevice(context.Background(), CreateParams{
		DeviceNumber: DeviceNumberAuto,
		Name:         "anon0",
		BackingKind:  backing.KindAnon,
		AnonSize:     4096,
		DriveLetter:  'Z',
	})
	require.Error(t, err)
}

func TestManager_RemoveDeviceRefusedWhilePinned(t *testing.T) {
	m := New(nil, nil, nil)
	id, err := m.CreateDevice(context.Background(), CreateParams{
		DeviceNumber: DeviceNumberAuto,
		Name:         "anon0",
		BackingKind:  backing.KindAnon,
		AnonSize:     4096,
	})
	require.NoError(t, err)

	require.NoError(t, m.Pin(id))
	require.Error(t, m.RemoveDevice(id))

	require.NoError(t, m.Unpin(id))
	require.NoError(t, m.RemoveDevice(id))
}

func TestManager_ExtendGrowsFileDevice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	m := New(nil, nil, nil)
	id, err := m.CreateDevice(context.Background(), CreateParams{
		DeviceNumber: DeviceNumberAuto,
		Name:         "file0",
		BackingKind:  backing.KindFile,
		ImagePath:    path,
	})
	require.NoError(t, err)

	require.NoError(t, m.Extend(id, 4096))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(8192), fi.Size())

	require.NoError(t, m.RemoveDevice(id))
}

func TestCreateRecord_EncodeDecodeRoundTrips(t *testing.T) {
	rec := CreateRecord{
		DeviceNumber: 3,
		ImageOffset:  1024,
		Flags:        FlagReadOnly | FlagBackingFile,
		DriveLetter:  'E',
		Name:         "disk0.img",
	}
	rec.Geometry.Cylinders = 1474560
	rec.Geometry.Heads = 2
	rec.Geometry.SectorsPerTrack = 18
	rec.Geometry.BytesPerSector = 512

	buf := EncodeCreateRecord(rec)
	decoded, err := DecodeCreateRecord(buf)
	require.NoError(t, err)
	require.Equal(t, rec, decoded)
}

func TestDecodeCreateRecord_RejectsTruncatedBuffer(t *testing.T) {
	_, err := DecodeCreateRecord([]byte{1, 2, 3})
	require.Error(t, err)
}
