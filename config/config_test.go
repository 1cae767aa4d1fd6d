package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTripsAutostartDevices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vblockd.ini")

	a := Autostart{
		Devices: []AutostartDevice{
			{ImageFile: "C:\\disk0.img", Size: 1474560, Flags: 1, DriveLetter: 'E', Offset: 0},
			{ImageFile: "C:\\disk1.img", Size: 4096, Flags: 0, DriveLetter: 0, Offset: 512},
		},
		DisallowedDriveLetters: map[byte]bool{'A': true, 'B': true},
	}
	require.NoError(t, Save(path, a))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Devices, 2)
	require.Equal(t, "C:\\disk0.img", loaded.Devices[0].ImageFile)
	require.Equal(t, int64(1474560), loaded.Devices[0].Size)
	require.Equal(t, byte('E'), loaded.Devices[0].DriveLetter)
	require.Equal(t, int64(512), loaded.Devices[1].Offset)
	require.True(t, loaded.DisallowedDriveLetters['A'])
	require.True(t, loaded.DisallowedDriveLetters['B'])
	require.False(t, loaded.DisallowedDriveLetters['C'])
}

func TestLoad_ZeroLoadDevicesIsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vblockd.ini")
	require.NoError(t, os.WriteFile(path, []byte("LoadDevices = 0\n"), 0o644))

	a, err := Load(path)
	require.NoError(t, err)
	require.Empty(t, a.Devices)
}
