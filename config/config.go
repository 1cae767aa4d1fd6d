// Package config persists the autostart state from spec.md §6 using
// gopkg.in/ini.v1, grounded on the teacher's od_parser.go (ini.Load,
// Section/Key-based field access used there to parse an EDS file)
// applied to vblockd's own key-value layout instead of CANopen object
// dictionary entries.
package config

import (
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/imdisk-go/vblockd/verr"
)

// AutostartDevice is one ImageFileN/SizeN/FlagsN/DriveLetterN/OffsetN
// group from spec.md §6.
type AutostartDevice struct {
	ImageFile   string
	Size        int64
	Flags       uint32
	DriveLetter byte
	Offset      int64
}

// Autostart is the decoded persisted configuration.
type Autostart struct {
	Devices                 []AutostartDevice
	DisallowedDriveLetters  map[byte]bool
}

// Load reads path and decodes it per spec.md §6's abstract key-value
// layout: a LoadDevices count followed by N per-index key groups, plus
// a DisallowedDriveLetters string of A-Z characters.
func Load(path string) (Autostart, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return Autostart{}, errors.Wrap(err, "load vblockd config")
	}
	return decode(cfg)
}

func decode(cfg *ini.File) (Autostart, error) {
	sec := cfg.Section("")

	count := sec.Key("LoadDevices").MustInt(0)
	if count < 0 {
		return Autostart{}, errors.Wrap(verr.ErrInvalidParameter, "LoadDevices must be non-negative")
	}

	a := Autostart{
		Devices:                make([]AutostartDevice, 0, count),
		DisallowedDriveLetters: parseDriveLetterSet(sec.Key("DisallowedDriveLetters").String()),
	}

	for n := 0; n < count; n++ {
		d := AutostartDevice{
			ImageFile: sec.Key(indexedKey("ImageFile", n)).String(),
			Size:      sec.Key(indexedKey("Size", n)).MustInt64(0),
			Flags:     uint32(sec.Key(indexedKey("Flags", n)).MustUint(0)),
			Offset:    sec.Key(indexedKey("Offset", n)).MustInt64(0),
		}
		if letter := sec.Key(indexedKey("DriveLetter", n)).String(); letter != "" {
			d.DriveLetter = letter[0]
		}
		a.Devices = append(a.Devices, d)
	}
	return a, nil
}

func indexedKey(prefix string, n int) string {
	return prefix + strconv.Itoa(n)
}

func parseDriveLetterSet(s string) map[byte]bool {
	set := make(map[byte]bool, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c >= 'A' && c <= 'Z' {
			set[c] = true
		}
	}
	return set
}

// Save writes a as path in the same key layout Load expects.
func Save(path string, a Autostart) error {
	cfg := ini.Empty()
	sec := cfg.Section("")
	sec.Key("LoadDevices").SetValue(strconv.Itoa(len(a.Devices)))

	letters := make([]byte, 0, len(a.DisallowedDriveLetters))
	for c := range a.DisallowedDriveLetters {
		letters = append(letters, c)
	}
	sec.Key("DisallowedDriveLetters").SetValue(string(letters))

	for n, d := range a.Devices {
		sec.Key(indexedKey("ImageFile", n)).SetValue(d.ImageFile)
		sec.Key(indexedKey("Size", n)).SetValue(strconv.FormatInt(d.Size, 10))
		sec.Key(indexedKey("Flags", n)).SetValue(strconv.FormatUint(uint64(d.Flags), 10))
		sec.Key(indexedKey("Offset", n)).SetValue(strconv.FormatInt(d.Offset, 10))
		if d.DriveLetter != 0 {
			sec.Key(indexedKey("DriveLetter", n)).SetValue(string(d.DriveLetter))
		}
	}
	return cfg.SaveTo(path)
}
