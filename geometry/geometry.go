// Package geometry implements the geometry resolver (spec §4.1, C1):
// deriving cylinders/heads/sectors and media kind from a raw byte
// length and a device-class hint.
package geometry

import "strings"

// Class is the device-class hint supplied at create time.
type Class uint8

const (
	ClassAuto Class = iota
	ClassHD
	ClassFD
	ClassCD
)

// Media identifies the kind of media a resolved geometry describes.
type Media uint8

const (
	MediaFixed Media = iota
	MediaRemovable
)

// Geometry is the resolved disk geometry. Cylinders carries the total
// byte length of the device, not a classical cylinder count — see the
// Cylinders field comment and spec.md §4.1 for why this overload is
// preserved.
type Geometry struct {
	// Cylinders is the TOTAL BYTE LENGTH of the device, not a cylinder
	// count. Divide by Heads*SectorsPerTrack*BytesPerSector to obtain
	// the classical cylinder count. This ambiguity is carried forward
	// from the wire format for compatibility (see Open Question 1 in
	// DESIGN.md).
	Cylinders      int64
	Heads          uint32
	SectorsPerTrack uint32
	BytesPerSector  uint32
	Media           Media
}

// ClassicalCylinders returns the classical (non-overloaded) cylinder count.
func (g Geometry) ClassicalCylinders() int64 {
	trackBytes := int64(g.Heads) * int64(g.SectorsPerTrack) * int64(g.BytesPerSector)
	if trackBytes == 0 {
		return 0
	}
	return g.Cylinders / trackBytes
}

type floppyRow struct {
	bytes           int64
	heads           uint32
	sectorsPerTrack uint32
	bytesPerSector  uint32
}

// wellKnownFloppies is the fixed table from spec.md §4.1 rule 2.
var wellKnownFloppies = []floppyRow{
	{160 * 1024, 1, 8, 512},
	{180 * 1024, 1, 9, 512},
	{320 * 1024, 2, 8, 512},
	{360 * 1024, 2, 9, 512},
	{640 * 1024, 2, 8, 512},    // 640K, 8 spt
	{720 * 1024, 2, 9, 512},    // 720K, 9 spt
	{820 * 1024, 2, 10, 512},   // 820K, 10 spt
	{1200 * 1024, 2, 15, 512},  // 1.2M
	{1440 * 1024, 2, 18, 512},  // 1.44M
	{1680 * 1024, 2, 21, 512},  // 1.68M (DMF)
	{1722 * 1024, 2, 21, 512},  // 1.72M
	{2880 * 1024, 2, 36, 512},  // 2.88M
	{120 * 1024 * 1024, 32, 56, 512},
	{240 * 1024 * 1024, 32, 56, 512},
}

// cdExtensions are the filename extensions that force class=cd when the
// caller left class=auto (spec.md §4.1 rule 1).
var cdExtensions = map[string]bool{
	"iso": true,
	"nrg": true,
	"bin": true,
}

// Resolve derives a Geometry (and whether it must be forced read-only)
// from a total byte length, class hint and filename extension hint,
// following spec.md §4.1 rules in order.
func Resolve(totalBytes int64, class Class, extension string) (g Geometry, forceReadOnly bool) {
	ext := strings.ToLower(strings.TrimPrefix(extension, "."))

	// Rule 1: extension-forced CD.
	if class == ClassAuto && cdExtensions[ext] {
		class = ClassCD
		forceReadOnly = true
	}

	// Rule 2: well-known floppy sizes.
	if class == ClassAuto {
		for _, row := range wellKnownFloppies {
			if row.bytes == totalBytes {
				return Geometry{
					Cylinders:       totalBytes,
					Heads:           row.heads,
					SectorsPerTrack: row.sectorsPerTrack,
					BytesPerSector:  row.bytesPerSector,
					Media:           MediaRemovable,
				}, false
			}
		}
	}

	switch class {
	case ClassCD:
		return resolveCD(totalBytes), forceReadOnly
	case ClassFD:
		return resolveFD(totalBytes), forceReadOnly
	default:
		return resolveHD(totalBytes), false
	}
}

// Rule 3.
func resolveCD(totalBytes int64) Geometry {
	const bytesPerSector = 2048
	sectorsPerTrack := uint32(1)
	if totalBytes%32 == 0 {
		sectorsPerTrack = 32
	}
	cylinders := totalBytes / (int64(sectorsPerTrack) * bytesPerSector)
	heads := uint32(1)
	if sectorsPerTrack > 0 && cylinders%64 == 0 {
		heads = 64
	}
	return Geometry{
		Cylinders:       totalBytes,
		Heads:           heads,
		SectorsPerTrack: sectorsPerTrack,
		BytesPerSector:  bytesPerSector,
		Media:           MediaRemovable,
	}
}

// resolveFD handles an explicit class=fd request whose size is not in
// the well-known table: fall back to the classical 1.44M layout scaled
// to the requested size, same bytes-per-sector convention.
func resolveFD(totalBytes int64) Geometry {
	const bytesPerSector = 512
	const sectorsPerTrack = 18
	const heads = 2
	return Geometry{
		Cylinders:       totalBytes,
		Heads:           heads,
		SectorsPerTrack: sectorsPerTrack,
		BytesPerSector:  bytesPerSector,
		Media:           MediaRemovable,
	}
}

// Rule 4.
func resolveHD(totalBytes int64) Geometry {
	const bytesPerSector = 512
	const sectorsPerTrack = 63

	trackBytes := int64(sectorsPerTrack) * bytesPerSector
	heads := uint32(1)
	for _, candidate := range []uint32{1, 2, 4, 8, 16, 32, 64, 128} {
		cylinders := totalBytes / (trackBytes * int64(candidate))
		if cylinders >= 1 {
			heads = candidate
		}
	}
	cylinders := totalBytes / (trackBytes * int64(heads))
	if cylinders >= 130560 {
		heads = 255
	}
	return Geometry{
		Cylinders:       totalBytes,
		Heads:           heads,
		SectorsPerTrack: sectorsPerTrack,
		BytesPerSector:  bytesPerSector,
		Media:           MediaFixed,
	}
}
