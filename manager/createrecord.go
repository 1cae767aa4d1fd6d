package manager

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/geometry"
	"github.com/imdisk-go/vblockd/verr"
)

// DeviceNumberAuto is the sentinel CreateRecord.DeviceNumber value
// meaning "choose the lowest free id" (spec.md §6).
const DeviceNumberAuto uint32 = 0xFFFFFFFF

// RecordFlag is the CreateRecord "flags" word. It is a serialization
// concern only (spec.md §9 "Tagged-union backing store simulated by
// flag bits"): the runtime Device models backing kind as a genuine sum
// type (backing.Store implementations); these bits exist purely to
// round-trip that state across the wire.
type RecordFlag uint32

const (
	FlagReadOnly RecordFlag = 1 << iota
	FlagRemovable
	FlagDeviceHD
	FlagDeviceFD
	FlagDeviceCD
	FlagBackingFile
	FlagBackingVM
	FlagBackingProxy
	FlagProxyDirect
	FlagProxyStream
	FlagProxyShm
	FlagModified
	FlagSpecialFileAlloc
)

// CreateRecord is the decoded form of spec.md §6's packed little-endian
// CreateRecord wire message, used by both CREATE_DEVICE and
// QUERY_DEVICE.
type CreateRecord struct {
	DeviceNumber uint32
	Geometry     geometry.Geometry
	ImageOffset  int64
	Flags        RecordFlag
	DriveLetter  uint16
	Name         string
}

// wireHeaderSize is the packed size of every CreateRecord field up to
// and including name_length, before the variable-length name bytes.
const wireHeaderSize = 4 + (8 + 4 + 4 + 4 + 4) + 8 + 4 + 2 + 2

// EncodeCreateRecord serializes r per spec.md §6: all integers
// little-endian, name appended as raw bytes after a u16 length prefix.
func EncodeCreateRecord(r CreateRecord) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, wireHeaderSize+len(r.Name)))
	binary.Write(buf, binary.LittleEndian, r.DeviceNumber)
	binary.Write(buf, binary.LittleEndian, r.Geometry.Cylinders)
	binary.Write(buf, binary.LittleEndian, uint32(r.Geometry.Media))
	binary.Write(buf, binary.LittleEndian, r.Geometry.Heads)
	binary.Write(buf, binary.LittleEndian, r.Geometry.SectorsPerTrack)
	binary.Write(buf, binary.LittleEndian, r.Geometry.BytesPerSector)
	binary.Write(buf, binary.LittleEndian, r.ImageOffset)
	binary.Write(buf, binary.LittleEndian, uint32(r.Flags))
	binary.Write(buf, binary.LittleEndian, r.DriveLetter)
	binary.Write(buf, binary.LittleEndian, uint16(len(r.Name)))
	buf.WriteString(r.Name)
	return buf.Bytes()
}

// DecodeCreateRecord parses wire bytes produced by EncodeCreateRecord,
// validating the declared name length against the buffer actually
// supplied (spec.md §9 "never overlay structures on raw byte buffers
// without bounds checks").
func DecodeCreateRecord(buf []byte) (CreateRecord, error) {
	if len(buf) < wireHeaderSize {
		return CreateRecord{}, errors.Wrap(verr.ErrBufferTooSmall, "create record header")
	}
	r := bytes.NewReader(buf)
	var rec CreateRecord
	var media, flags uint32
	var nameLen uint16

	binary.Read(r, binary.LittleEndian, &rec.DeviceNumber)
	binary.Read(r, binary.LittleEndian, &rec.Geometry.Cylinders)
	binary.Read(r, binary.LittleEndian, &media)
	binary.Read(r, binary.LittleEndian, &rec.Geometry.Heads)
	binary.Read(r, binary.LittleEndian, &rec.Geometry.SectorsPerTrack)
	binary.Read(r, binary.LittleEndian, &rec.Geometry.BytesPerSector)
	binary.Read(r, binary.LittleEndian, &rec.ImageOffset)
	binary.Read(r, binary.LittleEndian, &flags)
	binary.Read(r, binary.LittleEndian, &rec.DriveLetter)
	binary.Read(r, binary.LittleEndian, &nameLen)

	rec.Geometry.Media = geometry.Media(media)
	rec.Flags = RecordFlag(flags)

	if r.Len() < int(nameLen) {
		return CreateRecord{}, errors.Wrap(verr.ErrBufferTooSmall, "create record name")
	}
	name := make([]byte, nameLen)
	r.Read(name)
	rec.Name = string(name)
	return rec, nil
}
