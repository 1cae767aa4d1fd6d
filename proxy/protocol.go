// Package proxy implements the wire protocol client for the §4.3
// proxy protocol client (C3): five request/response message kinds
// shared by two transports (framed stream, shared memory).
//
// All multi-byte integers are little-endian, 8-byte aligned fields,
// matching spec.md §6. The read/write helpers here mirror the
// length-prefixed framing the teacher's virtual CAN bus transport uses
// (pkg/can/virtual/virtual.go: binary.Write into a buffer, then a
// length-prefixed send) but encode the fixed field layouts of §4.3
// directly instead of a single opaque frame.
package proxy

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/verr"
)

// MsgCode identifies one of the five proxy messages.
type MsgCode uint64

const (
	MsgInfo    MsgCode = 1
	MsgRead    MsgCode = 2
	MsgWrite   MsgCode = 3
	MsgConnect MsgCode = 4
	MsgClose   MsgCode = 5
)

// Flags reported by INFO, bit 0 means read-only backing.
const InfoFlagReadOnly uint64 = 1 << 0

var order = binary.LittleEndian

func writeU64(w io.Writer, v uint64) error {
	var buf [8]byte
	order.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readU64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return order.Uint64(buf[:]), nil
}

// InfoResponse is the §4.3 INFO response payload.
type InfoResponse struct {
	FileSize      uint64
	ReqAlignment  uint64
	Flags         uint64
}

func writeInfoRequest(w io.Writer) error {
	return writeU64(w, uint64(MsgInfo))
}

func readInfoResponse(r io.Reader) (InfoResponse, error) {
	size, err := readU64(r)
	if err != nil {
		return InfoResponse{}, errors.Wrap(err, "read info response file_size")
	}
	align, err := readU64(r)
	if err != nil {
		return InfoResponse{}, errors.Wrap(err, "read info response alignment")
	}
	flags, err := readU64(r)
	if err != nil {
		return InfoResponse{}, errors.Wrap(err, "read info response flags")
	}
	return InfoResponse{FileSize: size, ReqAlignment: align, Flags: flags}, nil
}

// ReadResponseHeader is the 16-byte header preceding READ response payload.
type ReadResponseHeader struct {
	Errno  uint64
	Length uint64
}

func writeReadRequest(w io.Writer, offset, length uint64) error {
	if err := writeU64(w, uint64(MsgRead)); err != nil {
		return err
	}
	if err := writeU64(w, offset); err != nil {
		return err
	}
	return writeU64(w, length)
}

func readReadResponseHeader(r io.Reader) (ReadResponseHeader, error) {
	errno, err := readU64(r)
	if err != nil {
		return ReadResponseHeader{}, errors.Wrap(err, "read response errno")
	}
	length, err := readU64(r)
	if err != nil {
		return ReadResponseHeader{}, errors.Wrap(err, "read response length")
	}
	return ReadResponseHeader{Errno: errno, Length: length}, nil
}

// WriteResponseHeader is the response to a WRITE request.
type WriteResponseHeader struct {
	Errno  uint64
	Length uint64
}

func writeWriteRequest(w io.Writer, offset, length uint64, payload []byte) error {
	if uint64(len(payload)) != length {
		return errors.Wrap(verr.ErrInvalidParameter, "write payload length mismatch")
	}
	if err := writeU64(w, uint64(MsgWrite)); err != nil {
		return err
	}
	if err := writeU64(w, offset); err != nil {
		return err
	}
	if err := writeU64(w, length); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readWriteResponseHeader(r io.Reader) (WriteResponseHeader, error) {
	errno, err := readU64(r)
	if err != nil {
		return WriteResponseHeader{}, errors.Wrap(err, "write response errno")
	}
	length, err := readU64(r)
	if err != nil {
		return WriteResponseHeader{}, errors.Wrap(err, "write response length")
	}
	return WriteResponseHeader{Errno: errno, Length: length}, nil
}

// ConnectResponse carries the endpoint-swap hint from §4.3.
type ConnectResponse struct {
	ErrorCode uint64
	ObjectPtr uint64
}

func writeConnectRequest(w io.Writer, flags uint64, name string) error {
	nameBytes := []byte(name)
	if err := writeU64(w, uint64(MsgConnect)); err != nil {
		return err
	}
	if err := writeU64(w, flags); err != nil {
		return err
	}
	if err := writeU64(w, uint64(len(nameBytes))); err != nil {
		return err
	}
	_, err := w.Write(nameBytes)
	return err
}

func readConnectResponse(r io.Reader) (ConnectResponse, error) {
	code, err := readU64(r)
	if err != nil {
		return ConnectResponse{}, errors.Wrap(err, "connect response error_code")
	}
	ptr, err := readU64(r)
	if err != nil {
		return ConnectResponse{}, errors.Wrap(err, "connect response object_ptr")
	}
	return ConnectResponse{ErrorCode: code, ObjectPtr: ptr}, nil
}

func writeCloseRequest(w io.Writer) error {
	return writeU64(w, uint64(MsgClose))
}
