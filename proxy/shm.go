package proxy

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/internal/signal"
	"github.com/imdisk-go/vblockd/verr"
)

// HeaderSlotSize is the fixed size of the shared-memory header slot
// preceding the payload area (spec.md §4.3 "Shared-memory transport").
const HeaderSlotSize = 64

// ShmEndpoint drives the proxy protocol over a shared-memory rendezvous:
// a fixed region whose first HeaderSlotSize bytes are the header slot
// and whose remainder is the payload area, synchronized by a pair of
// binary signals implementing the request/response ping-pong. Exactly
// one of (request held by client, response held by server) is true at
// any time — spec.md §3 invariant 6 — which this type enforces by
// never raising Request again until Response has been observed.
type ShmEndpoint struct {
	region  []byte // HeaderSlotSize header + payload area
	request *signal.Signal
	response *signal.Signal
}

// NewShmEndpoint wires a shared region and its paired signals into an
// Endpoint. region must be at least HeaderSlotSize bytes; whatever lies
// beyond the header slot is the payload area.
func NewShmEndpoint(region []byte, request, response *signal.Signal) (*ShmEndpoint, error) {
	if len(region) < HeaderSlotSize {
		return nil, errors.Wrap(verr.ErrInvalidParameter, "shm region smaller than header slot")
	}
	return &ShmEndpoint{region: region, request: request, response: response}, nil
}

func (s *ShmEndpoint) payloadCap() int {
	return len(s.region) - HeaderSlotSize
}

// roundTrip writes encode's output into the header slot (and any
// payload produced alongside it), raises the request signal, waits for
// the response signal or ctx cancellation, then hands the header slot
// and payload area to decode.
func (s *ShmEndpoint) roundTrip(ctx context.Context, encode func(hdr *bytes.Buffer) (payload []byte, err error), decode func(hdr io.Reader, payload []byte) error) error {
	hdr := bytes.NewBuffer(make([]byte, 0, HeaderSlotSize))
	payload, err := encode(hdr)
	if err != nil {
		return err
	}
	if hdr.Len() > HeaderSlotSize {
		return errors.Wrap(verr.ErrInvalidParameter, "encoded header exceeds slot size")
	}
	if len(payload) > s.payloadCap() {
		return errors.Wrap(verr.ErrInvalidParameter, "payload exceeds shm capacity")
	}
	copy(s.region[:HeaderSlotSize], hdr.Bytes())
	for i := hdr.Len(); i < HeaderSlotSize; i++ {
		s.region[i] = 0
	}
	if len(payload) > 0 {
		copy(s.region[HeaderSlotSize:], payload)
	}
	if err := s.request.Raise(); err != nil {
		return errors.Wrap(verr.ErrNoMedia, "raise request signal: "+err.Error())
	}
	if err := s.response.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return verr.ErrCancelled
		}
		return errors.Wrap(verr.ErrNoMedia, "wait response signal: "+err.Error())
	}
	return decode(bytes.NewReader(s.region[:HeaderSlotSize]), s.region[HeaderSlotSize:])
}

func (s *ShmEndpoint) Info(ctx context.Context) (InfoResponse, error) {
	var resp InfoResponse
	err := s.roundTrip(ctx,
		func(hdr *bytes.Buffer) ([]byte, error) { return nil, writeInfoRequest(hdr) },
		func(hdr io.Reader, _ []byte) error {
			r, err := readInfoResponse(hdr)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	return resp, err
}

func (s *ShmEndpoint) Read(ctx context.Context, offset uint64, buf []byte) (int, error) {
	var n int
	err := s.roundTrip(ctx,
		func(hdr *bytes.Buffer) ([]byte, error) {
			return nil, writeReadRequest(hdr, offset, uint64(len(buf)))
		},
		func(hdr io.Reader, payload []byte) error {
			h, err := readReadResponseHeader(hdr)
			if err != nil {
				return err
			}
			if h.Errno != 0 {
				return errors.Wrapf(verr.ErrNoMedia, "proxy read errno=%d", h.Errno)
			}
			if h.Length > uint64(s.payloadCap()) {
				return errors.Wrap(verr.ErrProtocolViolation, "response payload exceeds shm capacity")
			}
			if h.Length > uint64(len(buf)) {
				return errors.Wrap(verr.ErrProtocolViolation, "response longer than requested buffer")
			}
			copy(buf[:h.Length], payload[:h.Length])
			n = int(h.Length)
			return nil
		})
	return n, err
}

func (s *ShmEndpoint) Write(ctx context.Context, offset uint64, buf []byte) (int, error) {
	var n int
	err := s.roundTrip(ctx,
		func(hdr *bytes.Buffer) ([]byte, error) {
			if err := writeU64(hdr, uint64(MsgWrite)); err != nil {
				return nil, err
			}
			if err := writeU64(hdr, offset); err != nil {
				return nil, err
			}
			if err := writeU64(hdr, uint64(len(buf))); err != nil {
				return nil, err
			}
			return buf, nil
		},
		func(hdr io.Reader, _ []byte) error {
			h, err := readWriteResponseHeader(hdr)
			if err != nil {
				return err
			}
			if h.Errno != 0 {
				return errors.Wrapf(verr.ErrNoMedia, "proxy write errno=%d", h.Errno)
			}
			n = int(h.Length)
			return nil
		})
	return n, err
}

func (s *ShmEndpoint) Connect(ctx context.Context, flags uint64, name string) (ConnectResponse, error) {
	var resp ConnectResponse
	err := s.roundTrip(ctx,
		func(hdr *bytes.Buffer) ([]byte, error) { return nil, writeConnectRequest(hdr, flags, name) },
		func(hdr io.Reader, _ []byte) error {
			r, err := readConnectResponse(hdr)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
	return resp, err
}

func (s *ShmEndpoint) Close() error {
	hdr := bytes.NewBuffer(make([]byte, 0, HeaderSlotSize))
	_ = writeCloseRequest(hdr)
	copy(s.region[:HeaderSlotSize], hdr.Bytes())
	_ = s.request.Raise()
	return nil
}
