package proxy

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/verr"
)

// StreamEndpoint drives the proxy protocol over a strictly sequential
// framed byte stream (spec.md §4.3 "Stream transport"): each side
// writes header+payload then reads response header+payload. Framing
// itself needs no length-prefixing because every message's shape is
// fixed or self-describing (the length field inside the message),
// exactly the contract encoding/binary gives the teacher's
// pkg/can/virtual TCP bus transport — the sequencing here is the same
// "write then block on read" shape, just applied to the §4.3 schema
// instead of a raw CAN frame.
//
// A StreamEndpoint is owned exclusively by the device worker goroutine
// (spec.md §5 "the proxy stream transport's stream handle is owned
// exclusively by the worker thread"); it is not safe for concurrent use
// from multiple goroutines.
type StreamEndpoint struct {
	conn io.ReadWriteCloser

	mu     sync.Mutex
	closed bool
}

// NewStreamEndpoint wraps an already-connected stream (typically a
// net.Conn to a named pipe or TCP/unix-socket proxy server).
func NewStreamEndpoint(conn io.ReadWriteCloser) *StreamEndpoint {
	return &StreamEndpoint{conn: conn}
}

// withCancel runs fn in a goroutine and returns its error, but if ctx
// is cancelled first it closes the connection to unblock fn's I/O and
// returns verr.ErrCancelled — the stream transport has no way to abort
// a single in-flight read/write short of tearing down the connection,
// which is why a cancelled stream proxy request is always
// backing-fatal from the transport's point of view (the dispatcher
// still reports it to the caller as cancelled, per spec.md §5).
func (s *StreamEndpoint) withCancel(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.conn.Close()
		<-done
		return verr.ErrCancelled
	}
}

func (s *StreamEndpoint) Info(ctx context.Context) (InfoResponse, error) {
	var resp InfoResponse
	err := s.withCancel(ctx, func() error {
		if err := writeInfoRequest(s.conn); err != nil {
			return resetErr(err)
		}
		r, err := readInfoResponse(s.conn)
		if err != nil {
			return resetErr(err)
		}
		resp = r
		return nil
	})
	return resp, err
}

func (s *StreamEndpoint) Read(ctx context.Context, offset uint64, buf []byte) (int, error) {
	var n int
	err := s.withCancel(ctx, func() error {
		if err := writeReadRequest(s.conn, offset, uint64(len(buf))); err != nil {
			return resetErr(err)
		}
		hdr, err := readReadResponseHeader(s.conn)
		if err != nil {
			return resetErr(err)
		}
		if hdr.Errno != 0 {
			return errors.Wrapf(verr.ErrNoMedia, "proxy read errno=%d", hdr.Errno)
		}
		if hdr.Length > uint64(len(buf)) {
			return errors.Wrap(verr.ErrProtocolViolation, "read response longer than requested buffer")
		}
		if hdr.Length > 0 {
			if _, err := io.ReadFull(s.conn, buf[:hdr.Length]); err != nil {
				return resetErr(err)
			}
		}
		n = int(hdr.Length)
		return nil
	})
	return n, err
}

func (s *StreamEndpoint) Write(ctx context.Context, offset uint64, buf []byte) (int, error) {
	var n int
	err := s.withCancel(ctx, func() error {
		if err := writeWriteRequest(s.conn, offset, uint64(len(buf)), buf); err != nil {
			return resetErr(err)
		}
		hdr, err := readWriteResponseHeader(s.conn)
		if err != nil {
			return resetErr(err)
		}
		if hdr.Errno != 0 {
			return errors.Wrapf(verr.ErrNoMedia, "proxy write errno=%d", hdr.Errno)
		}
		n = int(hdr.Length)
		return nil
	})
	return n, err
}

func (s *StreamEndpoint) Connect(ctx context.Context, flags uint64, name string) (ConnectResponse, error) {
	var resp ConnectResponse
	err := s.withCancel(ctx, func() error {
		if err := writeConnectRequest(s.conn, flags, name); err != nil {
			return resetErr(err)
		}
		r, err := readConnectResponse(s.conn)
		if err != nil {
			return resetErr(err)
		}
		resp = r
		return nil
	})
	return resp, err
}

func (s *StreamEndpoint) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	// CLOSE is fire-and-forget: best effort, ignore failures since the
	// connection is going away regardless.
	_ = writeCloseRequest(s.conn)
	return s.conn.Close()
}

// resetErr wraps any partial-read/write or connection-reset condition
// as the non-retryable proxy-reset error spec.md §4.2/§4.3 mandates.
func resetErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(verr.ErrNoMedia, "proxy stream reset: "+err.Error())
}
