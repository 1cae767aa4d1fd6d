package proxy

import (
	"context"

	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/verr"
)

// Endpoint is the minimal transport a Client drives: send a request,
// receive its response. Both transports in this package (stream, shm)
// implement it; backing.ProxyStream/backing.ProxyShm hold a Client.
type Endpoint interface {
	// Info issues INFO and returns the backend's reported size/alignment/flags.
	Info(ctx context.Context) (InfoResponse, error)
	// Read issues READ and copies up to len(buf) bytes into buf, returning
	// the number of bytes actually returned by the backend.
	Read(ctx context.Context, offset uint64, buf []byte) (int, error)
	// Write issues WRITE with buf as payload.
	Write(ctx context.Context, offset uint64, buf []byte) (int, error)
	// Connect issues CONNECT with the given target name and returns the
	// response. Neither transport in this package acts on a non-zero
	// ObjectPtr: the endpoint keeps using its existing stream or region.
	Connect(ctx context.Context, flags uint64, name string) (ConnectResponse, error)
	// Close issues the fire-and-forget CLOSE hint then releases transport
	// resources.
	Close() error
}

// Client is the C3 proxy protocol client: an Endpoint plus the
// open-time bounds/alignment validation spec.md §4.3 requires.
type Client struct {
	ep          Endpoint
	FileSize    uint64
	Alignment   uint64
	ReadOnly    bool
}

// Open performs INFO against ep and validates the response per §4.3:
// req_alignment-1 must be <=511, and a zero file_size is a fatal open
// error unless authoritativeSize is supplied (>0) by the caller.
func Open(ctx context.Context, ep Endpoint, authoritativeSize uint64) (*Client, error) {
	info, err := ep.Info(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "proxy info")
	}
	if info.ReqAlignment-1 > 511 {
		return nil, errors.Wrapf(verr.ErrUnsupportedAlignment, "req_alignment=%d", info.ReqAlignment)
	}
	size := info.FileSize
	if size == 0 {
		if authoritativeSize == 0 {
			return nil, errors.Wrap(verr.ErrNoMedia, "proxy reported zero file_size with no authoritative size")
		}
		size = authoritativeSize
	}
	return &Client{
		ep:        ep,
		FileSize:  size,
		Alignment: info.ReqAlignment,
		ReadOnly:  info.Flags&InfoFlagReadOnly != 0,
	}, nil
}

func (c *Client) Read(ctx context.Context, offset uint64, buf []byte) (int, error) {
	n, err := c.ep.Read(ctx, offset, buf)
	if err != nil {
		return n, classifyEndpointError(err)
	}
	return n, nil
}

func (c *Client) Write(ctx context.Context, offset uint64, buf []byte) (int, error) {
	if c.ReadOnly {
		return 0, verr.ErrWriteProtected
	}
	n, err := c.ep.Write(ctx, offset, buf)
	if err != nil {
		return n, classifyEndpointError(err)
	}
	return n, nil
}

// Connect issues CONNECT for a named target and reports only whether it
// failed; the response, including any ObjectPtr, is discarded and no
// endpoint swap takes place.
func (c *Client) Connect(ctx context.Context, flags uint64, name string) error {
	_, err := c.ep.Connect(ctx, flags, name)
	if err != nil {
		return classifyEndpointError(err)
	}
	return nil
}

// classifyEndpointError maps a raw Endpoint error onto the sentinel the
// rest of the stack dispatches on. Cancellation must survive as
// ErrCancelled (spec.md §7 "Cancellation is never logged as error") and
// a protocol violation must survive as ErrProtocolViolation (already
// backing-fatal); everything else is an unreachable/reset backend,
// reported as ErrNoMedia.
func classifyEndpointError(err error) error {
	if verr.IsCancellation(err) {
		return err
	}
	if verr.IsProtocolViolation(err) {
		return err
	}
	return errors.Wrap(verr.ErrNoMedia, err.Error())
}

func (c *Client) Close() error {
	return c.ep.Close()
}
