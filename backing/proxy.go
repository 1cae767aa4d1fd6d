package backing

import (
	"context"

	"github.com/imdisk-go/vblockd/proxy"
	"github.com/imdisk-go/vblockd/verr"
)

// ProxyStore adapts a proxy.Client (either transport) to the Store
// contract. Both ProxyStream and ProxyShm backing variants from
// spec.md §3's data model are this same type distinguished only by
// which proxy.Endpoint was opened underneath — the wire protocol and
// bounds handling are identical per spec.md §4.3.
type ProxyStore struct {
	client    *proxy.Client
	kind      Kind
	alignment uint32
}

// NewProxyStore opens a Client against ep and wraps it as a Store of
// the given kind (KindProxyStream or KindProxyShm).
func NewProxyStore(ctx context.Context, ep proxy.Endpoint, kind Kind, authoritativeSize uint64) (*ProxyStore, error) {
	client, err := proxy.Open(ctx, ep, authoritativeSize)
	if err != nil {
		return nil, err
	}
	align := uint32(client.Alignment)
	if align == 0 || align > 512 {
		align = 1
	}
	return &ProxyStore{client: client, kind: kind, alignment: align}, nil
}

func (s *ProxyStore) Size() int64       { return int64(s.client.FileSize) }
func (s *ProxyStore) Alignment() uint32 { return s.alignment }
func (s *ProxyStore) ReadOnly() bool    { return s.client.ReadOnly }
func (s *ProxyStore) Kind() Kind        { return s.kind }

func (s *ProxyStore) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	length, eof := checkBounds(off, len(buf), s.Size())
	if eof {
		return 0, nil
	}
	return s.client.Read(ctx, uint64(off), buf[:length])
}

func (s *ProxyStore) WriteAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if s.ReadOnly() {
		return 0, verr.ErrWriteProtected
	}
	length, eof := checkBounds(off, len(buf), s.Size())
	if eof {
		return 0, nil
	}
	return s.client.Write(ctx, uint64(off), buf[:length])
}

// Grow accepts the new size without a backend call — the proxy backing
// is assumed elastic (spec.md §4.5 "For proxy devices: accept the new
// size without backend call").
func (s *ProxyStore) Grow(ctx context.Context, newSize int64) error {
	s.client.FileSize = uint64(newSize)
	return nil
}

func (s *ProxyStore) Close() error {
	return s.client.Close()
}
