package backing

import (
	"context"
	"io"

	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/verr"
	"github.com/imdisk-go/vblockd/window"
)

// AnonStore is the Anon{buffer, len} backing variant: an anonymous,
// in-memory region. It is always routed through a window.Mapper (C4),
// matching spec.md §2's control-flow note that C2 "for paged memory
// devices drives C4" — a small Anon device simply has a window that
// always covers the whole allocation in one remap.
type AnonStore struct {
	mapper   *window.Mapper
	readOnly bool
}

// NewAnon reserves a contiguous len-byte anonymous range.
func NewAnon(length int64, readOnly bool, windowSize int64) (*AnonStore, error) {
	pl, err := window.NewPageList(length)
	if err != nil {
		return nil, err
	}
	return &AnonStore{mapper: window.NewMapper(pl, windowSize), readOnly: readOnly}, nil
}

// Preload streams r's content into the allocation before the
// dispatcher starts serving requests; a failure here is fatal for the
// device per spec.md §4.2.
func (s *AnonStore) Preload(r io.Reader) error {
	view, _, err := s.mapper.BringIntoView(0)
	if err != nil {
		return err
	}
	total := s.mapper.Len()
	var off int64
	for off < total {
		if off >= int64(len(view)) {
			view, _, err = s.mapper.BringIntoView(off)
			if err != nil {
				return err
			}
		}
		n, rerr := r.Read(view[:min64(int64(len(view)), total-off)])
		if n > 0 {
			off += int64(n)
			view = view[n:]
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return errors.Wrap(rerr, "preload anon backing")
		}
	}
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (s *AnonStore) Size() int64       { return s.mapper.Len() }
func (s *AnonStore) Alignment() uint32 { return 1 }
func (s *AnonStore) ReadOnly() bool    { return s.readOnly }
func (s *AnonStore) Kind() Kind        { return KindAnon }

// Mapper exposes the underlying window mapper, used by the dispatcher's
// paged-memory read/write path (spec.md §4.5).
func (s *AnonStore) Mapper() *window.Mapper { return s.mapper }

func (s *AnonStore) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if ctx == nil {
		return 0, errNilContext
	}
	length, eof := checkBounds(off, len(buf), s.Size())
	if eof {
		return 0, nil
	}
	view, usable, err := s.mapper.BringIntoView(off)
	if err != nil {
		return 0, err
	}
	if int64(length) > usable {
		return 0, errors.Wrap(verr.ErrInvalidParameter, "request crosses mapper window")
	}
	n := copy(buf[:length], view[:length])
	return n, nil
}

func (s *AnonStore) WriteAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if ctx == nil {
		return 0, errNilContext
	}
	if s.readOnly {
		return 0, verr.ErrWriteProtected
	}
	length, eof := checkBounds(off, len(buf), s.Size())
	if eof {
		return 0, nil
	}
	view, usable, err := s.mapper.BringIntoView(off)
	if err != nil {
		return 0, err
	}
	if int64(length) > usable {
		return 0, errors.Wrap(verr.ErrInvalidParameter, "request crosses mapper window")
	}
	n := copy(view[:length], buf[:length])
	return n, nil
}

// Grow reallocates the underlying page list (spec.md §4.5 "Grow" for
// paged-memory devices): allocate larger, copy, swap, free old —
// exactly what window.PageList.Grow does.
func (s *AnonStore) Grow(ctx context.Context, newSize int64) error {
	if s.readOnly {
		return verr.ErrWriteProtected
	}
	return s.mapper.Grow(newSize)
}

func (s *AnonStore) Close() error {
	return s.mapper.Close()
}
