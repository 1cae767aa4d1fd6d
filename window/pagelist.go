// Package window implements the sliding-window mapper (spec.md §4.4,
// C4): a bounded double-window view over a much larger page-list
// allocation, remapped on demand when an I/O crosses the current
// window.
//
// The underlying allocation is a real anonymous mmap via
// golang.org/x/sys/unix (the same dependency the teacher pulls in for
// raw sockets, put to different use here), so Grow genuinely
// reallocates and copies rather than just growing a Go slice — which
// matters because spec.md §4.5 requires the old allocation to be freed
// only after the copy-and-swap succeeds.
package window

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/imdisk-go/vblockd/verr"
)

// PageList is the N-byte backing allocation a Mapper slides a window
// over. Its total byte length is the authoritative size of a
// paged-memory device.
type PageList struct {
	data []byte
}

// NewPageList reserves a contiguous anonymous, zero-filled range of n
// bytes.
func NewPageList(n int64) (*PageList, error) {
	if n <= 0 {
		return nil, errors.Wrap(verr.ErrInvalidParameter, "page list length must be positive")
	}
	data, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(verr.ErrInsufficientResources, "mmap page list: "+err.Error())
	}
	return &PageList{data: data}, nil
}

// Len returns the total byte length of the allocation.
func (p *PageList) Len() int64 { return int64(len(p.data)) }

// Preload fills the allocation from src starting at offset 0, stopping
// at the end of the allocation, on an error, or when src returns 0
// bytes. backing.AnonStore.Preload does not call it; it fills the
// allocation through the Mapper instead.
func (p *PageList) Preload(src func(buf []byte) (int, error)) error {
	off := 0
	for off < len(p.data) {
		n, err := src(p.data[off:])
		if n > 0 {
			off += n
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return nil
}

// Grow reallocates the page list to newLen bytes, copying existing
// content, then releases the old mapping. newLen must be >= Len().
func (p *PageList) Grow(newLen int64) error {
	if newLen < p.Len() {
		return errors.Wrap(verr.ErrInvalidParameter, "grow target smaller than current length")
	}
	bigger, err := unix.Mmap(-1, 0, int(newLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return errors.Wrap(verr.ErrInsufficientResources, "mmap grown page list: "+err.Error())
	}
	copy(bigger, p.data)
	old := p.data
	p.data = bigger
	if err := unix.Munmap(old); err != nil {
		return errors.Wrap(err, "munmap old page list")
	}
	return nil
}

// Close releases the allocation.
func (p *PageList) Close() error {
	if p.data == nil {
		return nil
	}
	err := unix.Munmap(p.data)
	p.data = nil
	return err
}
