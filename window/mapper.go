package window

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/verr"
)

// DefaultWindowSize is W from spec.md §4.4: a fixed power-of-two window
// size, 16 MiB by default.
const DefaultWindowSize int64 = 16 * 1024 * 1024

// Mapper maintains a double-window (2*W) view over a PageList,
// remapping on demand when bring_into_view is asked for an offset the
// current window doesn't cover. Only one window may be live at a time
// (spec.md §4.4).
type Mapper struct {
	mu   sync.Mutex
	pl   *PageList
	w    int64
	base int64
	live int64 // length of the current live view, 0 if none yet
}

// NewMapper creates a Mapper with window size w (must be a power of
// two; DefaultWindowSize if w<=0).
func NewMapper(pl *PageList, w int64) *Mapper {
	if w <= 0 {
		w = DefaultWindowSize
	}
	return &Mapper{pl: pl, w: w}
}

func (m *Mapper) windowBase(offset int64) int64 {
	return offset &^ (m.w - 1)
}

// BringIntoView returns a slice starting at offset and the number of
// bytes usable from that slice before the caller must call
// BringIntoView again (spec.md §4.4 primitive). It takes no request
// length: requests wider than W are rejected by the dispatcher before
// reaching here, and callers compare their length against usableLen.
func (m *Mapper) BringIntoView(offset int64) (data []byte, usableLen int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := m.pl.Len()
	if offset < 0 || offset > total {
		return nil, 0, errors.Wrap(verr.ErrInvalidParameter, "offset out of range")
	}
	if offset == total {
		return m.pl.data[offset:offset], 0, nil
	}

	base := m.windowBase(offset)
	if m.live == 0 || base != m.base {
		if err := m.remap(base); err != nil {
			return nil, 0, err
		}
	}
	start := offset
	end := m.base + m.live
	return m.pl.data[start:end], end - start, nil
}

// minWindowSize bounds how far the halved-window fallback below may
// shrink w before giving up (spec.md §4.4 "Fallback").
const minWindowSize = 4096

// remap tears down any current view and builds a partial view at
// [base, base+min(2w, N-base)). Because the backing allocation is a
// single flat mmap, "tearing down" and "mapping" are pure bookkeeping;
// probeMap stands in for the real OS mapping call that could fail under
// memory pressure. On failure, remap retries once with w halved
// (spec.md §4.4 "Fallback"); if that also fails it reports
// insufficient-resources.
func (m *Mapper) remap(base int64) error {
	total := m.pl.Len()
	if base < 0 || base > total {
		return errors.Wrap(verr.ErrInvalidParameter, "window base beyond allocation")
	}

	w := m.w
	for attempt := 0; attempt < 2; attempt++ {
		size := 2 * w
		if remaining := total - base; size > remaining {
			size = remaining
		}
		if err := probeMap(size); err == nil {
			m.base = base
			m.live = size
			m.w = w
			return nil
		}
		w /= 2
		if w < minWindowSize {
			break
		}
	}
	return errors.Wrap(verr.ErrInsufficientResources, "window remap failed even after halving")
}

// probeMap simulates the allocation step of mapping size bytes,
// recovering from the runtime's out-of-memory panic the same way
// device.tryAlloc does for bounce buffers.
func probeMap(size int64) (err error) {
	if size <= 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(verr.ErrInsufficientResources, "simulated mapping allocation failed")
		}
	}()
	_ = make([]byte, size)
	return nil
}

// RequestLimit is the maximum single-request length the dispatcher may
// issue against this mapper (spec.md §4.4 "Per-request size limit").
func (m *Mapper) RequestLimit() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w
}

// Len returns the total addressable size of the underlying page list.
func (m *Mapper) Len() int64 {
	return m.pl.Len()
}

// Grow reallocates the underlying page list and invalidates the
// current view so the next BringIntoView remaps against the new
// length.
func (m *Mapper) Grow(newLen int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.pl.Grow(newLen); err != nil {
		return err
	}
	m.live = 0
	return nil
}

// Close releases the underlying page list.
func (m *Mapper) Close() error {
	return m.pl.Close()
}
