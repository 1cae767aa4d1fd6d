package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/imdisk-go/vblockd/backing"
	"github.com/imdisk-go/vblockd/geometry"
	"github.com/imdisk-go/vblockd/internal/fifo"
	"github.com/imdisk-go/vblockd/metrics"
)

// Flags is the per-device bit-set of option flags: read-only,
// removable, modified and special-file. Media kind lives in Geometry,
// and backing kind and proxy transport in Store.Kind().
type Flags uint32

const (
	FlagReadOnly Flags = 1 << iota
	FlagRemovable
	FlagModified
	FlagSpecialFile // pinned for paging/hibernation/dump use
)

// IdleCacheTimeout is the fixed 5s wait from spec.md §4.5 step 1 after
// which the last-I/O cache is released.
const IdleCacheTimeout = 5 * time.Second

// QueueCapacity is the initial FIFO size; it grows (internal/fifo.Grow)
// rather than ever rejecting a submission.
const QueueCapacity = 64

// PartitionRecord is the single whole-disk partition record spec.md's
// Non-goals permit recording (see SPEC_FULL.md "Supplemented features"
// #1).
type PartitionRecord struct {
	Type        byte
	StartSector int64
	LengthSectors int64
}

// Device is the per-device record from spec.md §3. It is created by
// the manager, mutated only by its own dispatcher goroutine and by
// cancellation, and torn down once the dispatcher observes
// terminate_requested, drains its queue, and the external reference
// count has fallen to zero.
type Device struct {
	ID   uint32
	Name string

	Store    backing.Store
	Geometry geometry.Geometry

	ImageOffset int64
	Flags       Flags
	MountHint   byte // 0 means unset, else 'A'-'Z'
	Partition   PartitionRecord

	queue            *fifo.Fifo[*Request]
	requestAvailable chan struct{}

	ctx       context.Context
	terminate context.CancelFunc

	cache lastIOCache

	mediaChangeCounter uint32
	refCount           int32
	specialFileCount   int32

	wg     sync.WaitGroup
	logger *logrus.Entry
	metrics *metrics.Collector

	mu sync.Mutex // guards Flags, MountHint, Partition, mediaChangeCounter

	removed atomic.Bool
}

// New constructs a Device bound to store/geometry, ready to have its
// dispatcher started with Run. collector may be nil, in which case no
// metrics are recorded for this device.
func New(id uint32, name string, store backing.Store, geo geometry.Geometry, imageOffset int64, flags Flags, mountHint byte, logger *logrus.Logger, collector *metrics.Collector) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Device{
		ID:                 id,
		Name:               name,
		Store:              store,
		Geometry:           geo,
		ImageOffset:        imageOffset,
		Flags:              flags,
		MountHint:          mountHint,
		queue:              fifo.New[*Request](QueueCapacity),
		requestAvailable:   make(chan struct{}, 1),
		ctx:                ctx,
		terminate:          cancel,
		logger:             logger.WithField("device", id),
		metrics:            collector,
		mediaChangeCounter: 1,
	}
}

// ReadOnly reports the read-only flag (spec.md invariant 4).
func (d *Device) ReadOnly() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Flags&FlagReadOnly != 0
}

// SetReadOnly flips the read-only flag, refusing to do so for a pinned
// special-file device per spec.md §4.6 / SPEC_FULL.md supplemented
// feature #4.
func (d *Device) SetReadOnly(ro bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ro && atomic.LoadInt32(&d.specialFileCount) > 0 {
		return errDeletePendingPinned
	}
	if ro {
		d.Flags |= FlagReadOnly
	} else {
		d.Flags &^= FlagReadOnly
	}
	return nil
}

func (d *Device) markModified() {
	d.mu.Lock()
	d.Flags |= FlagModified
	d.mu.Unlock()
}

// Modified reports whether the device has unflushed writes.
func (d *Device) Modified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Flags&FlagModified != 0
}

// Removable reports the removable-media flag.
func (d *Device) Removable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Flags&FlagRemovable != 0
}

// MediaChangeCounter returns the current counter value (spec.md §3,
// incremented at create, ForceRemove and backing-fatal teardown per
// SPEC_FULL.md supplemented feature #2).
func (d *Device) MediaChangeCounter() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mediaChangeCounter
}

func (d *Device) bumpMediaChangeCounter() {
	d.mu.Lock()
	d.mediaChangeCounter++
	d.mu.Unlock()
}

// BumpMediaChangeCounter increments the media-change counter; exported
// for manager.ForceRemove, which (per SPEC_FULL.md supplemented feature
// #2) bumps it on forced removal the same way a backing-fatal teardown
// does.
func (d *Device) BumpMediaChangeCounter() {
	d.bumpMediaChangeCounter()
}

// Pin increments the special-file pin count (paging/hibernation/dump
// use, SPEC_FULL.md supplemented feature #3); a pinned device cannot be
// removed and cannot be flipped read-only->writable->read-only.
func (d *Device) Pin() {
	atomic.AddInt32(&d.specialFileCount, 1)
	d.mu.Lock()
	d.Flags |= FlagSpecialFile
	d.mu.Unlock()
}

// Unpin decrements the pin count.
func (d *Device) Unpin() {
	if atomic.AddInt32(&d.specialFileCount, -1) <= 0 {
		d.mu.Lock()
		d.Flags &^= FlagSpecialFile
		d.mu.Unlock()
	}
}

// Pinned reports whether the device is currently pinned.
func (d *Device) Pinned() bool {
	return atomic.LoadInt32(&d.specialFileCount) > 0
}

// AddRef/Release track the external reference count spec.md §4.5
// "Shutdown" polls before destroying a device.
func (d *Device) AddRef() { atomic.AddInt32(&d.refCount, 1) }
func (d *Device) Release() { atomic.AddInt32(&d.refCount, -1) }
func (d *Device) refs() int32 { return atomic.LoadInt32(&d.refCount) }

// Submit enqueues req and wakes the dispatcher. It never blocks: the
// queue grows rather than rejecting, matching spec.md's "ordering
// guarantees" (requests from one caller served in submission order).
func (d *Device) Submit(req *Request) {
	if !d.queue.Push(req) {
		d.queue.Grow()
		d.queue.Push(req)
	}
	select {
	case d.requestAvailable <- struct{}{}:
	default:
	}
}

// Terminate raises terminate_requested (spec.md §3/§5): every blocking
// wait inside the dispatcher observes this.
func (d *Device) Terminate() {
	d.terminate()
}

// Wait blocks until the dispatcher goroutine has exited.
func (d *Device) Wait() {
	d.wg.Wait()
}

// Removed reports whether the dispatcher has completed shutdown.
func (d *Device) Removed() bool {
	return d.removed.Load()
}
