package proxy

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Region is a shared-memory rendezvous region backed by a memfd, sized
// S bytes (caller-chosen, must hold HeaderSlotSize + max expected
// payload — spec.md §6 "Shared-memory rendezvous"). Using memfd+mmap
// gives a real kernel-shared mapping the same way a named
// CreateFileMapping region does on the original platform, via the same
// golang.org/x/sys dependency the teacher pulls in for raw sockets.
type Region struct {
	fd   int
	data []byte
}

// NewRegion allocates a fresh anonymous shared-memory region of size
// bytes, suitable for handing to NewShmEndpoint on one side and an
// external proxy server on the other (by duplicating the fd).
func NewRegion(size int) (*Region, error) {
	if size < HeaderSlotSize {
		return nil, errors.New("shm region smaller than header slot")
	}
	fd, err := unix.MemfdCreate("vblockd-proxy-shm", 0)
	if err != nil {
		return nil, errors.Wrap(err, "memfd_create")
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "ftruncate")
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "mmap")
	}
	return &Region{fd: fd, data: data}, nil
}

// Bytes returns the mapped region.
func (r *Region) Bytes() []byte { return r.data }

// FD returns the underlying memfd, for handing to an external process.
func (r *Region) FD() int { return r.fd }

// Close unmaps the region and closes the memfd.
func (r *Region) Close() error {
	if r.data != nil {
		if err := unix.Munmap(r.data); err != nil {
			return errors.Wrap(err, "munmap")
		}
		r.data = nil
	}
	return unix.Close(r.fd)
}
