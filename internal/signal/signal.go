// Package signal implements the binary, kernel-visible signal primitive
// referenced throughout spec.md §3–§5: a two-state (set/clear) object
// that one side raises and the other side waits on, used for the
// request/response ping-pong of the proxy shared-memory transport
// (spec §4.3 invariant 6). Devices do not use it: their
// request_available and terminate_requested signals are a channel and
// a context.
//
// On Linux it is backed by eventfd(2) via golang.org/x/sys/unix, which
// is a real kernel object usable with poll/select the same way the
// original driver's named kernel event objects are — the same
// golang.org/x/sys dependency the teacher pulls in for raw SocketCAN
// sockets does the job here for a different syscall.
package signal

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"
)

// Signal is a level-triggered binary signal: Raise sets it, and Wait
// blocks until it is set (or the context is done), then consumes it by
// reading the counter back to zero.
type Signal struct {
	mu   sync.Mutex
	fd   int
	used bool
}

// New creates a Signal backed by a Linux eventfd in semaphore-less
// (level-triggered counter) mode.
func New() (*Signal, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}
	return &Signal{fd: fd, used: true}, nil
}

// Close releases the underlying file descriptor.
func (s *Signal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.used {
		return nil
	}
	s.used = false
	return unix.Close(s.fd)
}

// Raise sets the signal (eventfd semantics: each write(8) adds to the
// counter, each successful read drains it back to zero, so several
// Raises before a Wait are observed as one).
func (s *Signal) Raise() error {
	buf := [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := unix.Write(s.fd, buf[:])
	return err
}

// Wait blocks until the signal is raised or ctx is done. It returns
// ctx.Err() on cancellation, matching the dispatcher's requirement
// that every blocking wait be paired with terminate_requested.
func (s *Signal) Wait(ctx context.Context) error {
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := unix.Poll(pfd, 50)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		var buf [8]byte
		if _, err := unix.Read(s.fd, buf[:]); err != nil && err != unix.EAGAIN {
			return err
		}
		return nil
	}
}

// FD exposes the raw descriptor for a caller that wants to multiplex a
// Signal into its own poll set.
func (s *Signal) FD() int {
	return s.fd
}
