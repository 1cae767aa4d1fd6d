package backing

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/imdisk-go/vblockd/verr"
)

// FileStore is the File{handle, owns} backing variant: an image file
// (or an already-open *os.File the caller retains ownership of).
type FileStore struct {
	mu       sync.Mutex
	f        *os.File
	owns     bool
	readOnly bool
	size     int64
}

// OpenFile opens path as a File backing store. When writable and
// createSize>0, the physical file is extended to createSize bytes if
// shorter (spec.md §4.2 "may be asked to extend its physical length to
// match the requested device size when created writable").
func OpenFile(path string, readOnly bool, createSize int64) (*FileStore, error) {
	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR | os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if os.IsPermission(err) {
			return nil, errors.Wrap(verr.ErrAccessDenied, err.Error())
		}
		if os.IsNotExist(err) {
			return nil, errors.Wrap(verr.ErrNotFound, err.Error())
		}
		return nil, errors.Wrap(err, "open backing file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat backing file")
	}
	size := fi.Size()
	if !readOnly && createSize > size {
		if err := f.Truncate(createSize); err != nil {
			f.Close()
			return nil, errors.Wrap(verr.ErrInsufficientResources, "extend backing file: "+err.Error())
		}
		size = createSize
	}
	return &FileStore{f: f, owns: true, readOnly: readOnly, size: size}, nil
}

// WrapFile adapts an already-open file the caller keeps ownership of.
func WrapFile(f *os.File, readOnly bool, size int64) *FileStore {
	return &FileStore{f: f, owns: false, readOnly: readOnly, size: size}
}

func (s *FileStore) Size() int64     { return s.size }
func (s *FileStore) Alignment() uint32 { return 1 }
func (s *FileStore) ReadOnly() bool  { return s.readOnly }
func (s *FileStore) Kind() Kind      { return KindFile }

func (s *FileStore) ReadAt(ctx context.Context, buf []byte, off int64) (int, error) {
	if ctx == nil {
		return 0, errNilContext
	}
	length, eof := checkBounds(off, len(buf), s.Size())
	if eof {
		return 0, nil
	}
	n, err := s.f.ReadAt(buf[:length], off)
	if err != nil {
		return n, errors.Wrap(err, "file read")
	}
	return n, nil
}

func (s *FileStore) WriteAt(ctx context.Context, buf []byte, off int64) (int, error) {
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
	n, err := s.f.WriteAt(buf[:length], off)
	if err != nil {
		return n, errors.Wrap(err, "file write")
	}
	return n, nil
}

// Grow extends the physical file length then updates the cached size.
// Callers with a non-zero image offset must reject Grow before calling
// this (spec.md §4.5 "For file devices with a non-zero image offset:
// refuse with invalid-request"); FileStore itself has no notion of an
// image offset, that is a device-level concern.
func (s *FileStore) Grow(ctx context.Context, newSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return verr.ErrWriteProtected
	}
	if newSize < s.size {
		return errors.Wrap(verr.ErrInvalidParameter, "grow target smaller than current size")
	}
	if err := s.f.Truncate(newSize); err != nil {
		return errors.Wrap(verr.ErrInsufficientResources, "truncate: "+err.Error())
	}
	s.size = newSize
	return nil
}

func (s *FileStore) Close() error {
	if !s.owns {
		return nil
	}
	return s.f.Close()
}
