// Package eventfd wraps a Linux eventfd kernel object: a writable
// increment counter that is also readable/drainable, used here as the
// broker's doorbell mechanism.
package eventfd

import (
	"encoding/binary"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/zvolchak/FAME-Z/internal/broker/errs"
)

// Eventfd wraps one eventfd file descriptor.
type Eventfd struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// New creates a non-blocking, close-on-exec eventfd with the given
// initial counter value.
func New(init uint) (*Eventfd, error) {
	fd, err := unix.Eventfd(init, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: eventfd: %v", errs.ErrResource, err)
	}
	return &Eventfd{fd: fd}, nil
}

// FromFD wraps an fd received over SCM_RIGHTS (e.g. during the
// handshake) as an Eventfd. The caller is assumed to have set
// O_NONBLOCK/FD_CLOEXEC on the sending side; FromFD does not re-apply
// them.
func FromFD(fd int) *Eventfd {
	return &Eventfd{fd: fd}
}

// Fd returns the underlying file descriptor, e.g. for SCM_RIGHTS transfer
// or reactor registration.
func (e *Eventfd) Fd() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fd
}

// Ring increments the counter by delta. Returns delivered=false on
// EAGAIN (the kernel counter would overflow); EINTR is retried.
func (e *Eventfd) Ring(delta uint64) (delivered bool, err error) {
	if delta == 0 {
		delta = 1
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, delta)
	for {
		_, err := unix.Write(e.Fd(), buf)
		if err == nil {
			return true, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false, nil
		}
		return false, fmt.Errorf("%w: eventfd write: %v", errs.ErrResource, err)
	}
}

// Drain reads and resets the counter. fired is false on EAGAIN (nothing
// to drain); EINTR is retried.
func (e *Eventfd) Drain() (fired bool, counter uint64, err error) {
	buf := make([]byte, 8)
	for {
		n, err := unix.Read(e.Fd(), buf)
		if err == nil && n == 8 {
			return true, binary.LittleEndian.Uint64(buf), nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("%w: eventfd read: %v", errs.ErrResource, err)
	}
}

// Close closes the underlying fd exactly once. Safe to call more than
// once.
func (e *Eventfd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return unix.Close(e.fd)
}

