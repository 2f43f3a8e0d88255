// Package reactor implements the broker's single-threaded cooperative
// event loop: fd readiness via poll(2) plus timers, with no worker
// threads. Callbacks run to completion without re-entering the loop
// concurrently.
package reactor

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ReadCallback is invoked when a registered fd becomes readable.
type ReadCallback func()

// TimerCallback is invoked when a timer fires. Returning true reschedules
// it for another `every` interval; returning false removes it.
type TimerCallback func() bool

type reader struct {
	fd int
	cb ReadCallback
}

type timer struct {
	id     int
	next   time.Time
	every  time.Duration
	cb     TimerCallback
	cancel bool
}

// Reactor is a single-threaded poll loop. Run drives it on one
// goroutine; the registration methods and Stop take the reactor's mutex
// (or close its done channel), so they may be called from callbacks,
// before Run starts, or from other goroutines.
type Reactor struct {
	mu      sync.Mutex
	readers map[int]*reader
	timers  []*timer
	nextID  int
	done    chan struct{}
	wake    chan struct{}
}

// New creates an empty reactor.
func New() *Reactor {
	return &Reactor{
		readers: make(map[int]*reader),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// AddReader arms cb to run whenever fd is readable.
func (r *Reactor) AddReader(fd int, cb ReadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readers[fd] = &reader{fd: fd, cb: cb}
	r.poke()
}

// RemoveReader disarms fd. Safe to call even if fd was never added.
func (r *Reactor) RemoveReader(fd int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.readers, fd)
}

// AddTimer arms cb to run after `after`, then every `every` thereafter
// while cb keeps returning true. every==0 means fire once.
func (r *Reactor) AddTimer(after, every time.Duration, cb TimerCallback) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.timers = append(r.timers, &timer{
		id:    id,
		next:  time.Now().Add(after),
		every: every,
		cb:    cb,
	})
	r.poke()
	return id
}

// CancelTimer removes a pending timer by id.
func (r *Reactor) CancelTimer(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.timers {
		if t.id == id {
			t.cancel = true
		}
	}
}

// Stop causes Run to return after the current iteration.
func (r *Reactor) Stop() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *Reactor) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drives the loop until Stop is called. It polls registered fds with
// a timeout bounded by the nearest pending timer, runs any fds that
// became readable, then runs any timers whose deadline has passed.
func (r *Reactor) Run() error {
	for {
		select {
		case <-r.done:
			return nil
		default:
		}

		fds, timeout := r.snapshot()

		if len(fds) == 0 {
			if timeout < 0 {
				// Nothing registered at all; wait for AddReader/AddTimer.
				select {
				case <-r.done:
					return nil
				case <-r.wake:
				}
				continue
			}
			time.Sleep(timeout)
			r.runDueTimers()
			continue
		}

		pfds := make([]unix.PollFd, len(fds))
		for i, fd := range fds {
			pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
		}
		ms := int(timeout / time.Millisecond)
		if timeout < 0 {
			ms = 1000 // re-check done/wake channel periodically
		}
		n, err := unix.Poll(pfds, ms)
		if err != nil && err != unix.EINTR {
			return err
		}
		if n > 0 {
			for _, pfd := range pfds {
				if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
					r.runReader(int(pfd.Fd))
				}
			}
		}
		r.runDueTimers()
	}
}

func (r *Reactor) snapshot() ([]int, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fds := make([]int, 0, len(r.readers))
	for fd := range r.readers {
		fds = append(fds, fd)
	}
	sort.Ints(fds)

	timeout := time.Duration(-1)
	now := time.Now()
	for _, t := range r.timers {
		if t.cancel {
			continue
		}
		d := t.next.Sub(now)
		if d < 0 {
			d = 0
		}
		if timeout < 0 || d < timeout {
			timeout = d
		}
	}
	return fds, timeout
}

func (r *Reactor) runReader(fd int) {
	r.mu.Lock()
	rd, ok := r.readers[fd]
	r.mu.Unlock()
	if ok {
		rd.cb()
	}
}

func (r *Reactor) runDueTimers() {
	now := time.Now()
	r.mu.Lock()
	due := make([]*timer, 0)
	kept := r.timers[:0]
	for _, t := range r.timers {
		if t.cancel {
			continue
		}
		if !t.next.After(now) {
			due = append(due, t)
			continue
		}
		kept = append(kept, t)
	}
	r.timers = kept
	r.mu.Unlock()

	for _, t := range due {
		if t.cb() && t.every > 0 {
			t.next = time.Now().Add(t.every)
			r.mu.Lock()
			r.timers = append(r.timers, t)
			r.mu.Unlock()
		}
	}
}
