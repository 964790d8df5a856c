//go:build unix && !linux

package coio

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// fdInterest tracks the one-shot watches pending for a single descriptor.
type fdInterest struct {
	read  []*watch
	write []*watch
}

// pollReactor is the portable unix reactor built on poll(2). The descriptor
// set is rebuilt on every pump; with the handful of descriptors a
// cooperative scheduler watches at once, that is cheaper than it sounds.
type pollReactor struct {
	fds    map[int]*fdInterest
	timers timerQueue
}

// NewReactor constructs the platform reactor.
func NewReactor() (Reactor, error) {
	return &pollReactor{fds: make(map[int]*fdInterest)}, nil
}

// WatchOnce implements [Reactor].
func (r *pollReactor) WatchOnce(fd int, kind EventKind, timeout time.Duration, onReady ReadyFunc) error {
	if onReady == nil {
		panic("coio: WatchOnce with nil ReadyFunc")
	}

	switch kind {
	case EventTimeout:
		if fd != -1 {
			panic("coio: timeout watches use the sentinel descriptor -1")
		}
		if timeout < 0 {
			timeout = 0
		}
		w := &watch{fd: fd, kind: kind, onReady: onReady}
		w.tm = r.timers.add(time.Now().Add(timeout), func() {
			w.fire(EventTimeout)
		})
		return nil

	case EventRead, EventWrite:
		if fd < 0 {
			return unix.EBADF
		}
		in := r.fds[fd]
		if in == nil {
			in = &fdInterest{}
			r.fds[fd] = in
		}
		w := &watch{fd: fd, kind: kind, onReady: onReady}
		if kind == EventRead {
			in.read = append(in.read, w)
		} else {
			in.write = append(in.write, w)
		}
		if timeout > 0 {
			w.tm = r.timers.add(time.Now().Add(timeout), func() {
				r.detach(w)
				w.fire(EventTimeout)
			})
		}
		return nil

	default:
		panic("coio: unknown event kind " + kind.String())
	}
}

func (r *pollReactor) detach(w *watch) {
	in := r.fds[w.fd]
	if in == nil {
		return
	}
	list := &in.read
	if w.kind == EventWrite {
		list = &in.write
	}
	for i, other := range *list {
		if other == w {
			*list = append((*list)[:i], (*list)[i+1:]...)
			break
		}
	}
	if len(in.read) == 0 && len(in.write) == 0 {
		delete(r.fds, w.fd)
	}
}

// Pump implements [Reactor].
func (r *pollReactor) Pump(mode PumpMode) error {
	if mode == PumpOnce && len(r.fds) == 0 && r.timers.empty() {
		return ErrDeadlock
	}

	pollfds := make([]unix.PollFd, 0, len(r.fds))
	for fd, in := range r.fds {
		var events int16
		if len(in.read) > 0 {
			events |= unix.POLLIN
		}
		if len(in.write) > 0 {
			events |= unix.POLLOUT
		}
		pollfds = append(pollfds, unix.PollFd{Fd: int32(fd), Events: events})
	}

	n, err := unix.Poll(pollfds, pumpTimeoutMillis(mode, &r.timers))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}

	for i := 0; i < len(pollfds) && n > 0; i++ {
		ev := pollfds[i]
		if ev.Revents == 0 {
			continue
		}
		n--
		in := r.fds[int(ev.Fd)]
		if in == nil {
			continue
		}

		var ready []*watch
		if ev.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, in.read...)
			in.read = nil
		}
		if ev.Revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, in.write...)
			in.write = nil
		}
		if len(in.read) == 0 && len(in.write) == 0 {
			delete(r.fds, int(ev.Fd))
		}

		// most recently registered first, matching the scheduler's LIFO
		// policy for waiters on the same descriptor
		for j := len(ready) - 1; j >= 0; j-- {
			w := ready[j]
			w.fire(w.kind)
		}
	}

	for r.timers.runDue() {
	}
	return nil
}

// Close implements [Reactor].
func (r *pollReactor) Close() error {
	r.fds = make(map[int]*fdInterest)
	r.timers = nil
	return nil
}
