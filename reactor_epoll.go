//go:build linux

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
	mask  uint32 // event set currently registered with the demultiplexer
}

// epollReactor is the Linux reactor, a level-triggered epoll wrapper
// dispatching one-shot watches and heap-ordered timers.
type epollReactor struct {
	epfd   int
	fds    map[int]*fdInterest
	timers timerQueue
	events []unix.EpollEvent
}

// NewReactor constructs the platform reactor.
func NewReactor() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollReactor{
		epfd:   epfd,
		fds:    make(map[int]*fdInterest),
		events: make([]unix.EpollEvent, 64),
	}, nil
}

// WatchOnce implements [Reactor].
func (r *epollReactor) WatchOnce(fd int, kind EventKind, timeout time.Duration, onReady ReadyFunc) error {
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
		if err := r.update(fd, in); err != nil {
			r.detach(w)
			return err
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

// update reconciles the epoll registration for fd with its pending watches.
func (r *epollReactor) update(fd int, in *fdInterest) error {
	var mask uint32
	if len(in.read) > 0 {
		mask |= unix.EPOLLIN
	}
	if len(in.write) > 0 {
		mask |= unix.EPOLLOUT
	}
	if mask == in.mask {
		if mask == 0 {
			delete(r.fds, fd)
		}
		return nil
	}

	var err error
	switch {
	case mask == 0:
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(r.fds, fd)
	case in.mask == 0:
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: mask, Fd: int32(fd)})
	default:
		err = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: mask, Fd: int32(fd)})
	}
	if err == nil {
		in.mask = mask
	}
	return err
}

// detach removes a watch from its descriptor's pending lists, used when a
// timeout wins the race against readiness or registration fails half-way.
func (r *epollReactor) detach(w *watch) {
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
	_ = r.update(w.fd, in)
}

// Pump implements [Reactor].
func (r *epollReactor) Pump(mode PumpMode) error {
	if mode == PumpOnce && len(r.fds) == 0 && r.timers.empty() {
		return ErrDeadlock
	}

	n, err := unix.EpollWait(r.epfd, r.events, pumpTimeoutMillis(mode, &r.timers))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return err
	}

	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := int(ev.Fd)
		in := r.fds[fd]
		if in == nil {
			continue
		}

		var ready []*watch
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready = append(ready, in.read...)
			in.read = nil
		}
		if ev.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ready = append(ready, in.write...)
			in.write = nil
		}
		if err := r.update(fd, in); err != nil {
			return err
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
func (r *epollReactor) Close() error {
	r.fds = make(map[int]*fdInterest)
	r.timers = nil
	return unix.Close(r.epfd)
}
