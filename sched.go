package coio

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// waitKey indexes the parked-task stacks: an event class plus the
// descriptor it concerns (-1 for timers).
type waitKey struct {
	kind EventKind
	fd   int
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithReactor makes the scheduler drive the given reactor instead of the
// platform default. The scheduler takes ownership and closes it.
func WithReactor(r Reactor) Option {
	return func(s *Scheduler) {
		s.reactor = r
	}
}

// WithBufferSize overrides the size of the pooled I/O buffers and the
// default write-buffer threshold (the platform BUFSIZ stand-in).
func WithBufferSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// Scheduler is a single-threaded cooperative dispatcher: it tracks
// suspended tasks keyed by (event kind, descriptor) or by idleness,
// registers one-shot readiness watches with its [Reactor], and runs a
// dispatch loop that alternately pumps the reactor and resumes ready tasks.
//
// A Scheduler and everything scheduled on it are confined to the goroutine
// that created it. That goroutine is the main task: whenever it suspends,
// the dispatch loop runs in its place until the main task is runnable again.
type Scheduler struct {
	reactor Reactor

	// waiting maps (kind, fd) to a LIFO stack of parked tasks; waiters on
	// the same descriptor are typically one task re-registering after a
	// partial read, so most-recent-first resumption keeps it hot. idle is
	// FIFO so independent runnable tasks take fair turns.
	waiting map[waitKey][]*Task
	idle    *queue.Queue

	// nextTask is the single-slot hint written by reactor callbacks and
	// consumed by the dispatch loop; at most one hinted resumption happens
	// per pump, later unparks of the same pump spill to the idle queue.
	nextTask *Task

	main    *Task
	current *Task

	bufSize int
	pool    *bufferPool

	stdin, stdout, stderr *File
	input, output         *File
}

// NewScheduler constructs a scheduler with the platform reactor, unless
// overridden with [WithReactor].
func NewScheduler(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		waiting: make(map[waitKey][]*Task),
		idle:    queue.New(),
		bufSize: defaultBufSize,
	}
	s.main = &Task{sched: s}
	s.current = s.main
	for _, opt := range opts {
		opt(s)
	}
	if s.reactor == nil {
		r, err := NewReactor()
		if err != nil {
			return nil, err
		}
		s.reactor = r
	}
	s.pool = newBufferPool(s.bufSize)
	return s, nil
}

// Close shuts the scheduler's reactor down. Tasks still parked are
// abandoned as they are: they are neither resumed nor stopped.
func (s *Scheduler) Close() error {
	return s.reactor.Close()
}

var defaultScheduler = sync.OnceValue(func() *Scheduler {
	s, err := NewScheduler()
	if err != nil {
		panic(fmt.Sprintf("coio: cannot create default scheduler: %v", err))
	}
	return s
})

// Default returns the process-wide scheduler used by the package-level
// functions. It is created on first use and confined to the goroutine that
// first touches it.
func Default() *Scheduler {
	return defaultScheduler()
}

// park pushes t onto the stack for key. A task is in at most one queue at
// a time; park is only called with the currently running task, which by
// definition is in none.
func (s *Scheduler) park(t *Task, key waitKey) {
	s.waiting[key] = append(s.waiting[key], t)
}

// unparkOne pops the most recently parked task for key. A readiness
// callback arriving with no waiter is a programming error and panics.
func (s *Scheduler) unparkOne(key waitKey) *Task {
	stack := s.waiting[key]
	if len(stack) == 0 {
		panic(fmt.Sprintf("coio: %s event for fd %d with no parked task", key.kind, key.fd))
	}
	t := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(s.waiting, key)
	} else {
		s.waiting[key] = stack[:len(stack)-1]
	}
	return t
}

// unpark removes a specific task from key's stack. Timers resume the exact
// task that armed them; popping the top of the stack instead could hand an
// early wakeup to a later sleeper.
func (s *Scheduler) unpark(key waitKey, t *Task) {
	stack := s.waiting[key]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == t {
			stack = append(stack[:i], stack[i+1:]...)
			if len(stack) == 0 {
				delete(s.waiting, key)
			} else {
				s.waiting[key] = stack
			}
			return
		}
	}
	panic(fmt.Sprintf("coio: %s event for fd %d with no parked task", key.kind, key.fd))
}

// takeIdle pops the oldest idle task, or nil.
func (s *Scheduler) takeIdle() *Task {
	if s.idle.Length() == 0 {
		return nil
	}
	return s.idle.Remove().(*Task)
}

// ready marks an already-unparked task runnable by appending it to the
// idle queue. Used by join lists and the cooperative sync primitives.
func (s *Scheduler) ready(t *Task) {
	s.idle.Add(t)
}

// setNext records t as the next task to resume. The hint holds one task;
// further unparks within the same pump accumulate on the idle queue.
func (s *Scheduler) setNext(t *Task) {
	if s.nextTask == nil {
		s.nextTask = t
	} else {
		s.idle.Add(t)
	}
}

// fdHasWaiters reports whether any task is parked on fd.
func (s *Scheduler) fdHasWaiters(fd int) bool {
	for key := range s.waiting {
		if key.fd == fd {
			return true
		}
	}
	return false
}

// block suspends t until the dispatch loop next picks it. For the main
// task there is no coroutine to suspend into, so the loop runs in place
// and block returns once the loop hands control back.
func (s *Scheduler) block(t *Task) {
	if t.main() {
		s.loop()
	} else {
		t.suspend()
	}
}

// loop is the dispatch engine. It pumps the reactor without blocking,
// resumes at most one task, and pumps again, so readiness observations
// never go more than one task-slice stale. Only when nothing is runnable
// does it block the process inside the reactor. It returns exactly when
// the main task has been chosen as the next runnable task.
func (s *Scheduler) loop() {
	mode := PumpNonblock
	for {
		if err := s.reactor.Pump(mode); err != nil {
			panic(fmt.Sprintf("coio: reactor pump: %v (all tasks parked?)", err))
		}
		mode = PumpNonblock

		next := s.nextTask
		s.nextTask = nil
		if next == nil {
			next = s.takeIdle()
		}
		if next == nil {
			mode = PumpOnce
			continue
		}
		if next.main() {
			return
		}

		s.current = next
		next.step()
		s.current = s.main
	}
}

// waitIO parks the current task under (kind, fd) and registers a matching
// one-shot watch. It returns the event class that actually fired:
// EventTimeout if the optional timeout expired first. Readiness is a hint,
// not a guarantee; callers retry the syscall and treat a fresh EAGAIN
// after a timeout wakeup as the timeout itself.
func (s *Scheduler) waitIO(kind EventKind, fd int, timeout time.Duration) (EventKind, error) {
	t := s.current
	key := waitKey{kind, fd}
	var fired EventKind
	err := s.reactor.WatchOnce(fd, kind, timeout, func(fd int, k EventKind) {
		fired = k
		s.setNext(s.unparkOne(key))
	})
	if err != nil {
		return 0, err
	}
	s.park(t, key)
	s.block(t)
	return fired, nil
}

// WaitRead suspends the current task until fd is readable, or until
// timeout expires if positive.
func (s *Scheduler) WaitRead(fd int, timeout time.Duration) (EventKind, error) {
	return s.waitIO(EventRead, fd, timeout)
}

// WaitWrite suspends the current task until fd is writable, or until
// timeout expires if positive.
func (s *Scheduler) WaitWrite(fd int, timeout time.Duration) (EventKind, error) {
	return s.waitIO(EventWrite, fd, timeout)
}

// Sleep suspends the current task for at least d.
func (s *Scheduler) Sleep(d time.Duration) error {
	t := s.current
	key := waitKey{EventTimeout, -1}
	err := s.reactor.WatchOnce(-1, EventTimeout, d, func(int, EventKind) {
		s.unpark(key, t)
		s.setNext(t)
	})
	if err != nil {
		return err
	}
	s.park(t, key)
	s.block(t)
	return nil
}

// Yield parks the current task on the idle queue and lets other runnable
// tasks take a turn; a cooperative reschedule.
func (s *Scheduler) Yield() {
	t := s.current
	s.idle.Add(t)
	s.block(t)
}

// Spawn wraps fn in a fresh task and enqueues it as idle, then idle-parks
// the caller as well, so both take their turns in FIFO order. The child
// never runs before the caller has yielded; it first gains control when
// the idle queue drains to it.
func (s *Scheduler) Spawn(fn TaskFunc) *Task {
	t := newTask(s, fn)
	s.idle.Add(t)
	s.Yield()
	return t
}
