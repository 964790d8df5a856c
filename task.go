package coio

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"runtime/debug"
)

// TaskFunc is the body of a task.
type TaskFunc func() error

// ErrTaskStopped is the error recorded for a task whose coroutine is
// stopped while it is suspended. [Scheduler.Close] does not stop parked
// tasks, so they do not receive it.
var ErrTaskStopped = errors.New("coio: task stopped while suspended")

// errUnwind is panicked inside a task body to unwind it when the coroutine
// is stopped mid-suspension; it is recovered at the coroutine boundary.
type errUnwind struct{}

// Task is a resumable unit of execution. A task runs on its scheduler's
// goroutine and transfers control out only at explicit suspension points.
//
// A task whose body returns an error or panics terminates; the scheduler
// keeps running and the failure is surfaced to anyone who calls
// [Task.Join]. A panic additionally gets logged with its stack, since
// nothing may ever join the task.
type Task struct {
	sched *Scheduler

	// resume and stop drive the coroutine; yield suspends it.
	// All three are nil on the main-task sentinel, which has no coroutine
	// of its own: "resuming" main means returning from the scheduler loop.
	resume func() (struct{}, bool)
	stop   func()
	yield  func(struct{}) bool

	done    bool
	err     error
	joiners []*Task
}

// newTask wraps fn in a fresh suspended coroutine. The body does not start
// until the scheduler first resumes the task.
func newTask(s *Scheduler, fn TaskFunc) *Task {
	t := &Task{sched: s}
	t.resume, t.stop = iter.Pull(func(yield func(struct{}) bool) {
		t.yield = yield
		defer func() {
			if v := recover(); v != nil {
				if _, unwind := v.(errUnwind); unwind {
					t.err = ErrTaskStopped
					return
				}
				t.err = fmt.Errorf("coio: task panic: %v", v)
				slog.Error("task terminated by panic",
					slog.Any("value", v),
					slog.String("stack", string(debug.Stack())))
			}
		}()
		t.err = fn()
	})
	return t
}

// main reports whether t is a scheduler's main-task sentinel.
func (t *Task) main() bool {
	return t.resume == nil
}

// suspend transfers control from inside the task back to the scheduler.
// It returns when the scheduler next resumes the task.
func (t *Task) suspend() {
	if t.main() {
		panic("coio: suspend called on the main task")
	}
	if !t.yield(struct{}{}) {
		// the coroutine was stopped while suspended; unwind the body
		panic(errUnwind{})
	}
}

// step resumes the task until its next suspension point. Reports whether
// the task is still alive afterwards.
func (t *Task) step() bool {
	if _, ok := t.resume(); ok {
		return true
	}
	t.finish()
	return false
}

// finish marks the task complete and readies any tasks joined on it.
func (t *Task) finish() {
	t.done = true
	t.stop()
	for _, j := range t.joiners {
		t.sched.ready(j)
	}
	t.joiners = nil
}

// Done reports whether the task has run to completion.
func (t *Task) Done() bool {
	return t.done
}

// Err returns the error the task body returned, the captured panic, or nil.
// Meaningful only once [Task.Done] reports true.
func (t *Task) Err() error {
	return t.err
}

// Join suspends the calling task until t completes and returns t's error.
// Joining a finished task returns immediately.
func (t *Task) Join() error {
	if t.done {
		return t.err
	}
	s := t.sched
	cur := s.current
	if cur == t {
		panic("coio: task joined on itself")
	}
	t.joiners = append(t.joiners, cur)
	s.block(cur)
	return t.err
}
