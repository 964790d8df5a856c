package coio

import (
	"iter"
	"log/slog"
	"time"
)

// Stdin returns the scheduler's wrapper around descriptor 0, placing it in
// non-blocking mode on first use.
func (s *Scheduler) Stdin() *File {
	if s.stdin == nil {
		s.stdin = s.wrapStd(0, "stdin", BufFull)
	}
	return s.stdin
}

// Stdout returns the scheduler's wrapper around descriptor 1,
// line-buffered, placing it in non-blocking mode on first use.
func (s *Scheduler) Stdout() *File {
	if s.stdout == nil {
		s.stdout = s.wrapStd(1, "stdout", BufLine)
	}
	return s.stdout
}

// Stderr returns the scheduler's wrapper around descriptor 2, unbuffered,
// placing it in non-blocking mode on first use.
func (s *Scheduler) Stderr() *File {
	if s.stderr == nil {
		s.stderr = s.wrapStd(2, "stderr", BufNone)
	}
	return s.stderr
}

func (s *Scheduler) wrapStd(fd int, name string, mode BufMode) *File {
	f, err := s.WrapFd(fd, name)
	if err != nil {
		// the descriptor refused O_NONBLOCK; writes may block the process
		slog.Warn("could not make standard stream non-blocking", slog.String("stream", name), slog.Any("error", err))
		f = s.newFile(fd, name, nil)
	}
	f.mode = mode
	return f
}

// Input returns the scheduler's default input file, initially [Scheduler.Stdin].
func (s *Scheduler) Input() *File {
	if s.input == nil {
		s.input = s.Stdin()
	}
	return s.input
}

// SetInput makes f the scheduler's default input file.
func (s *Scheduler) SetInput(f *File) {
	s.input = f
}

// OpenInput opens path for reading and makes it the default input file.
func (s *Scheduler) OpenInput(path string) (*File, error) {
	f, err := s.Open(path, "r")
	if err != nil {
		return nil, err
	}
	s.input = f
	return f, nil
}

// Output returns the scheduler's default output file, initially [Scheduler.Stdout].
func (s *Scheduler) Output() *File {
	if s.output == nil {
		s.output = s.Stdout()
	}
	return s.output
}

// SetOutput makes f the scheduler's default output file.
func (s *Scheduler) SetOutput(f *File) {
	s.output = f
}

// OpenOutput opens path for writing and makes it the default output file.
func (s *Scheduler) OpenOutput(path string) (*File, error) {
	f, err := s.Open(path, "w")
	if err != nil {
		return nil, err
	}
	s.output = f
	return f, nil
}

// Package-level surface, bound to the [Default] scheduler.

// Spawn starts fn as a task on the default scheduler.
func Spawn(fn TaskFunc) *Task {
	return Default().Spawn(fn)
}

// Yield reschedules the current task on the default scheduler.
func Yield() {
	Default().Yield()
}

// Sleep suspends the current task on the default scheduler for at least d.
func Sleep(d time.Duration) error {
	return Default().Sleep(d)
}

// Open opens path on the default scheduler.
func Open(path, mode string) (*File, error) {
	return Default().Open(path, mode)
}

// Popen runs cmdline through the shell on the default scheduler.
func Popen(cmdline, mode string) (*File, error) {
	return Default().Popen(cmdline, mode)
}

// Pipe returns both ends of a pipe on the default scheduler.
func Pipe() (r, w *File, err error) {
	return Default().Pipe()
}

// Stdin returns the default scheduler's standard input.
func Stdin() *File { return Default().Stdin() }

// Stdout returns the default scheduler's standard output.
func Stdout() *File { return Default().Stdout() }

// Stderr returns the default scheduler's standard error.
func Stderr() *File { return Default().Stderr() }

// Input returns the default scheduler's default input file.
func Input() *File { return Default().Input() }

// Output returns the default scheduler's default output file.
func Output() *File { return Default().Output() }

// SetInput makes f the default scheduler's default input file.
func SetInput(f *File) { Default().SetInput(f) }

// SetOutput makes f the default scheduler's default output file.
func SetOutput(f *File) { Default().SetOutput(f) }

// OpenInput opens path and makes it the default input file.
func OpenInput(path string) (*File, error) { return Default().OpenInput(path) }

// OpenOutput opens path and makes it the default output file.
func OpenOutput(path string) (*File, error) { return Default().OpenOutput(path) }

// Read reads from the default input file, one value per spec.
func Read(specs ...any) ([]any, error) {
	return Default().Input().Read(specs...)
}

// Write writes the stringified items to the default output file.
func Write(items ...any) error {
	return Default().Output().Write(items...)
}

// Flush drains the default output file's write buffer.
func Flush() error {
	return Default().Output().Flush()
}

// Lines iterates over the remaining lines of the default input file.
func Lines() iter.Seq2[[]byte, error] {
	return Default().Input().Lines()
}

// OpenLines opens path and iterates over its lines, closing it at the end.
func OpenLines(path string) (iter.Seq2[[]byte, error], error) {
	return Default().OpenLines(path)
}
