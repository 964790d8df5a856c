package coio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	// ErrClosed is returned by every operation on a closed file.
	ErrClosed = errors.New("coio: attempt to use a closed file")
	// ErrNoNumber is returned by ReadNumber when the next token in the
	// stream is not numeric. Nothing past leading whitespace is consumed.
	ErrNoNumber = errors.New("coio: input does not start with a number")
	// ErrHasWaiters is returned by Close while tasks are still parked on
	// the file's descriptor.
	ErrHasWaiters = errors.New("coio: file has tasks parked on it")
)

// BufMode selects the output buffering policy of a [File].
type BufMode uint8

const (
	// BufNone writes through on every Write.
	BufNone BufMode = iota
	// BufFull flushes once the write buffer reaches the buffer size.
	BufFull
	// BufLine flushes complete lines as they are written.
	BufLine
)

// Seek origins, in the platform's encoding.
const (
	SeekSet = unix.SEEK_SET
	SeekCur = unix.SEEK_CUR
	SeekEnd = unix.SEEK_END
)

// File is a non-blocking descriptor wrapper whose operations suspend the
// calling task instead of blocking the process. All operations follow the
// same pattern: attempt the syscall; on EAGAIN park on the descriptor's
// readiness and retry; on any other failure surface the error.
//
// A File owns its descriptor. Close releases it and re-tags the handle
// with -1 so a second close is a no-op; every later operation returns
// [ErrClosed].
type File struct {
	s    *Scheduler
	fd   int
	name string

	osf  *os.File // present when the descriptor is owned by an os.File
	proc *exec.Cmd

	rbuf []byte // read-ahead, consumed from the front
	wbuf []byte
	mode BufMode
	wcap int
}

func (s *Scheduler) newFile(fd int, name string, osf *os.File) *File {
	f := &File{s: s, fd: fd, name: name, osf: osf, mode: BufFull, wcap: s.bufSize}
	runtime.SetFinalizer(f, (*File).finalize)
	return f
}

// finalize closes a leaked descriptor. Buffered output is dropped; only an
// explicit Close can suspend to drain it.
func (f *File) finalize() {
	if f.fd < 0 {
		return
	}
	if f.osf != nil {
		_ = f.osf.Close()
	} else {
		_ = unix.Close(f.fd)
	}
	f.fd = -1
}

// openFlags translates a C-style fopen mode ("r", "rb", "r+", "w", "a+",
// ...) into open(2) flags. The "b" qualifier is accepted anywhere and
// ignored, as on any POSIX system.
func openFlags(mode string) (int, error) {
	base := strings.ReplaceAll(mode, "b", "")
	var flags int
	switch base {
	case "r":
		flags = unix.O_RDONLY
	case "r+":
		flags = unix.O_RDWR
	case "w":
		flags = unix.O_WRONLY | unix.O_CREAT | unix.O_TRUNC
	case "w+":
		flags = unix.O_RDWR | unix.O_CREAT | unix.O_TRUNC
	case "a":
		flags = unix.O_WRONLY | unix.O_CREAT | unix.O_APPEND
	case "a+":
		flags = unix.O_RDWR | unix.O_CREAT | unix.O_APPEND
	default:
		return 0, fmt.Errorf("invalid mode %q", mode)
	}
	return flags, nil
}

// Open opens path in the given fopen-style mode, placing the descriptor in
// non-blocking mode. Failures are reported as "<path>: <reason>".
func (s *Scheduler) Open(path, mode string) (*File, error) {
	flags, err := openFlags(mode)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fd, err := unix.Open(path, flags|unix.O_NONBLOCK|unix.O_CLOEXEC, 0666)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s.newFile(fd, path, nil), nil
}

// WrapFd places an existing descriptor in non-blocking mode and wraps it.
// The returned File takes ownership of fd.
func (s *Scheduler) WrapFd(fd int, name string) (*File, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return s.newFile(fd, name, nil), nil
}

func (s *Scheduler) wrapOSFile(osf *os.File, name string) (*File, error) {
	// Fd may switch the descriptor back to blocking mode, so the
	// non-blocking flag must be set after retrieving it.
	fd := int(osf.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = osf.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return s.newFile(fd, name, osf), nil
}

// Pipe returns both ends of a fresh pipe wrapped as non-blocking files.
func (s *Scheduler) Pipe() (r, w *File, err error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	if r, err = s.wrapOSFile(pr, "pipe"); err != nil {
		_ = pw.Close()
		return nil, nil, err
	}
	if w, err = s.wrapOSFile(pw, "pipe"); err != nil {
		_ = r.Close()
		return nil, nil, err
	}
	return r, w, nil
}

// Popen runs cmdline through the shell with one end of a pipe attached:
// mode "r" reads the command's standard output, mode "w" writes its
// standard input. Close waits for the command to exit.
func (s *Scheduler) Popen(cmdline, mode string) (*File, error) {
	cmd := exec.Command("/bin/sh", "-c", cmdline)
	cmd.Stderr = os.Stderr

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	var ours, theirs *os.File
	switch strings.ReplaceAll(mode, "b", "") {
	case "r":
		cmd.Stdin = os.Stdin
		cmd.Stdout = pw
		ours, theirs = pr, pw
	case "w":
		cmd.Stdin = pr
		cmd.Stdout = os.Stdout
		ours, theirs = pw, pr
	default:
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("popen %q: invalid mode %q", cmdline, mode)
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%s: %w", cmdline, err)
	}
	_ = theirs.Close()

	f, err := s.wrapOSFile(ours, cmdline)
	if err != nil {
		_ = cmd.Wait()
		return nil, err
	}
	f.proc = cmd
	return f, nil
}

// Fd returns the underlying descriptor, or -1 once closed.
func (f *File) Fd() int {
	return f.fd
}

// Name returns the path, command line, or label the file was created with.
func (f *File) Name() string {
	return f.name
}

func (f *File) ensureOpen() error {
	if f.fd < 0 {
		return ErrClosed
	}
	return nil
}

// Close flushes buffered output, releases the descriptor, and, for a
// [Scheduler.Popen] file, waits for the subprocess to exit. Closing an
// already-closed file returns nil. Closing a file while tasks are parked
// on its descriptor is refused with [ErrHasWaiters]; the parked tasks
// would otherwise be stranded on a dead descriptor.
func (f *File) Close() error {
	if f.fd < 0 {
		return nil
	}
	if f.s.fdHasWaiters(f.fd) {
		return fmt.Errorf("%s: %w", f.name, ErrHasWaiters)
	}

	err := f.flushTo(len(f.wbuf))

	var cerr error
	if f.osf != nil {
		cerr = f.osf.Close()
	} else {
		cerr = unix.Close(f.fd)
	}
	f.fd = -1
	f.osf = nil
	f.rbuf, f.wbuf = nil, nil

	if f.proc != nil {
		werr := f.proc.Wait()
		f.proc = nil
		if err == nil {
			err = werr
		}
	}
	if err == nil {
		err = cerr
	}
	return err
}

// fill reads up to max more bytes from the descriptor into the read-ahead
// buffer, suspending on EAGAIN until the descriptor is readable.
func (f *File) fill(max int) (int, error) {
	bp := f.s.pool.acquire()
	defer f.s.pool.release(bp)
	buf := *bp
	if max > len(buf) {
		max = len(buf)
	}

	for {
		n, err := unix.Read(f.fd, buf[:max])
		switch {
		case err == nil:
			if n == 0 {
				return 0, io.EOF
			}
			f.rbuf = append(f.rbuf, buf[:n]...)
			return n, nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			if _, werr := f.s.WaitRead(f.fd, 0); werr != nil {
				return 0, werr
			}
		default:
			return 0, err
		}
	}
}

// readFixed reads up to remaining bytes, fewer only at end of stream.
func (f *File) readFixed(remaining int) ([]byte, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	var out []byte
	for remaining > 0 {
		if len(f.rbuf) > 0 {
			take := min(remaining, len(f.rbuf))
			out = append(out, f.rbuf[:take]...)
			f.rbuf = f.rbuf[take:]
			remaining -= take
			continue
		}
		if _, err := f.fill(min(remaining, f.s.bufSize)); err != nil {
			if errors.Is(err, io.EOF) {
				if len(out) == 0 {
					return nil, io.EOF
				}
				return out, nil
			}
			return nil, err
		}
	}
	return out, nil
}

// ReadN reads exactly n bytes, or fewer if the stream ends first.
// At end of stream with nothing read it returns [io.EOF].
func (f *File) ReadN(n int) ([]byte, error) {
	if n <= 0 {
		panic("coio: read count must be positive")
	}
	return f.readFixed(n)
}

// ReadAll reads until end of stream. An immediate end of stream yields an
// empty slice, not an error.
func (f *File) ReadAll() ([]byte, error) {
	out, err := f.readFixed(math.MaxInt)
	if errors.Is(err, io.EOF) {
		return []byte{}, nil
	}
	return out, err
}

// ReadLine reads one line with the trailing newline stripped. A final line
// without a newline terminator is returned as-is; end of stream with
// nothing read returns [io.EOF].
func (f *File) ReadLine() ([]byte, error) {
	if err := f.ensureOpen(); err != nil {
		return nil, err
	}
	var line []byte
	for {
		if i := bytes.IndexByte(f.rbuf, '\n'); i >= 0 {
			line = append(line, f.rbuf[:i]...)
			f.rbuf = f.rbuf[i+1:]
			return line, nil
		}
		line = append(line, f.rbuf...)
		f.rbuf = f.rbuf[:0]

		if _, err := f.fill(f.s.bufSize); err != nil {
			if errors.Is(err, io.EOF) {
				if len(line) == 0 {
					return nil, io.EOF
				}
				return line, nil
			}
			return nil, err
		}
	}
}

func isSpace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// floatPrefixLen returns the length of the longest prefix of b that parses
// as a decimal floating-point token: optional sign, digits with an
// optional fraction, and an exponent only if it carries at least one digit.
func floatPrefixLen(b []byte) int {
	i := 0
	if i < len(b) && (b[i] == '+' || b[i] == '-') {
		i++
	}
	start := i
	for i < len(b) && isDigit(b[i]) {
		i++
	}
	digits := i - start
	if i < len(b) && b[i] == '.' {
		j := i + 1
		for j < len(b) && isDigit(b[j]) {
			j++
		}
		if digits+(j-i-1) > 0 {
			digits += j - i - 1
			i = j
		}
	}
	if digits == 0 {
		return 0
	}
	valid := i
	if i < len(b) && (b[i] == 'e' || b[i] == 'E') {
		j := i + 1
		if j < len(b) && (b[j] == '+' || b[j] == '-') {
			j++
		}
		expStart := j
		for j < len(b) && isDigit(b[j]) {
			j++
		}
		if j > expStart {
			valid = j
		}
	}
	return valid
}

// couldExtend reports whether more input might lengthen the numeric token
// at the start of b, meaning the buffer must be refilled before deciding.
func couldExtend(b []byte) bool {
	n := floatPrefixLen(b)
	if n == len(b) {
		return true
	}
	switch rest := string(b[n:]); {
	case n > 0:
		// an exponent marker still waiting for its digits
		return rest == "e" || rest == "E" || rest == "e+" || rest == "e-" || rest == "E+" || rest == "E-"
	default:
		// a bare sign or point is not a valid prefix yet but may become one
		return rest == "+" || rest == "-" || rest == "." || rest == "+." || rest == "-."
	}
}

// ReadNumber reads one numeric token, with scanf %lf semantics: leading
// whitespace is skipped, then the longest numeric prefix is parsed as a
// float64. A non-numeric token returns [ErrNoNumber] without consuming
// it; end of stream before any token returns [io.EOF].
func (f *File) ReadNumber() (float64, error) {
	if err := f.ensureOpen(); err != nil {
		return 0, err
	}

	for {
		for len(f.rbuf) > 0 && isSpace(f.rbuf[0]) {
			f.rbuf = f.rbuf[1:]
		}
		if len(f.rbuf) > 0 {
			break
		}
		if _, err := f.fill(f.s.bufSize); err != nil {
			return 0, err // io.EOF when the stream ends before a token
		}
	}

	for couldExtend(f.rbuf) {
		if _, err := f.fill(f.s.bufSize); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
	}

	n := floatPrefixLen(f.rbuf)
	if n == 0 {
		return 0, ErrNoNumber
	}
	v, err := strconv.ParseFloat(string(f.rbuf[:n]), 64)
	if err != nil {
		return 0, ErrNoNumber
	}
	f.rbuf = f.rbuf[n:]
	return v, nil
}

// Read reads one value per spec: a positive integer N reads up to N bytes,
// "*l" one newline-stripped line, "*n" one numeric token, "*a" the rest of
// the stream. With no specs it reads one line. Reading stops at the first
// spec that fails; the values gathered so far are returned alongside the
// error. An unknown spec is a programming error and panics.
func (f *File) Read(specs ...any) ([]any, error) {
	if len(specs) == 0 {
		specs = []any{"*l"}
	}
	out := make([]any, 0, len(specs))
	for _, spec := range specs {
		var (
			v   any
			err error
		)
		switch sv := spec.(type) {
		case int:
			v, err = f.ReadN(sv)
		case string:
			switch sv {
			case "*l", "l":
				v, err = f.ReadLine()
			case "*n", "n":
				v, err = f.ReadNumber()
			case "*a", "a":
				v, err = f.ReadAll()
			default:
				panic(fmt.Sprintf("coio: invalid read spec %q", sv))
			}
		default:
			panic(fmt.Sprintf("coio: invalid read spec %v (%T)", spec, spec))
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

func appendItem(buf []byte, item any) []byte {
	switch v := item.(type) {
	case []byte:
		return append(buf, v...)
	case string:
		return append(buf, v...)
	default:
		return fmt.Append(buf, v)
	}
}

// Write stringifies each item into the write buffer and drains it
// according to the buffering mode. Short writes are retried until the
// drained portion is fully on its way or an error occurs.
func (f *File) Write(items ...any) error {
	if err := f.ensureOpen(); err != nil {
		return err
	}
	for _, item := range items {
		f.wbuf = appendItem(f.wbuf, item)
	}

	switch f.mode {
	case BufNone:
		return f.flushTo(len(f.wbuf))
	case BufLine:
		if i := bytes.LastIndexByte(f.wbuf, '\n'); i >= 0 {
			return f.flushTo(i + 1)
		}
	case BufFull:
		if len(f.wbuf) >= f.wcap {
			return f.flushTo(len(f.wbuf))
		}
	}
	return nil
}

// Flush drains the write buffer completely.
func (f *File) Flush() error {
	if err := f.ensureOpen(); err != nil {
		return err
	}
	return f.flushTo(len(f.wbuf))
}

func (f *File) flushTo(n int) error {
	for n > 0 {
		w, err := unix.Write(f.fd, f.wbuf[:n])
		if w > 0 {
			f.wbuf = append(f.wbuf[:0], f.wbuf[w:]...)
			n -= w
		}
		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			if _, werr := f.s.WaitWrite(f.fd, 0); werr != nil {
				return werr
			}
		default:
			return err
		}
	}
	return nil
}

// Seek repositions the stream. Buffered output is flushed first and the
// read-ahead buffer is discarded; a relative seek accounts for read-ahead
// so the offset applies to the position the caller has actually consumed
// to. Returns the new offset. An unknown whence panics.
func (f *File) Seek(whence int, offset int64) (int64, error) {
	if err := f.ensureOpen(); err != nil {
		return 0, err
	}
	if err := f.flushTo(len(f.wbuf)); err != nil {
		return 0, err
	}

	switch whence {
	case SeekSet, SeekEnd:
	case SeekCur:
		offset -= int64(len(f.rbuf))
	default:
		panic(fmt.Sprintf("coio: invalid seek whence %d", whence))
	}
	f.rbuf = nil

	pos, err := unix.Seek(f.fd, offset, whence)
	if err != nil {
		return 0, err
	}
	return pos, nil
}

// SetVBuf sets the output buffering mode. A non-positive size leaves the
// file's current buffer size unchanged. Switching to BufNone flushes
// pending output.
// An unknown mode panics.
func (f *File) SetVBuf(mode BufMode, size int) error {
	if err := f.ensureOpen(); err != nil {
		return err
	}
	switch mode {
	case BufNone, BufFull, BufLine:
	default:
		panic(fmt.Sprintf("coio: invalid buffering mode %d", mode))
	}
	f.mode = mode
	if size > 0 {
		f.wcap = size
	}
	if mode == BufNone {
		return f.flushTo(len(f.wbuf))
	}
	return nil
}

// Lines iterates over the remaining lines of the file, newline-stripped,
// until end of stream. The file is not closed when iteration ends.
func (f *File) Lines() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			line, err := f.ReadLine()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// OpenLines opens path for reading and iterates over its lines; the file
// is closed when the iteration completes or is abandoned.
func (s *Scheduler) OpenLines(path string) (iter.Seq2[[]byte, error], error) {
	f, err := s.Open(path, "r")
	if err != nil {
		return nil, err
	}
	return func(yield func([]byte, error) bool) {
		defer f.Close()
		for line, err := range f.Lines() {
			if !yield(line, err) {
				return
			}
		}
	}, nil
}
