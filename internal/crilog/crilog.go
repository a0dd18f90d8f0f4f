// Package crilog implements CRI-format container log writing: each
// line written to stdout/stderr is prefixed with an RFC3339Nano
// timestamp, the originating pipe name, and a full/partial tag, and
// the log file is rotated (truncated and reopened) once it would grow
// past a configured maximum size.
package crilog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Pipe identifies which container stream a log line came from.
type Pipe int

const (
	StdOut Pipe = iota
	StdErr
)

func (p Pipe) String() string {
	switch p {
	case StdOut:
		return "stdout"
	case StdErr:
		return "stderr"
	default:
		return "unknown"
	}
}

// ErrUninitialized is returned by any operation performed on a Logger
// before Init has been called successfully.
var ErrUninitialized = errors.New("crilog: logger not initialized")

// timestampRefresh bounds how often the cached timestamp prefix is
// recomputed; container logs are written far more often than once
// every 100ms, so reformatting a fresh timestamp on every line would
// be wasted work.
const timestampRefresh = 100 * time.Millisecond

// Logger writes CRI-formatted log lines to a single file on disk,
// rotating it once it exceeds maxLogSize bytes. The zero value is not
// usable; construct with NewLogger and call Init before writing.
type Logger struct {
	path        string
	maxLogSize  int // 0 means unbounded
	file        *os.File
	writer      *bufio.Writer
	bytesWritten int

	lineBuf []byte

	cachedTimestamp     string
	lastTimestampUpdate time.Time
}

// NewLogger creates a logger targeting path. A maxLogSize of 0 means
// the log file is never rotated for size.
func NewLogger(path string, maxLogSize int) *Logger {
	return &Logger{
		path:       path,
		maxLogSize: maxLogSize,
		lineBuf:    make([]byte, 0, 256),
	}
}

// Path returns the file path this logger writes to.
func (l *Logger) Path() string {
	return l.path
}

// Init (re)opens the log file, creating it if necessary and
// truncating any existing contents.
func (l *Logger) Init(ctx context.Context) error {
	f, err := l.open()
	if err != nil {
		return err
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	return nil
}

func (l *Logger) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir for %s: %w", l.path, err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file path %q: %w", l.path, err)
	}
	return f, nil
}

// Write reads lines from r and appends each as a CRI-formatted log
// line tagged with pipe, rotating the file if it would grow past the
// configured maximum size.
func (l *Logger) Write(ctx context.Context, pipe Pipe, r io.Reader) error {
	if l.file == nil {
		return ErrUninitialized
	}

	br := bufio.NewReader(r)

	now := time.Now()
	if l.cachedTimestamp == "" || now.Sub(l.lastTimestampUpdate) >= timestampRefresh {
		l.cachedTimestamp = now.Format(time.RFC3339Nano)
		l.lastTimestampUpdate = now
	}

	// " stdout "/" stderr " plus "F "/"P " tag.
	minLogLen := len(l.cachedTimestamp) + 10

	for {
		line, partial, read, err := readLine(br)
		if err != nil {
			return fmt.Errorf("read line: %w", err)
		}
		if read == 0 {
			break
		}

		bytesToBeWritten := read + minLogLen
		if partial {
			bytesToBeWritten++ // the newline we add ourselves
		}

		newBytesWritten := l.bytesWritten + bytesToBeWritten
		if newBytesWritten < l.bytesWritten {
			// Overflowed. Start the file fresh.
			if err := l.reopen(ctx); err != nil {
				return fmt.Errorf("reopen logs because of overflowing bytes written: %w", err)
			}
			newBytesWritten = bytesToBeWritten
		}

		if l.maxLogSize > 0 && newBytesWritten > l.maxLogSize {
			newBytesWritten = 0
			if err := l.reopen(ctx); err != nil {
				return fmt.Errorf("reopen logs because of exceeded size: %w", err)
			}
		}

		if err := l.writeLine(pipe, line, partial); err != nil {
			return err
		}

		l.bytesWritten = newBytesWritten
	}

	return l.Flush()
}

func (l *Logger) writeLine(pipe Pipe, line []byte, partial bool) error {
	if _, err := l.writer.WriteString(l.cachedTimestamp); err != nil {
		return err
	}

	var pipeTag string
	switch pipe {
	case StdOut:
		pipeTag = " stdout "
	case StdErr:
		pipeTag = " stderr "
	default:
		return fmt.Errorf("unknown pipe %v", pipe)
	}
	if _, err := l.writer.WriteString(pipeTag); err != nil {
		return err
	}

	if partial {
		if _, err := l.writer.WriteString("P "); err != nil {
			return err
		}
	} else {
		if _, err := l.writer.WriteString("F "); err != nil {
			return err
		}
	}

	if _, err := l.writer.Write(line); err != nil {
		return err
	}

	return l.writer.WriteByte('\n')
}

// Reopen truncates and reopens the log file, discarding its previous
// contents. Used both for size-triggered rotation and on external
// request (e.g. log rotation signals from a container runtime).
func (l *Logger) Reopen(ctx context.Context) error {
	return l.reopen(ctx)
}

func (l *Logger) reopen(ctx context.Context) error {
	if l.file == nil {
		return ErrUninitialized
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush before reopen: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync before reopen: %w", err)
	}
	l.file.Close()
	return l.Init(ctx)
}

// Flush ensures all buffered content has been written to the file.
func (l *Logger) Flush() error {
	if l.writer == nil {
		return ErrUninitialized
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush file writer: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if l.file == nil {
		return ErrUninitialized
	}
	if err := l.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

// readLine reads up to and including the next '\n' from r, or
// whatever is available if the stream ends without one (a partial
// line). It reports the line contents without a trailing newline, and
// whether the line is complete (partial=false) or ended early because
// the reader has no more data (partial=true).
func readLine(r *bufio.Reader) (line []byte, partial bool, read int, err error) {
	raw, err := r.ReadBytes('\n')
	if len(raw) == 0 && err == io.EOF {
		return nil, false, 0, nil
	}
	if err != nil && err != io.EOF {
		return nil, false, 0, err
	}

	if n := bytes.IndexByte(raw, '\n'); n >= 0 {
		return raw[:n], false, len(raw), nil
	}
	return raw, true, len(raw), nil
}
