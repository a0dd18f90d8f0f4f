// Package containerio owns a container's stdio endpoints (either
// three plain pipes or a PTY) and fans bytes read from the child out
// to the CRI log, any attached sockets, and streaming sessions.
package containerio

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/containers/conmonrs-go/internal/attach"
	"github.com/containers/conmonrs-go/internal/broadcast"
	"github.com/containers/conmonrs-go/internal/crilog"
	"github.com/containers/conmonrs-go/internal/log"
)

// Pipe identifies which stdio stream a chunk of bytes came from. It is
// a pure routing discriminator and is never mutated once attached to
// a byte buffer.
type Pipe int

const (
	Stdout Pipe = iota
	Stderr
)

func (p Pipe) String() string {
	switch p {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	default:
		return "unknown"
	}
}

func (p Pipe) toCrilog() crilog.Pipe {
	if p == Stderr {
		return crilog.StdErr
	}
	return crilog.StdOut
}

func (p Pipe) toAttach() attach.Pipe {
	if p == Stderr {
		return attach.Stderr
	}
	return attach.Stdout
}

// MessageKind distinguishes the two kinds of IOMessage.
type MessageKind int

const (
	MessageData MessageKind = iota
	MessageDone
)

// IOMessage is broadcast to every subscriber of a container's IO fan
// out, in the exact order bytes were read from the child.
type IOMessage struct {
	Kind      MessageKind
	Pipe      Pipe
	Data      []byte
	Timestamp time.Time
}

// ContainerIO owns either three blocking OS pipes or a PTY master,
// exclusively, until it is wrapped into a SharedContainerIO.
type ContainerIO struct {
	terminal bool

	ptyMaster *os.File
	ptySlave  *os.File

	stdinR, stdinW   *os.File
	stdoutR, stdoutW *os.File
	stderrR, stderrW *os.File
}

// NewTerminal allocates a PTY pair for a container run in terminal
// mode.
func NewTerminal() (*ContainerIO, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	return &ContainerIO{terminal: true, ptyMaster: master, ptySlave: slave}, nil
}

// NewStreams allocates three plain OS pipes for a container run
// without a terminal.
func NewStreams() (*ContainerIO, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	return &ContainerIO{
		stdinR: stdinR, stdinW: stdinW,
		stdoutR: stdoutR, stdoutW: stdoutW,
		stderrR: stderrR, stderrW: stderrW,
	}, nil
}

// Close releases every file descriptor this ContainerIO holds, both
// the parent-held ends and the ends meant for the child. It is for a
// ContainerIO that is not wrapped into a SharedContainerIO.
func (c *ContainerIO) Close() {
	for _, f := range []*os.File{c.ptyMaster, c.ptySlave, c.stdinR, c.stdinW, c.stdoutR, c.stdoutW, c.stderrR, c.stderrW} {
		if f != nil {
			f.Close()
		}
	}
}

// IsTerminal reports whether this instance is PTY-backed.
func (c *ContainerIO) IsTerminal() bool { return c.terminal }

// ChildFiles returns the file descriptors that should be handed to
// the spawned child process as stdin/stdout/stderr.
func (c *ContainerIO) ChildFiles() (stdin, stdout, stderr *os.File) {
	if c.terminal {
		return c.ptySlave, c.ptySlave, c.ptySlave
	}
	return c.stdinR, c.stdoutW, c.stderrW
}

// parentReaders returns the parent-held ends used to read the child's
// output.
func (c *ContainerIO) parentReaders() (stdout io.Reader, stderr io.Reader) {
	if c.terminal {
		return c.ptyMaster, nil
	}
	return c.stdoutR, c.stderrR
}

// parentWriter returns the parent-held end used to write the
// container's stdin.
func (c *ContainerIO) parentWriter() io.Writer {
	if c.terminal {
		return c.ptyMaster
	}
	return c.stdinW
}

// SharedContainerIO is a cheaply-clonable handle onto a ContainerIO's
// stdio, shared for the container's lifetime by the CRI logger, every
// AttachEndpoint, and every streaming session.
type SharedContainerIO struct {
	io *ContainerIO

	stdout *broadcast.Channel[IOMessage]
	stderr *broadcast.Channel[IOMessage]

	attachMgr *attach.Manager

	stdinMu sync.Mutex
	stdinW  io.Writer

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps io into a shared handle and starts the reader goroutines
// that fan its output out to the logger, attach clients, and every
// broadcast subscriber.
func New(io *ContainerIO, logger *crilog.Logger) *SharedContainerIO {
	s := &SharedContainerIO{
		io:        io,
		stdout:    broadcast.New[IOMessage](broadcast.DefaultCapacity),
		stderr:    broadcast.New[IOMessage](broadcast.DefaultCapacity),
		attachMgr: attach.NewManager(),
		stdinW:    io.parentWriter(),
		done:      make(chan struct{}),
	}

	stdoutR, stderrR := io.parentReaders()
	go s.readLoop(Stdout, stdoutR, logger)
	if stderrR != nil {
		go s.readLoop(Stderr, stderrR, logger)
	}
	go s.forwardAttachStdin()

	return s
}

func (s *SharedContainerIO) channelFor(p Pipe) *broadcast.Channel[IOMessage] {
	if p == Stderr {
		return s.stderr
	}
	return s.stdout
}

// readLoop reads chunks from r until EOF, publishing IOMessage::Data
// on the pipe's broadcast channel and mirroring them to the CRI logger
// and every connected attach client, in the order they were read.
func (s *SharedContainerIO) readLoop(p Pipe, r io.Reader, logger *crilog.Logger) {
	buf := make([]byte, 32*1024)
	logComponent := log.WithComponent("containerio")

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			s.channelFor(p).Publish(IOMessage{Kind: MessageData, Pipe: p, Data: chunk, Timestamp: time.Now()})

			if logger != nil {
				if werr := logger.Write(context.Background(), p.toCrilog(), newByteReader(chunk)); werr != nil {
					logComponent.Error().Err(werr).Str("pipe", p.String()).Msg("write to container log failed")
				}
			}
			s.attachMgr.Write(p.toAttach(), chunk)
		}
		if err != nil {
			s.channelFor(p).Publish(IOMessage{Kind: MessageDone, Pipe: p, Timestamp: time.Now()})
			return
		}
	}
}

// forwardAttachStdin copies bytes read from any attach client into the
// container's stdin.
func (s *SharedContainerIO) forwardAttachStdin() {
	for {
		data, ok := s.attachMgr.Read()
		if !ok {
			return
		}
		if err := s.WriteStdin(data); err != nil {
			log.WithComponent("containerio").Debug().Err(err).Msg("write stdin failed")
			return
		}
	}
}

// WriteStdin writes data to the container's stdin (PTY master or
// stdin pipe write end).
func (s *SharedContainerIO) WriteStdin(data []byte) error {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	_, err := s.stdinW.Write(data)
	return err
}

// Subscribe returns broadcast subscribers for stdout and stderr
// messages. stderr is nil in terminal mode, where both streams are
// merged onto the PTY master.
func (s *SharedContainerIO) Subscribe() (stdout, stderr *broadcast.Subscriber[IOMessage]) {
	stdout = s.stdout.Subscribe()
	if s.io.terminal {
		return stdout, nil
	}
	return stdout, s.stderr.Subscribe()
}

// AttachManager returns the attach manager used to register new
// AttachEndpoints against this container's stdio.
func (s *SharedContainerIO) AttachManager() *attach.Manager {
	return s.attachMgr
}

// Resize resizes the underlying PTY. It is a no-op for pipe-backed IO.
func (s *SharedContainerIO) Resize(width, height uint16) error {
	if !s.io.terminal {
		return nil
	}
	return pty.Setsize(s.io.ptyMaster, &pty.Winsize{Rows: height, Cols: width})
}

// Close releases the parent-held file descriptors. Safe to call more
// than once.
func (s *SharedContainerIO) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.stdout.Close()
		s.stderr.Close()
		if s.io.terminal {
			s.io.ptyMaster.Close()
			s.io.ptySlave.Close()
			return
		}
		s.io.stdinW.Close()
		s.io.stdoutR.Close()
		s.io.stderrR.Close()
	})
}

type byteReader struct {
	b   []byte
	pos int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.pos:])
	r.pos += n
	return n, nil
}
