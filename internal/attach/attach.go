// Package attach implements the attach-socket protocol: a
// SOCK_SEQPACKET UNIX socket per container that multiplexes stdin from
// any number of attached clients into the container and fans the
// container's stdout/stderr back out to all of them, framed into
// fixed-size packets.
package attach

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/containers/conmonrs-go/internal/broadcast"
	"github.com/containers/conmonrs-go/internal/log"
)

// Pipe identifies the stream an outbound packet carries. It mirrors
// containerio.Pipe but attach is kept free of a dependency on that
// package so it can be tested and reused standalone.
type Pipe int

const (
	Stdout Pipe = iota
	Stderr
)

// packetBufSize is the size of every attach packet, matching the
// reference server's fixed frame size.
const packetBufSize = 8192

// donePacket marks the end of a batch of outbound packets.
var donePacket = make([]byte, packetBufSize)

type outbound struct {
	pipe Pipe
	data []byte
}

// Manager is a shared container-attach abstraction: every endpoint
// created through Add publishes stdin reads onto a single broadcast
// channel and subscribes to a single outbound channel carrying
// (pipe, bytes) pairs meant for every connected client.
type Manager struct {
	stdin  *broadcast.Channel[[]byte]
	stdinS *broadcast.Subscriber[[]byte]

	outbound *broadcast.Channel[outbound]
}

// NewManager creates an attach manager with no endpoints yet bound.
func NewManager() *Manager {
	m := &Manager{
		stdin:    broadcast.New[[]byte](broadcast.DefaultCapacity),
		outbound: broadcast.New[outbound](broadcast.DefaultCapacity),
	}
	m.stdinS = m.stdin.Subscribe()
	return m
}

// Add binds a new attach endpoint at socketPath. The path must not
// already exist; exactly one endpoint may serve a given path.
func (m *Manager) Add(socketPath string) error {
	return create(socketPath, m.stdin, m.outbound)
}

// Read returns the next batch of stdin bytes received from any
// attached client, in the order it arrived.
func (m *Manager) Read() ([]byte, bool) {
	return m.stdinS.Recv()
}

// Write fans data out to every currently connected attach client
// tagged with pipe.
func (m *Manager) Write(pipe Pipe, data []byte) {
	if m.outbound.ReceiverCount() == 0 {
		return
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.outbound.Publish(outbound{pipe: pipe, data: cp})
}

// create binds a SOCK_SEQPACKET listening socket at path and spawns
// its accept loop.
func create(path string, stdinTx *broadcast.Channel[[]byte], outTx *broadcast.Channel[outbound]) error {
	logger := log.WithComponent("attach")
	logger.Debug().Str("path", path).Msg("creating attach socket")

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("attach socket path already exists: %s", path)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create attach socket: %w", err)
	}

	shortened, cleanup, err := shortenSocketPath(path)
	if err != nil {
		unix.Close(fd)
		return err
	}
	defer cleanup()

	addr := &unix.SockaddrUnix{Name: shortened}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("bind attach socket: %w", err)
	}

	if err := os.Chmod(path, 0o700); err != nil {
		unix.Close(fd)
		return fmt.Errorf("chmod attach socket: %w", err)
	}

	if err := unix.Listen(fd, 10); err != nil {
		unix.Close(fd)
		return fmt.Errorf("listen on attach socket: %w", err)
	}

	f := os.NewFile(uintptr(fd), path)
	listener, err := net.FileListener(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("wrap attach socket as listener: %w", err)
	}

	go startAcceptLoop(listener, stdinTx, outTx)
	return nil
}

// shortenSocketPath works around the UNIX_PATH_MAX limit on socket
// addresses by chdir'ing into the socket's parent directory and
// binding a relative name, returning a restore function that must be
// kept alive until after the bind call.
func shortenSocketPath(path string) (shortened string, restore func(), err error) {
	const maxUnixPathLen = 104 // conservative cross-platform sun_path budget

	if len(path) < maxUnixPathLen {
		return path, func() {}, nil
	}

	dir := filepath.Dir(path)
	name := filepath.Base(path)

	cwd, err := os.Getwd()
	if err != nil {
		return "", nil, fmt.Errorf("get cwd: %w", err)
	}
	if err := os.Chdir(dir); err != nil {
		return "", nil, fmt.Errorf("chdir %s: %w", dir, err)
	}

	return name, func() { _ = os.Chdir(cwd) }, nil
}

func startAcceptLoop(listener net.Listener, stdinTx *broadcast.Channel[[]byte], outTx *broadcast.Channel[outbound]) {
	logger := log.WithComponent("attach")
	logger.Debug().Msg("start listening on attach socket")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Error().Err(err).Msg("unable to accept attach stream")
			continue
		}
		logger.Debug().Msg("got new attach stream connection")

		go readLoop(conn, stdinTx)
		go writeLoop(conn, outTx.Subscribe())
	}
}

// readLoop drains stdin packets from conn until EOF or a read error,
// publishing each packet's bytes up to its first zero byte.
func readLoop(conn net.Conn, tx *broadcast.Channel[[]byte]) {
	logger := log.WithComponent("attach")
	buf := make([]byte, packetBufSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if idx := indexZero(chunk); idx >= 0 {
				chunk = chunk[:idx]
			}
			logger.Debug().Int("bytes", len(chunk)).Msg("read stdin bytes from client")
			cp := make([]byte, len(chunk))
			copy(cp, chunk)
			tx.Publish(cp)
		}
		if err != nil {
			logger.Debug().Err(err).Msg("stopping attach read loop")
			return
		}
		if n == 0 {
			return
		}
	}
}

// writeLoop frames every (pipe, bytes) message published on rx into
// packetBufSize-byte packets prefixed with a pipe tag byte, followed
// by a zeroed done packet, and writes them to conn. Each write waits
// until the client's socket accepts the packet; packets are not
// dropped for a slow client. A broken pipe or closed connection ends
// the loop cleanly; any other write error is logged and also ends it.
func writeLoop(conn net.Conn, rx *broadcast.Subscriber[outbound]) {
	logger := log.WithComponent("attach")
	defer conn.Close()

	for {
		msg, ok := rx.Recv()
		if !ok {
			return
		}

		tag := byte(2)
		if msg.pipe == Stderr {
			tag = 3
		}

		packets := chunkPackets(tag, msg.data)
		packets = append(packets, donePacket)

		for idx, packet := range packets {
			if _, err := conn.Write(packet); err != nil {
				if errors.Is(err, unix.EPIPE) || errors.Is(err, net.ErrClosed) {
					return
				}
				logger.Error().Err(err).Int("packet", idx).Msg("unable to write attach packet")
				return
			}
		}
	}
}

func chunkPackets(tag byte, data []byte) [][]byte {
	const payloadSize = packetBufSize - 1

	if len(data) == 0 {
		packet := make([]byte, packetBufSize)
		packet[0] = tag
		return [][]byte{packet}
	}

	var packets [][]byte
	for len(data) > 0 {
		n := payloadSize
		if n > len(data) {
			n = len(data)
		}
		packet := make([]byte, packetBufSize)
		packet[0] = tag
		copy(packet[1:], data[:n])
		packets = append(packets, packet)
		data = data[n:]
	}
	return packets
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
