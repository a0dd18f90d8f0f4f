package streaming

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/containers/conmonrs-go/internal/containerio"
	"github.com/containers/conmonrs-go/internal/crilog"
	"github.com/containers/conmonrs-go/internal/log"
	"github.com/containers/conmonrs-go/internal/reaper"
)

const (
	stdinByte     = 0
	stdoutByte    = 1
	stderrByte    = 2
	streamErrByte = 3
	resizeByte    = 4
	closeByte     = 255
)

type sessionKind int

const (
	kindExec sessionKind = iota
	kindAttach
	kindPortForward
)

type session struct {
	kind        sessionKind
	exec        *execSession
	attach      *attachSession
	portForward *portForwardSession
}

type execSession struct {
	reaper      *reaper.ChildReaper
	io          *containerio.ContainerIO
	logger      *crilog.Logger
	runtimePath string
	args        []string
	pidFile     string
	stdin       bool
	stdout      bool
	stderr      bool
}

type attachSession struct {
	ctx    context.Context
	io     *containerio.SharedContainerIO
	stdin  bool
	stdout bool
	stderr bool
}

type portForwardSession struct {
	netNSPath string
}

// resizeEvent is the terminal resize payload for exec and attach. No
// json tags: Go's default PascalCase field marshaling already matches
// the wire format clients send.
type resizeEvent struct {
	Width  uint16
	Height uint16
}

type errorCause struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type errorDetails struct {
	Causes []errorCause `json:"causes"`
}

type errorMessage struct {
	Status  string       `json:"status"`
	Reason  string       `json:"reason"`
	Details errorDetails `json:"details"`
	Message string       `json:"message"`
}

func newExitErrorMessage(exitCode int) errorMessage {
	return errorMessage{
		Status: "Failure",
		Reason: "NonZeroExitCode",
		Details: errorDetails{Causes: []errorCause{
			{Reason: "ExitCode", Message: fmt.Sprint(exitCode)},
		}},
		Message: "command terminated with non-zero exit code",
	}
}

// handleConn drives a single accepted WebSocket connection for the
// duration of its session, then closes it.
func handleConn(ctx context.Context, conn *websocket.Conn, sess session) {
	logger := log.WithComponent("streaming")

	stdinCh := make(chan []byte, 16)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readLoop(ctx, conn, stdinCh)
	}()

	var err error
	switch sess.kind {
	case kindExec:
		err = execLoop(ctx, *sess.exec, conn, stdinCh)
	case kindAttach:
		err = attachLoop(*sess.attach, conn, stdinCh)
	case kindPortForward:
		err = portForwardLoop(*sess.portForward, conn, stdinCh)
	}

	if err != nil {
		logger.Error().Err(err).Str("kind", fmt.Sprint(sess.kind)).Msg("streaming session ended with error")
	}
	conn.Close(websocket.StatusNormalClosure, "done")
	<-readDone
}

// readLoop forwards binary WebSocket frames onto stdinCh until the
// connection closes.
func readLoop(ctx context.Context, conn *websocket.Conn, stdinCh chan<- []byte) {
	logger := log.WithComponent("streaming")
	defer close(stdinCh)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary || len(data) == 0 {
			continue
		}
		logger.Debug().Int("bytes", len(data)).Msg("got binary frame")
		select {
		case stdinCh <- data:
		case <-ctx.Done():
			return
		}
	}
}

func frameAndSend(ctx context.Context, conn *websocket.Conn, streamByte byte, data []byte) error {
	framed := make([]byte, 0, len(data)+1)
	framed = append(framed, streamByte)
	framed = append(framed, data...)
	return conn.Write(ctx, websocket.MessageBinary, framed)
}

// dispatchStdin interprets one client->server frame: a stdin payload,
// a resize request, or a close request. It reports whether the
// session loop should stop.
func dispatchStdin(ctx context.Context, data []byte, writeStdin func([]byte) error, resize func(uint16, uint16) error) (stop bool, err error) {
	if len(data) == 0 {
		return false, nil
	}
	msgType, payload := data[0], data[1:]

	switch msgType {
	case stdinByte:
		if writeStdin != nil {
			if err := writeStdin(payload); err != nil {
				return false, fmt.Errorf("write stdin: %w", err)
			}
		}
	case resizeByte:
		var ev resizeEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return false, fmt.Errorf("unmarshal resize event: %w", err)
		}
		if resize != nil {
			if err := resize(ev.Width, ev.Height); err != nil {
				return false, fmt.Errorf("resize terminal: %w", err)
			}
		}
	case closeByte:
		return true, nil
	default:
		log.WithComponent("streaming").Warn().Int("type", int(msgType)).Msg("unknown stdin frame type")
	}
	return false, nil
}

func execLoop(ctx context.Context, sess execSession, conn *websocket.Conn, stdinCh <-chan []byte) error {
	pid, childToken, err := sess.reaper.CreateChild(ctx, sess.runtimePath, sess.args, sess.io, "", sess.pidFile)
	if err != nil {
		return fmt.Errorf("create child process: %w", err)
	}
	defer childToken.Cancel()

	exitCh, err := sess.reaper.WatchGrandchild(pid)
	if err != nil {
		return fmt.Errorf("watch grandchild: %w", err)
	}

	shared := containerio.New(sess.io, sess.logger)
	defer shared.Close()

	stdoutSub, stderrSub := shared.Subscribe()

	var stderrC <-chan containerio.IOMessage
	if stderrSub != nil {
		stderrC = stderrSub.C()
	}

	for {
		select {
		case data, ok := <-stdinCh:
			if !ok {
				return nil
			}
			if !sess.stdin {
				continue
			}
			stop, err := dispatchStdin(ctx, data, shared.WriteStdin, shared.Resize)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}

		case msg := <-stdoutSub.C():
			if !sess.stdout || msg.Kind != containerio.MessageData {
				continue
			}
			if err := frameAndSend(ctx, conn, stdoutByte, msg.Data); err != nil {
				return fmt.Errorf("send stdout: %w", err)
			}

		case msg := <-stderrC:
			if !sess.stderr || msg.Kind != containerio.MessageData {
				continue
			}
			if err := frameAndSend(ctx, conn, stderrByte, msg.Data); err != nil {
				return fmt.Errorf("send stderr: %w", err)
			}

		case ev := <-exitCh:
			if ev.ExitCode != 0 {
				body, err := json.Marshal(newExitErrorMessage(ev.ExitCode))
				if err != nil {
					return fmt.Errorf("marshal exit error: %w", err)
				}
				if err := frameAndSend(ctx, conn, streamErrByte, body); err != nil {
					return fmt.Errorf("send exit failure message: %w", err)
				}
			}
			return nil
		}
	}
}

func attachLoop(sess attachSession, conn *websocket.Conn, stdinCh <-chan []byte) error {
	stdoutSub, stderrSub := sess.io.Subscribe()

	var stderrC <-chan containerio.IOMessage
	if stderrSub != nil {
		stderrC = stderrSub.C()
	}

	ctx := sess.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		select {
		case data, ok := <-stdinCh:
			if !ok {
				return nil
			}
			if !sess.stdin {
				continue
			}
			stop, err := dispatchStdin(ctx, data, sess.io.WriteStdin, sess.io.Resize)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}

		case msg := <-stdoutSub.C():
			if !sess.stdout || msg.Kind != containerio.MessageData {
				continue
			}
			if err := frameAndSend(ctx, conn, stdoutByte, msg.Data); err != nil {
				return fmt.Errorf("send stdout: %w", err)
			}

		case msg := <-stderrC:
			if !sess.stderr || msg.Kind != containerio.MessageData {
				continue
			}
			if err := frameAndSend(ctx, conn, stderrByte, msg.Data); err != nil {
				return fmt.Errorf("send stderr: %w", err)
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// portForwardLoop only advertises the port-forward sub-protocol and
// registers a session; actual forwarding needs SPDY framing, which is
// out of scope here.
func portForwardLoop(_ portForwardSession, _ *websocket.Conn, _ <-chan []byte) error {
	return ErrNotImplemented
}
