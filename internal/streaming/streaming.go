// Package streaming implements token-addressed, one-shot WebSocket
// sessions for exec/attach/port-forward, the transport the container
// runtime's upstream clients (e.g. a CRI shim) actually talk to rather
// than the attach socket.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/containers/conmonrs-go/internal/bhmap"
	"github.com/containers/conmonrs-go/internal/containerio"
	"github.com/containers/conmonrs-go/internal/crilog"
	"github.com/containers/conmonrs-go/internal/log"
	"github.com/containers/conmonrs-go/internal/reaper"
)

const listenAddr = "127.0.0.1"

const (
	protocolV5          = "v5.channel.k8s.io"
	protocolPortForward = "SPDY/3.1+portforward.k8s.io"
)

const (
	execPath        = "exec"
	attachPath      = "attach"
	portForwardPath = "port-forward"
)

// ErrNotImplemented is returned as soon as a port-forward session
// starts: the SPDY framing port-forward needs is out of scope here, so
// the route exists only to advertise the sub-protocol and register a
// session.
var ErrNotImplemented = errors.New("streaming: port-forward requires SPDY framing, not implemented")

// Server is a one-shot WebSocket session broker: callers mint a
// single-use URL for a session via ExecURL/AttachURL/PortForwardURL,
// hand it to a client, and the first (and only) request against that
// URL consumes the session.
type Server struct {
	sessions *bhmap.Map[uuid.UUID, session]

	listener net.Listener
	port     int
}

// New creates a streaming server with the given bounded session
// capacity. A capacity <= 0 uses bhmap.DefaultCapacity.
func New(capacity int) *Server {
	return &Server{sessions: bhmap.New[uuid.UUID, session](capacity)}
}

// StartIfRequired binds the server's listener and starts serving, if
// it isn't already running.
func (s *Server) StartIfRequired(ctx context.Context) error {
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", listenAddr+":0")
	if err != nil {
		return fmt.Errorf("bind streaming server: %w", err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	logger := log.WithComponent("streaming")
	logger.Info().Str("addr", ln.Addr().String()).Msg("starting streaming server")

	mux := http.NewServeMux()
	for _, p := range []string{execPath, attachPath, portForwardPath} {
		mux.HandleFunc("GET /"+p+"/{token}", s.handle)
		mux.HandleFunc("POST /"+p+"/{token}", s.handle)
	}

	srv := &http.Server{Handler: mux, BaseContext: func(net.Listener) context.Context { return ctx }}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("streaming server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	return nil
}

func (s *Server) urlFor(p string, token uuid.UUID) string {
	return fmt.Sprintf("http://%s:%d/%s/%s", listenAddr, s.port, p, token)
}

// ExecURL registers a new exec session and returns its single-use
// URL. io is a freshly allocated, not-yet-shared ContainerIO created
// for this one exec call; the session wraps it into a
// SharedContainerIO once the runtime process has been spawned.
func (s *Server) ExecURL(childReaper *reaper.ChildReaper, io *containerio.ContainerIO, logger *crilog.Logger, runtimePath string, args []string, pidFile string, stdin, stdout, stderr bool) string {
	token := uuid.New()
	s.sessions.Insert(token, session{
		kind: kindExec,
		exec: &execSession{
			reaper:      childReaper,
			io:          io,
			logger:      logger,
			runtimePath: runtimePath,
			args:        args,
			pidFile:     pidFile,
			stdin:       stdin,
			stdout:      stdout,
			stderr:      stderr,
		},
	})
	return s.urlFor(execPath, token)
}

// AttachURL registers a new attach session bound to an already
// running container's IO and returns its single-use URL. ctx is
// cancelled when the container exits, which ends the session.
func (s *Server) AttachURL(ctx context.Context, io *containerio.SharedContainerIO, stdin, stdout, stderr bool) string {
	token := uuid.New()
	s.sessions.Insert(token, session{
		kind: kindAttach,
		attach: &attachSession{
			ctx:    ctx,
			io:     io,
			stdin:  stdin,
			stdout: stdout,
			stderr: stderr,
		},
	})
	return s.urlFor(attachPath, token)
}

// PortForwardURL registers a port-forward session hook and returns its
// single-use URL. Actual forwarding is not implemented; see
// ErrNotImplemented.
func (s *Server) PortForwardURL(netNSPath string) string {
	token := uuid.New()
	s.sessions.Insert(token, session{
		kind:        kindPortForward,
		portForward: &portForwardSession{netNSPath: netNSPath},
	})
	return s.urlFor(portForwardPath, token)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("streaming")

	token, err := uuid.Parse(r.PathValue("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.Take(token)
	if !ok {
		logger.Error().Str("token", token.String()).Msg("unable to find session for token")
		http.NotFound(w, r)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocolV5, protocolPortForward},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to upgrade to websocket")
		return
	}

	handleConn(r.Context(), conn, sess)
}
