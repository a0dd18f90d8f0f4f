package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/containers/conmonrs-go/internal/containerio"
	"github.com/containers/conmonrs-go/internal/crilog"
	"github.com/containers/conmonrs-go/internal/log"
	"github.com/containers/conmonrs-go/internal/metrics"
	"github.com/containers/conmonrs-go/internal/oomwatcher"
	"github.com/containers/conmonrs-go/internal/reaper"
	"github.com/containers/conmonrs-go/internal/streaming"
)

// Run supervises a single container process for its entire lifetime:
// it creates the container's stdio, starts the runtime, watches for
// OOM kills, serves a WebSocket attach session and Prometheus metrics,
// and returns once the container has exited.
func Run(ctx context.Context, cfg Config) error {
	initLogger(cfg)
	logger := log.WithContainer(cfg.ContainerID)

	if err := writeState(cfg); err != nil {
		logger.Warn().Err(err).Msg("failed to persist container state")
	}

	cio, err := newContainerIO(cfg)
	if err != nil {
		return fmt.Errorf("create container io: %w", err)
	}

	var logfile *crilog.Logger
	if cfg.LogPath != "" {
		logfile = crilog.NewLogger(cfg.LogPath, cfg.LogMaxSize)
		if err := logfile.Init(ctx); err != nil {
			return fmt.Errorf("init cri logger: %w", err)
		}
		defer logfile.Close()
	}

	shared := containerio.New(cio, logfile)
	defer shared.Close()

	if cfg.SocketDirPath != "" {
		sockPath := filepath.Join(cfg.SocketDirPath, cfg.ContainerID+"-attach.sock")
		if err := shared.AttachManager().Add(sockPath); err != nil {
			return fmt.Errorf("create attach socket: %w", err)
		}
		logger.Info().Str("socket", sockPath).Msg("listening for attach clients")
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = startMetricsServer(cfg.MetricsAddr, logger)
		defer metricsServer.Close()
	}

	streamSrv := streaming.New(0)
	if err := streamSrv.StartIfRequired(ctx); err != nil {
		return fmt.Errorf("start streaming server: %w", err)
	}
	attachURL := streamSrv.AttachURL(ctx, shared, cfg.Stdin, true, true)
	logger.Info().Str("url", attachURL).Msg("attach session available")

	childReaper := reaper.New()
	pid, cancelChild, err := childReaper.CreateChild(ctx, cfg.RuntimePath, cfg.RuntimeArgs, cio, "", cfg.PidFile)
	if err != nil {
		return fmt.Errorf("create child: %w", err)
	}
	defer cancelChild.Cancel()

	metrics.ContainersActive.Inc()
	defer metrics.ContainersActive.Dec()

	exitCh, err := childReaper.WatchGrandchild(pid)
	if err != nil {
		return fmt.Errorf("watch grandchild: %w", err)
	}

	var oomExitPaths []string
	if cfg.OOMExitDir != "" {
		oomExitPaths = []string{filepath.Join(cfg.OOMExitDir, cfg.ContainerID)}
	}
	_, oomCh := oomwatcher.New(ctx, pid, oomExitPaths)

	select {
	case ev := <-exitCh:
		logger.Info().Int("exit_code", ev.ExitCode).Msg("container exited")
		metrics.RecordChildExit(ev.ExitCode)
		return writeExitMarker(cfg.ExitDir, cfg.ContainerID, ev.ExitCode)

	case oom := <-oomCh:
		if !oom.OOM {
			return ctx.Err()
		}
		logger.Warn().Msg("container was OOM-killed")
		ev := <-exitCh
		metrics.RecordChildExit(ev.ExitCode)
		return writeExitMarker(cfg.ExitDir, cfg.ContainerID, ev.ExitCode)

	case <-ctx.Done():
		return ctx.Err()
	}
}

func initLogger(cfg Config) {
	level := log.Level(cfg.LogLevel)
	if level == "" {
		level = log.InfoLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: cfg.LogJSON})
}

func newContainerIO(cfg Config) (*containerio.ContainerIO, error) {
	if cfg.Terminal {
		return containerio.NewTerminal()
	}
	return containerio.NewStreams()
}

func startMetricsServer(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}

func writeExitMarker(dir, containerID string, exitCode int) error {
	if dir == "" {
		return nil
	}
	path := filepath.Join(dir, containerID)
	return os.WriteFile(path, []byte(fmt.Sprint(exitCode)), 0o644)
}
