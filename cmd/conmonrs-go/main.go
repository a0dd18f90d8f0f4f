package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/containers/conmonrs-go/internal/daemon"
	"github.com/containers/conmonrs-go/internal/pause"
)

var version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "conmonrs-go",
		Usage:   "supervise a single container's process and stdio",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "cid", Usage: "container ID", Required: true},
			&cli.StringFlag{Name: "runtime", Usage: "path to the OCI runtime binary", Required: true},
			&cli.StringSliceFlag{Name: "runtime-arg", Usage: "extra argument passed to the runtime, may be repeated"},
			&cli.StringFlag{Name: "pid-file", Usage: "path the container's PID is read from"},
			&cli.StringFlag{Name: "log-path", Usage: "CRI log file path"},
			&cli.IntFlag{Name: "log-size-max", Usage: "CRI log rotation threshold in bytes"},
			&cli.BoolFlag{Name: "terminal", Usage: "allocate a pseudo-TTY for the container"},
			&cli.BoolFlag{Name: "stdin", Usage: "let the WebSocket attach session write to the container's stdin"},
			&cli.StringFlag{Name: "socket-dir-path", Usage: "directory for this container's attach socket"},
			&cli.StringFlag{Name: "exit-dir", Usage: "directory to write an exit-code marker file on container exit"},
			&cli.StringFlag{Name: "oom-exit-dir", Usage: "directory to write an OOM marker file if the container is killed"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "listen address for /metrics and /healthz, empty disables"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "trace, debug, info, warn or error"},
			&cli.BoolFlag{Name: "log-json", Usage: "emit JSON log lines instead of console formatting"},
		},
		Commands: []*cli.Command{
			pause.Command(),
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cfg := daemon.Config{
		ContainerID:   c.String("cid"),
		RuntimePath:   c.String("runtime"),
		RuntimeArgs:   c.StringSlice("runtime-arg"),
		PidFile:       c.String("pid-file"),
		LogPath:       c.String("log-path"),
		LogMaxSize:    c.Int("log-size-max"),
		Terminal:      c.Bool("terminal"),
		Stdin:         c.Bool("stdin"),
		SocketDirPath: c.String("socket-dir-path"),
		ExitDir:       c.String("exit-dir"),
		OOMExitDir:    c.String("oom-exit-dir"),
		MetricsAddr:   c.String("metrics-addr"),
		LogLevel:      c.String("log-level"),
		LogJSON:       c.Bool("log-json"),
	}

	return daemon.Run(ctx, cfg)
}
