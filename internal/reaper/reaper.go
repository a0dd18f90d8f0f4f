// Package reaper spawns the OCI runtime invocations that create and
// exec into containers, reads the container PID from the runtime's pid
// file, and reports the exit of the runtime process it started under
// that PID. A container process that outlives the runtime process is
// not waited for. It plays the role the external
// "child reaper" collaborator plays in the reference design: every
// other component treats it as the single place that knows how to
// start a runtime process and observe when it's gone.
package reaper

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/containers/conmonrs-go/internal/cancel"
	"github.com/containers/conmonrs-go/internal/containerio"
	"github.com/containers/conmonrs-go/internal/log"
)

// ExitEvent reports a reaped child's exit status.
type ExitEvent struct {
	PID      int
	ExitCode int
}

// ChildReaper creates OCI runtime child processes and watches for
// their exit. One ChildReaper is shared by the whole daemon.
type ChildReaper struct {
	mu       sync.Mutex
	watching map[int]chan ExitEvent
}

// New creates an empty ChildReaper.
func New() *ChildReaper {
	return &ChildReaper{watching: make(map[int]chan ExitEvent)}
}

// CreateChild starts runtimePath with args, wiring io as its stdio.
// If consoleSocket is set, io is not used: a fresh PTY is allocated,
// the runtime runs on its slave side, and the master fd is sent across
// consoleSocket the way a container runtime's --console-socket flag
// expects. It waits for pidFile to be written
// by the runtime and returns the PID recorded there (the actual
// container process, which may differ from the monitor process this
// function itself spawned) along with a cancel.Token that force-kills
// the monitor.
func (r *ChildReaper) CreateChild(ctx context.Context, runtimePath string, args []string, io *containerio.ContainerIO, consoleSocket, pidFile string) (pid int, tok *cancel.Token, err error) {
	logger := log.WithComponent("reaper")

	cmd := exec.Command(runtimePath, args...)

	var ptmx *os.File
	if consoleSocket != "" {
		ptmx, err = startWithConsoleSocket(ctx, cmd, consoleSocket)
		if err != nil {
			return 0, nil, err
		}
	} else {
		stdin, stdout, stderr := io.ChildFiles()
		cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr
		if err := cmd.Start(); err != nil {
			return 0, nil, fmt.Errorf("start runtime process: %w", err)
		}
	}
	if ptmx != nil {
		defer ptmx.Close()
	}

	waitCtx, waitCancel := context.WithCancel(ctx)
	defer waitCancel()

	if err := waitForPidFile(waitCtx, pidFile); err != nil {
		_ = cmd.Process.Kill()
		return 0, nil, fmt.Errorf("wait for pid file: %w", err)
	}

	childPID, err := readPidFile(pidFile)
	if err != nil {
		_ = cmd.Process.Kill()
		return 0, nil, err
	}

	logger.Info().Int("pid", childPID).Str("runtime", runtimePath).Msg("runtime process created container")

	exitCh := make(chan ExitEvent, 1)
	r.mu.Lock()
	r.watching[childPID] = exitCh
	r.mu.Unlock()

	go r.waitMonitor(cmd, childPID, exitCh)

	token := cancel.New(ctx)
	go func() {
		<-token.Done()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}()

	return childPID, token, nil
}

func (r *ChildReaper) waitMonitor(cmd *exec.Cmd, childPID int, exitCh chan ExitEvent) {
	logger := log.WithComponent("reaper")
	err := cmd.Wait()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			logger.Error().Err(err).Msg("runtime monitor process failed")
			exitCode = -1
		}
	}

	logger.Info().Int("pid", childPID).Int("exit_code", exitCode).Msg("container process exited")
	exitCh <- ExitEvent{PID: childPID, ExitCode: exitCode}
	close(exitCh)

	r.mu.Lock()
	delete(r.watching, childPID)
	r.mu.Unlock()
}

// WatchGrandchild returns the channel that will receive exactly one
// ExitEvent for pid, previously returned from CreateChild.
func (r *ChildReaper) WatchGrandchild(pid int) (<-chan ExitEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.watching[pid]
	if !ok {
		return nil, fmt.Errorf("no child being watched for pid %d", pid)
	}
	return ch, nil
}

// startWithConsoleSocket allocates a PTY, starts cmd attached to its
// slave side, and sends the master fd across consoleSocket the way a
// runtime's console-socket handshake expects.
func startWithConsoleSocket(ctx context.Context, cmd *exec.Cmd, consoleSocket string) (*os.File, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", consoleSocket)
	if err != nil {
		return nil, fmt.Errorf("connect to console socket: %w", err)
	}
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("expected a unix connection, got %T", conn)
	}

	sockFile, err := unixConn.File()
	if err != nil {
		return nil, fmt.Errorf("get file from unix connection: %w", err)
	}
	defer sockFile.Close()

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start with pty: %w", err)
	}

	oob := unix.UnixRights(int(ptmx.Fd()))
	if err := unix.Sendmsg(int(sockFile.Fd()), []byte("terminal"), oob, nil, 0); err != nil {
		ptmx.Close()
		return nil, fmt.Errorf("send console fd: %w", err)
	}

	return ptmx, nil
}

func waitForPidFile(ctx context.Context, path string) error {
	const pollInterval = 15 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file %s: %w", path, err)
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// TempPIDFilePath builds a temporary file path for a runtime's
// --pid-file argument under dir.
func TempPIDFilePath(dir, prefix string) (string, error) {
	f, err := os.CreateTemp(dir, prefix+"-*.pid")
	if err != nil {
		return "", fmt.Errorf("create temp pid file: %w", err)
	}
	path := f.Name()
	f.Close()
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove placeholder pid file: %w", err)
	}
	return filepath.Clean(path), nil
}
