// Package pause manages a long-lived "pause" process that holds open
// a set of Linux namespaces shared across many container invocations,
// so repeated exec/attach calls against the same pod don't each pay
// the cost of creating their own.
//
// The reference design forks the pause process from inside the daemon
// itself. Go's multithreaded runtime makes a bare fork(2) unsafe (any
// goroutine scheduled onto another OS thread between fork and exec can
// deadlock the child), so this package re-execs the daemon binary with
// a hidden "pause" subcommand instead: InitShared starts that
// subprocess and returns once it has started (and, when a user
// namespace is requested, once the UID/GID maps are written). It does
// not wait for the namespace bind mounts or for the subprocess's
// .pause_pid file; the PID it records is the one from starting the
// subprocess.
package pause

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/containers/conmonrs-go/internal/log"
)

// BasePath is the directory under which every pause instance's
// bind-mounted namespaces and PID file live.
const BasePath = "/var/run/conmonrs"

// pidFileName is the file a pause instance writes its own PID to.
const pidFileName = ".pause_pid"

// Pause is a handle onto a running pause process.
type Pause struct {
	path       string
	namespaces []Namespace
	pid        int
}

// Path returns the base directory holding this instance's bind mounts.
func (p *Pause) Path() string { return p.path }

// Namespaces returns the namespaces this instance shares.
func (p *Pause) Namespaces() []Namespace { return p.namespaces }

// PID returns the pause process's PID.
func (p *Pause) PID() int { return p.pid }

var (
	sharedOnce sync.Once
	shared     *Pause
	sharedErr  error
)

// InitShared creates the single shared pause instance for this daemon
// process, or returns the existing one if already initialized.
func InitShared(namespaces []Namespace, uidMappings, gidMappings []string) (*Pause, error) {
	sharedOnce.Do(func() {
		shared, sharedErr = initPause(namespaces, uidMappings, gidMappings)
	})
	return shared, sharedErr
}

// MaybeShared returns the shared pause instance if one has been
// initialized, or nil otherwise.
func MaybeShared() *Pause {
	return shared
}

// Stop tears down a pause instance: unmounts its namespace handles,
// removes its directory, and signals the process to exit.
func (p *Pause) Stop() {
	logger := log.WithComponent("pause")
	logger.Info().Msg("stopping pause")

	for _, ns := range p.namespaces {
		if err := ns.Umount(p.path); err != nil {
			logger.Debug().Err(err).Str("namespace", ns.String()).Msg("unable to umount namespace")
		}
	}
	if err := os.RemoveAll(p.path); err != nil {
		logger.Error().Err(err).Str("path", p.path).Msg("unable to remove pause path")
	}

	logger.Info().Int("pid", p.pid).Msg("killing pause process")
	if err := unix.Kill(p.pid, unix.SIGTERM); err != nil {
		logger.Error().Err(err).Int("pid", p.pid).Msg("unable to signal pause process")
	}
}

func initPause(namespaces []Namespace, uidMappings, gidMappings []string) (*Pause, error) {
	logger := log.WithComponent("pause")
	logger.Debug().Msg("initializing pause")

	var args []string
	needsUser := false
	for _, ns := range namespaces {
		switch ns {
		case NamespaceIPC:
			args = append(args, "--ipc")
		case NamespaceNet:
			args = append(args, "--net")
		case NamespacePID:
			args = append(args, "--pid")
		case NamespaceUTS:
			args = append(args, "--uts")
		case NamespaceUser:
			if len(uidMappings) == 0 {
				return nil, errors.New("user ID mappings are empty")
			}
			if len(gidMappings) == 0 {
				return nil, errors.New("group ID mappings are empty")
			}
			args = append(args, "--user")
			for _, m := range uidMappings {
				args = append(args, "--uid-mappings="+m)
			}
			for _, m := range gidMappings {
				args = append(args, "--gid-mappings="+m)
			}
			needsUser = true
		}
	}

	path := filepath.Join(BasePath, uuid.NewString())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create pause base path: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve daemon executable: %w", err)
	}

	cmdArgs := append([]string{"pause", "--path", path}, args...)
	cmd := exec.Command(self, cmdArgs...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	var parentSock *os.File
	if needsUser {
		parentSock, err = attachMappingSocket(cmd)
		if err != nil {
			return nil, err
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pause process: %w", err)
	}

	if needsUser {
		defer parentSock.Close()
		if err := handleUserMappingHandshake(parentSock, cmd.Process.Pid, uidMappings, gidMappings); err != nil {
			return nil, fmt.Errorf("negotiate user namespace mappings: %w", err)
		}
	}

	logger.Info().Int("pid", cmd.Process.Pid).Msg("pause process started")

	return &Pause{path: path, namespaces: namespaces, pid: cmd.Process.Pid}, nil
}

// writeMappings validates and writes uid/gid mappings to the given
// /proc/<pid>/{uid,gid}_map file.
func writeMappings(path string, mappings []string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open mapping file: %w", err)
	}
	defer f.Close()

	for _, mapping := range mappings {
		fields := strings.Fields(mapping)
		if len(fields) != 3 {
			return fmt.Errorf("mapping %q has wrong format, expected 'CONTAINER_ID HOST_ID SIZE'", mapping)
		}
		for _, field := range fields {
			if _, err := strconv.ParseUint(field, 10, 32); err != nil {
				return fmt.Errorf("mapping %q has wrong format, expected all fields to be uint32", mapping)
			}
		}
		if _, err := fmt.Fprintf(f, "%s\n", mapping); err != nil {
			return fmt.Errorf("write mapping: %w", err)
		}
	}
	return nil
}
