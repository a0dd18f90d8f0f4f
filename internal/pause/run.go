package pause

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/containers/conmonrs-go/internal/log"
)

// mappingSocketFD is the file descriptor the mapping handshake socket
// is passed on inside the re-exec'd pause subprocess (0, 1, 2 are
// stdio; ExtraFiles start at 3).
const mappingSocketFD = 3

// attachMappingSocket creates a UNIX socket pair for the UID/GID
// mapping handshake and arranges for the child's end to arrive as
// mappingSocketFD in the subprocess. It returns the parent's end.
func attachMappingSocket(cmd *exec.Cmd) (*os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("create mapping socket pair: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "pause-mapping-parent")
	child := os.NewFile(uintptr(fds[1]), "pause-mapping-child")
	cmd.ExtraFiles = append(cmd.ExtraFiles, child)
	return parent, nil
}

// handleUserMappingHandshake runs the parent side of the user
// namespace handshake: wait for the child to report it has created
// its user namespace, write the UID/GID maps, then tell it to
// proceed.
func handleUserMappingHandshake(sock *os.File, childPID int, uidMappings, gidMappings []string) error {
	ack := make([]byte, 1)
	if _, err := sock.Read(ack); err != nil {
		return fmt.Errorf("wait for user namespace creation: %w", err)
	}

	gidMapPath := filepath.Join("/proc", fmt.Sprint(childPID), "gid_map")
	if err := writeMappings(gidMapPath, gidMappings); err != nil {
		return fmt.Errorf("write gid maps: %w", err)
	}
	uidMapPath := filepath.Join("/proc", fmt.Sprint(childPID), "uid_map")
	if err := writeMappings(uidMapPath, uidMappings); err != nil {
		return fmt.Errorf("write uid maps: %w", err)
	}

	if _, err := sock.Write([]byte{1}); err != nil {
		return fmt.Errorf("notify mappings written: %w", err)
	}
	return nil
}

// RunOptions configures a single pause subprocess invocation, parsed
// from the hidden "pause" CLI subcommand's flags.
type RunOptions struct {
	Path        string
	IPC         bool
	PID         bool
	Net         bool
	User        bool
	UTS         bool
	UIDMappings []string
	GIDMappings []string
}

// Run is the body of the hidden "pause" subcommand: it joins the
// requested namespaces, bind-mounts handles to them under opts.Path,
// writes its own PID there, and blocks until asked to terminate.
func Run(opts RunOptions) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	logger := log.WithComponent("pause")

	var namespaces []Namespace
	flags := 0
	if opts.IPC {
		flags |= unix.CLONE_NEWIPC
		namespaces = append(namespaces, NamespaceIPC)
	}
	if opts.PID {
		flags |= unix.CLONE_NEWPID
		namespaces = append(namespaces, NamespacePID)
	}
	if opts.Net {
		flags |= unix.CLONE_NEWNET
		namespaces = append(namespaces, NamespaceNet)
	}
	if opts.User {
		// A new mount namespace is needed to bind the namespace
		// handles after the user namespace is set up.
		flags |= unix.CLONE_NEWNS
		namespaces = append(namespaces, NamespaceUser)
	}
	if opts.UTS {
		flags |= unix.CLONE_NEWUTS
		namespaces = append(namespaces, NamespaceUTS)
	}

	if opts.User {
		if err := runUserNamespaceHandshake(flags); err != nil {
			return err
		}
	} else if flags != 0 {
		if err := unix.Unshare(flags); err != nil {
			return fmt.Errorf("unshare with clone flags: %w", err)
		}
	}

	for _, ns := range namespaces {
		if err := ns.Bind(opts.Path); err != nil {
			return fmt.Errorf("bind namespace %s: %w", ns, err)
		}
	}

	pidFile := filepath.Join(opts.Path, pidFileName)
	if err := os.WriteFile(pidFile, []byte(fmt.Sprint(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pause pid file: %w", err)
	}
	logger.Info().Int("pid", os.Getpid()).Msg("pause namespaces ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh

	logger.Info().Msg("pause received termination signal")
	return nil
}

func runUserNamespaceHandshake(restFlags int) error {
	sockFile := os.NewFile(mappingSocketFD, "pause-mapping-child")
	if sockFile == nil {
		return fmt.Errorf("mapping socket fd %d not available", mappingSocketFD)
	}
	defer sockFile.Close()

	if err := unix.Unshare(unix.CLONE_NEWUSER); err != nil {
		return fmt.Errorf("unshare into user namespace: %w", err)
	}

	if _, err := sockFile.Write([]byte{1}); err != nil {
		return fmt.Errorf("notify user namespace created: %w", err)
	}

	ack := make([]byte, 1)
	if _, err := sockFile.Read(ack); err != nil {
		return fmt.Errorf("wait for mappings written: %w", err)
	}

	if err := unix.Setresuid(0, 0, 0); err != nil {
		return fmt.Errorf("set root uid: %w", err)
	}
	if err := unix.Setresgid(0, 0, 0); err != nil {
		return fmt.Errorf("set root gid: %w", err)
	}

	if restFlags != 0 {
		if err := unix.Unshare(restFlags); err != nil {
			return fmt.Errorf("unshare with remaining clone flags: %w", err)
		}
	}
	return nil
}
