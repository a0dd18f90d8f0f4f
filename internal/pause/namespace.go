package pause

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Namespace identifies one of the Linux namespaces conmonrs-go can
// share across container invocations via a long-lived pause process.
type Namespace string

const (
	NamespaceIPC  Namespace = "ipc"
	NamespacePID  Namespace = "pid"
	NamespaceNet  Namespace = "net"
	NamespaceUser Namespace = "user"
	NamespaceUTS  Namespace = "uts"
)

// AllNamespaces lists every namespace kind in a stable order.
var AllNamespaces = []Namespace{NamespaceIPC, NamespacePID, NamespaceNet, NamespaceUser, NamespaceUTS}

// ParseNamespace converts a lowercase namespace name back into a
// Namespace, the inverse of Namespace.String.
func ParseNamespace(s string) (Namespace, error) {
	switch Namespace(s) {
	case NamespaceIPC, NamespacePID, NamespaceNet, NamespaceUser, NamespaceUTS:
		return Namespace(s), nil
	default:
		return "", fmt.Errorf("unknown namespace %q", s)
	}
}

func (n Namespace) String() string { return string(n) }

// CloneFlag returns the unshare(2)/clone(2) flag associated with this
// namespace. For NamespaceUser this intentionally returns
// CLONE_NEWNS: a new mount namespace is required to bind-mount the
// user namespace handle, and CLONE_NEWUSER itself is unshared
// separately before the rest of the flags.
func (n Namespace) CloneFlag() int {
	switch n {
	case NamespaceIPC:
		return unix.CLONE_NEWIPC
	case NamespacePID:
		return unix.CLONE_NEWPID
	case NamespaceNet:
		return unix.CLONE_NEWNET
	case NamespaceUser:
		return unix.CLONE_NEWNS
	case NamespaceUTS:
		return unix.CLONE_NEWUTS
	default:
		return 0
	}
}

// procSelfName is the file under /proc/self/ns that this namespace
// binds to.
func (n Namespace) procSelfName() string {
	switch n {
	case NamespaceUser:
		return "user"
	default:
		return string(n)
	}
}

// Path returns the bind-mount path for this namespace under basePath.
func (n Namespace) Path(basePath string) string {
	return filepath.Join(basePath, string(n))
}

// Bind bind-mounts /proc/self/ns/<n> onto a fresh file under basePath
// so other processes can later join this namespace with setns(2).
func (n Namespace) Bind(basePath string) error {
	bindPath := n.Path(basePath)
	f, err := os.Create(bindPath)
	if err != nil {
		return fmt.Errorf("create namespace bind path: %w", err)
	}
	f.Close()

	source := filepath.Join("/proc/self/ns", n.procSelfName())
	if err := unix.Mount(source, bindPath, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("mount namespace %s: %w", n, err)
	}
	return nil
}

// Umount reverses Bind.
func (n Namespace) Umount(basePath string) error {
	if err := unix.Unmount(n.Path(basePath), 0); err != nil {
		return fmt.Errorf("umount namespace %s: %w", n, err)
	}
	return nil
}
