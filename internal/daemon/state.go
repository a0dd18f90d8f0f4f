package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containers/conmonrs-go/internal/specki"
)

// stateFileName is the name of the persisted state file written
// alongside a container's PID file. It lets a later, separate
// `conmonrs-go` invocation (e.g. an attach CLI) rediscover a running
// container's paths without being handed them all again on the
// command line.
const stateFileName = "state.json"

// ContainerState is the durable record of one supervised container,
// written once at Run start and never modified afterwards, mirroring
// the teacher's own per-container metadata file (created at 'create',
// left untouched, removed at 'delete').
type ContainerState struct {
	ContainerID   string    `json:"container_id"`
	CreatedAt     time.Time `json:"created_at"`
	RuntimePath   string    `json:"runtime_path"`
	PidFile       string    `json:"pid_file"`
	LogPath       string    `json:"log_path,omitempty"`
	SocketDirPath string    `json:"socket_dir_path,omitempty"`
	ExitDir       string    `json:"exit_dir,omitempty"`
}

// statePath returns where a container's state file lives, keyed by
// its pid file directory so it travels with the rest of that
// container's runtime bookkeeping.
func statePath(cfg Config) (string, error) {
	if cfg.PidFile == "" {
		return "", fmt.Errorf("cannot derive state path: pid-file is not set")
	}
	return filepath.Join(filepath.Dir(cfg.PidFile), cfg.ContainerID+"."+stateFileName), nil
}

// writeState persists cfg as a ContainerState. A cfg without a
// PidFile is a no-op: some callers (tests, ephemeral exec sessions)
// never need a durable record.
func writeState(cfg Config) error {
	path, err := statePath(cfg)
	if err != nil {
		return nil
	}

	state := ContainerState{
		ContainerID:   cfg.ContainerID,
		CreatedAt:     stateNow(),
		RuntimePath:   cfg.RuntimePath,
		PidFile:       cfg.PidFile,
		LogPath:       cfg.LogPath,
		SocketDirPath: cfg.SocketDirPath,
		ExitDir:       cfg.ExitDir,
	}
	return specki.EncodeJSONFile(path, &state, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o640)
}

// LoadState reads back the ContainerState persisted for containerID
// under pidFileDir, the directory a caller already knows because it
// is where it expects to find the container's PID file.
func LoadState(pidFileDir, containerID string) (*ContainerState, error) {
	path := filepath.Join(pidFileDir, containerID+"."+stateFileName)
	var state ContainerState
	if err := specki.DecodeJSONFile(path, &state); err != nil {
		return nil, fmt.Errorf("load container state: %w", err)
	}
	return &state, nil
}

// stateNow exists only so it can be swapped in tests; production code
// always wants wall-clock time.
var stateNow = time.Now
