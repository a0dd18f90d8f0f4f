package reaper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containers/conmonrs-go/internal/containerio"
)

func TestCreateChildWaitsForPidFileAndReapsExit(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "container.pid")

	// Simulate a runtime that writes its own PID to the pid file (as
	// the "container process") and exits after a short delay.
	script := "#!/bin/sh\necho $$ > " + pidFile + "\nsleep 0.1\nexit 0\n"
	shPath := filepath.Join(dir, "fake-runtime.sh")
	require.NoError(t, os.WriteFile(shPath, []byte(script), 0o755))

	io, err := containerio.NewStreams()
	require.NoError(t, err)
	defer io.Close()

	r := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pid, cancelChild, err := r.CreateChild(ctx, shPath, nil, io, "", pidFile)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)
	defer cancelChild.Cancel()

	exitCh, err := r.WatchGrandchild(pid)
	require.NoError(t, err)

	select {
	case ev := <-exitCh:
		assert.Equal(t, pid, ev.PID)
		assert.Equal(t, 0, ev.ExitCode)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}
}

func TestWatchGrandchildUnknownPIDFails(t *testing.T) {
	r := New()
	_, err := r.WatchGrandchild(99999)
	assert.Error(t, err)
}

func TestTempPIDFilePathIsUnique(t *testing.T) {
	dir := t.TempDir()
	a, err := TempPIDFilePath(dir, "exec")
	require.NoError(t, err)
	b, err := TempPIDFilePath(dir, "exec")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
