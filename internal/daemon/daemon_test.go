package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteExitMarkerWritesExitCode(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, writeExitMarker(dir, "abc123", 7))

	body, err := os.ReadFile(filepath.Join(dir, "abc123"))
	require.NoError(t, err)
	assert.Equal(t, "7", string(body))
}

func TestWriteExitMarkerNoopWithoutDir(t *testing.T) {
	assert.NoError(t, writeExitMarker("", "abc123", 0))
}

func TestNewContainerIOSelectsTerminalMode(t *testing.T) {
	cio, err := newContainerIO(Config{Terminal: true})
	require.NoError(t, err)
	assert.True(t, cio.IsTerminal())

	cio, err = newContainerIO(Config{Terminal: false})
	require.NoError(t, err)
	assert.False(t, cio.IsTerminal())
}
