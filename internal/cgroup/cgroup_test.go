package cgroup

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestV1PatternExtractsSubsystemAndPath(t *testing.T) {
	m := v1Pattern.FindStringSubmatch("4:memory:/user.slice/user-1000.slice")
	require.NotNil(t, m)
	assert.Equal(t, "memory", m[1])
	assert.Equal(t, "user.slice/user-1000.slice", m[2])
}

func TestV2PatternExtractsUnifiedPath(t *testing.T) {
	m := v2Pattern.FindStringSubmatch("0::/user.slice/user-1000.slice/session-1.scope")
	require.NotNil(t, m)
	assert.Equal(t, "user.slice/user-1000.slice/session-1.scope", m[1])
}

func TestSubsystemPathResolvesForCurrentProcess(t *testing.T) {
	subsystem := "memory"
	path, err := SubsystemPath(os.Getpid(), subsystem)
	require.NoError(t, err)
	assert.Contains(t, path, Root)
}

func TestSubsystemPathFailsForUnknownPID(t *testing.T) {
	_, err := SubsystemPath(999999999, "memory")
	assert.Error(t, err)
}
