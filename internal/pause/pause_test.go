package pause

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceStringRoundTrip(t *testing.T) {
	for _, ns := range AllNamespaces {
		parsed, err := ParseNamespace(ns.String())
		require.NoError(t, err)
		assert.Equal(t, ns, parsed)
	}
}

func TestParseNamespaceRejectsUnknown(t *testing.T) {
	_, err := ParseNamespace("bogus")
	assert.Error(t, err)
}

func TestNamespacePath(t *testing.T) {
	assert.Equal(t, "/base/net", NamespaceNet.Path("/base"))
}

func TestWriteMappingsRejectsWrongFieldCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	err := writeMappings(path, []string{"0 1000"})
	assert.Error(t, err)
}

func TestWriteMappingsRejectsNonNumericFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	err := writeMappings(path, []string{"0 abc 1"})
	assert.Error(t, err)
}

func TestWriteMappingsAcceptsValidMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	err := writeMappings(path, []string{"0 1000 65536"})
	require.NoError(t, err)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0 1000 65536\n", string(content))
}
