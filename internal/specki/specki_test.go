package specki

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestEncodeThenDecodeRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")

	in := sample{Name: "foo", Count: 3}
	require.NoError(t, EncodeJSONFile(path, &in, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640))

	var out sample
	require.NoError(t, DecodeJSONFile(path, &out))
	assert.Equal(t, in, out)
}

func TestDecodeMissingFileFails(t *testing.T) {
	var out sample
	assert.Error(t, DecodeJSONFile(filepath.Join(t.TempDir(), "missing.json"), &out))
}

func TestEncodeExclRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.json")
	require.NoError(t, EncodeJSONFile(path, &sample{}, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640))
	assert.Error(t, EncodeJSONFile(path, &sample{}, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640))
}
