package attach

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddRejectsExistingPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attach.sock")

	m := NewManager()
	require.NoError(t, m.Add(path))

	m2 := NewManager()
	err := m2.Add(path)
	assert.Error(t, err)
}

func TestStdinForwardedFromClient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attach.sock")

	m := NewManager()
	require.NoError(t, m.Add(path))

	conn, err := net.Dial("unixpacket", path)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)

	data, ok := m.Read()
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFansOutToClient(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "attach.sock")

	m := NewManager()
	require.NoError(t, m.Add(path))

	conn, err := net.Dial("unixpacket", path)
	require.NoError(t, err)
	defer conn.Close()

	// give the accept loop a moment to register the subscriber.
	time.Sleep(50 * time.Millisecond)

	m.Write(Stdout, []byte("world"))

	buf := make([]byte, packetBufSize)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Greater(t, n, 0)
	assert.Equal(t, byte(2), buf[0])
	assert.Equal(t, "world", string(buf[1:6]))
}

func TestChunkPacketsSplitsLargePayload(t *testing.T) {
	data := make([]byte, packetBufSize*2+10)
	packets := chunkPackets(2, data)
	require.Len(t, packets, 3)
	for _, p := range packets {
		assert.Len(t, p, packetBufSize)
		assert.Equal(t, byte(2), p[0])
	}
}
