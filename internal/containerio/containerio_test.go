package containerio

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containers/conmonrs-go/internal/crilog"
)

func TestStreamsReaderFansOutToSubscriberAndLog(t *testing.T) {
	cio, err := NewStreams()
	require.NoError(t, err)

	logPath := filepath.Join(t.TempDir(), "container.log")
	logger := crilog.NewLogger(logPath, 0)
	require.NoError(t, logger.Init(context.Background()))

	shared := New(cio, logger)
	defer shared.Close()

	stdout, stderr := shared.Subscribe()
	require.NotNil(t, stderr)

	_, childStdout, _ := cio.ChildFiles()
	_, err = childStdout.Write([]byte("hello\n"))
	require.NoError(t, err)
	childStdout.Close()

	msg, ok := stdout.Recv()
	require.True(t, ok)
	assert.Equal(t, MessageData, msg.Kind)
	assert.Equal(t, "hello\n", string(msg.Data))

	done, ok := stdout.Recv()
	require.True(t, ok)
	assert.Equal(t, MessageDone, done.Kind)
}

func TestResizeIsNoopForStreams(t *testing.T) {
	cio, err := NewStreams()
	require.NoError(t, err)
	shared := New(cio, nil)
	defer shared.Close()

	assert.NoError(t, shared.Resize(80, 24))
}

func TestWriteStdinReachesChildEnd(t *testing.T) {
	cio, err := NewStreams()
	require.NoError(t, err)
	shared := New(cio, nil)
	defer shared.Close()

	childStdin, _, _ := cio.ChildFiles()

	require.NoError(t, shared.WriteStdin([]byte("input")))

	buf := make([]byte, 5)
	done := make(chan struct{})
	go func() {
		childStdin.Read(buf)
		close(done)
	}()

	select {
	case <-done:
		assert.Equal(t, "input", string(buf))
	case <-time.After(time.Second):
		t.Fatal("timed out reading forwarded stdin")
	}
}
