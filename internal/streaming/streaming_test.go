package streaming

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containers/conmonrs-go/internal/containerio"
	"github.com/containers/conmonrs-go/internal/reaper"
)

func TestHandleReturns404ForUnknownToken(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(0)
	require.NoError(t, s.StartIfRequired(ctx))

	resp, err := http.Get(s.urlFor(execPath, uuid.New()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecSessionStreamsStdoutAndExit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(0)
	require.NoError(t, s.StartIfRequired(ctx))

	dir := t.TempDir()
	pidFile := filepath.Join(dir, "exec.pid")
	script := "#!/bin/sh\necho $$ > " + pidFile + "\necho hello\nexit 0\n"
	runtimePath := filepath.Join(dir, "fake-runtime.sh")
	require.NoError(t, os.WriteFile(runtimePath, []byte(script), 0o755))

	io, err := containerio.NewStreams()
	require.NoError(t, err)

	r := reaper.New()
	url := s.ExecURL(r, io, nil, runtimePath, nil, pidFile, false, true, true)

	wsCtx, wsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wsCancel()

	conn, _, err := websocket.Dial(wsCtx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	gotStdout := false
	for i := 0; i < 10; i++ {
		typ, data, err := conn.Read(wsCtx)
		if err != nil {
			break
		}
		if typ == websocket.MessageBinary && len(data) > 1 && data[0] == stdoutByte {
			gotStdout = true
			assert.Contains(t, string(data[1:]), "hello")
			break
		}
	}
	assert.True(t, gotStdout, "expected to see a framed stdout message")
}
