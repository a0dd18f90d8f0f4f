package crilog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempLogPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "container.log")
}

func TestWriteStdoutSuccess(t *testing.T) {
	ctx := context.Background()
	path := tempLogPath(t)

	sut := NewLogger(path, 0)
	require.NoError(t, sut.Init(ctx))

	buf := "this is a line\nand another line\n"
	require.NoError(t, sut.Write(ctx, StdOut, strings.NewReader(buf)))

	res, err := os.ReadFile(path)
	require.NoError(t, err)

	content := string(res)
	assert.Contains(t, content, " stdout F this is a line\n")
	assert.Contains(t, content, " stdout F and another line\n")

	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	require.Len(t, lines, 2, "each source line must be its own terminated entry")

	timestamp := strings.Fields(content)[0]
	_, err = time.Parse(time.RFC3339Nano, timestamp)
	assert.NoError(t, err, "timestamp must parse as RFC3339Nano")
}

func TestWriteStdoutStderrSuccess(t *testing.T) {
	ctx := context.Background()
	path := tempLogPath(t)

	sut := NewLogger(path, 0)
	require.NoError(t, sut.Init(ctx))

	buf := "a\nb\nc\n"
	require.NoError(t, sut.Write(ctx, StdOut, strings.NewReader(buf)))
	require.NoError(t, sut.Write(ctx, StdErr, strings.NewReader(buf)))

	res, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(res)

	for _, want := range []string{
		" stdout F a", " stdout F b", " stdout F c",
		" stderr F a", " stderr F b", " stderr F c",
	} {
		assert.Contains(t, content, want)
	}
}

func TestWriteReopenOnSizeLimit(t *testing.T) {
	ctx := context.Background()
	path := tempLogPath(t)

	sut := NewLogger(path, 150)
	require.NoError(t, sut.Init(ctx))

	buf := "a\nb\nc\nd\ne\nf\n"
	require.NoError(t, sut.Write(ctx, StdOut, strings.NewReader(buf)))

	res, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(res)

	assert.NotContains(t, content, " stdout F a")
	assert.NotContains(t, content, " stdout F b")
	assert.NotContains(t, content, " stdout F c")
	assert.Contains(t, content, " stdout F d")
	assert.Contains(t, content, " stdout F e")
	assert.Contains(t, content, " stdout F f")
}

func TestWriteMultiReopen(t *testing.T) {
	ctx := context.Background()
	path := tempLogPath(t)

	sut := NewLogger(path, 150)
	require.NoError(t, sut.Init(ctx))

	require.NoError(t, sut.Write(ctx, StdOut, strings.NewReader("abcd\nabcd\nabcd\n")))
	require.NoError(t, sut.Write(ctx, StdErr, strings.NewReader("a\nb\nc\n")))

	res, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(res)

	assert.NotContains(t, content, " stdout ")
	assert.Contains(t, content, " stderr F a")
	assert.Contains(t, content, " stderr F b")
	assert.Contains(t, content, " stderr F c")
}

func TestWriteBeforeInitFails(t *testing.T) {
	sut := NewLogger(tempLogPath(t), 0)
	err := sut.Write(context.Background(), StdOut, strings.NewReader("x\n"))
	assert.ErrorIs(t, err, ErrUninitialized)
}

func TestInitFailureOnUnwritablePath(t *testing.T) {
	sut := NewLogger("/this/path/does/not/exist/container.log", 0)
	err := sut.Init(context.Background())
	assert.Error(t, err)
}

func TestPartialLineWithoutTrailingNewline(t *testing.T) {
	ctx := context.Background()
	path := tempLogPath(t)

	sut := NewLogger(path, 0)
	require.NoError(t, sut.Init(ctx))

	require.NoError(t, sut.Write(ctx, StdOut, strings.NewReader("no newline at all")))

	res, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(res), " stdout P no newline at all")
}
