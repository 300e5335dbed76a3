package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sheerbytes/cafiine/internal/logtail"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", name, got, want)
		}
	}
	if ValidLevel("verbose") {
		t.Error("verbose should not be a valid level")
	}
}

func TestNewWithWriter_Attributes(t *testing.T) {
	var out syncBuffer
	logger := NewWithWriter(&out, "cafiineserv", "warn")
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	s := out.String()
	require.NotContains(t, s, "hidden")
	require.Contains(t, s, "msg=shown")
	require.Contains(t, s, "app=cafiineserv")
	require.Contains(t, s, "pid=")
	require.Contains(t, s, "key=value")
}

func TestManager_ConsoleAndFiles(t *testing.T) {
	var out syncBuffer
	root := t.TempDir()
	start := time.Date(2015, 3, 7, 14, 5, 9, 123_000_000, time.UTC)

	m, err := NewManager(NewWithWriter(&out, "test", "debug"),
		WithFileLogs(root),
		WithClock(func() time.Time { return start }))
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, filepath.Join(root, "20150307 14.05.09"), m.Dir())

	m.Log(slog.LevelInfo, "00050000-101C9400", "Replacing %s", "/vol/content/a")
	m.Log(slog.LevelDebug, "server", "plain message")

	require.Contains(t, out.String(), "source=00050000-101C9400")
	require.Contains(t, out.String(), `msg="Replacing /vol/content/a"`)

	data, err := os.ReadFile(filepath.Join(m.Dir(), "00050000-101C9400.txt"))
	require.NoError(t, err)
	require.Equal(t, "[07.03.2015 14:05:09.123] Replacing /vol/content/a\n", string(data))

	data, err = os.ReadFile(filepath.Join(m.Dir(), "server.txt"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(data), "plain message\n"))
}

func TestManager_NoFileLogs(t *testing.T) {
	var out syncBuffer
	m, err := NewManager(NewWithWriter(&out, "test", "info"))
	require.NoError(t, err)
	require.Empty(t, m.Dir())

	m.Log(slog.LevelInfo, "server", "hello %d", 1)
	require.Contains(t, out.String(), `msg="hello 1"`)
	require.NoError(t, m.Close())
}

func TestManager_PublishesToHub(t *testing.T) {
	var out syncBuffer
	hub := logtail.NewHub(8)
	m, err := NewManager(NewWithWriter(&out, "test", "error"), WithHub(hub))
	require.NoError(t, err)

	// Below the console level, still published.
	m.Log(slog.LevelDebug, "title", "ping %d %d", 1, 2)

	recent := hub.Recent()
	require.Len(t, recent, 1)
	require.Equal(t, "title", recent[0].Source)
	require.Equal(t, "ping 1 2", recent[0].Message)
	require.Equal(t, "DEBUG", recent[0].Level)
	require.Empty(t, out.String())
}

func TestManager_SanitizesSourceFileName(t *testing.T) {
	var out syncBuffer
	m, err := NewManager(NewWithWriter(&out, "test", "info"), WithFileLogs(t.TempDir()))
	require.NoError(t, err)
	defer m.Close()

	m.Log(slog.LevelInfo, "a/b:c", "x")
	_, err = os.Stat(filepath.Join(m.Dir(), "a_b_c.txt"))
	require.NoError(t, err)
}

func TestDiscard(t *testing.T) {
	Discard.Log(slog.LevelError, "x", "%d", 1)
}
