package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sheerbytes/cafiine/internal/logtail"
)

// Sink receives printf-style log records tagged with a source, usually a
// title ID or the component name.
type Sink interface {
	Log(level slog.Level, source string, format string, args ...any)
}

type discard struct{}

func (discard) Log(slog.Level, string, string, ...any) {}

// Discard drops every record.
var Discard Sink = discard{}

const (
	sessionDirLayout = "20060102 15.04.05"
	fileStampLayout  = "02.01.2006 15:04:05.000"
)

// Manager is the process-wide Sink. Records go to the structured console
// logger, to one text file per source when file logs are enabled, and to an
// attached log tail hub.
type Manager struct {
	logger *slog.Logger
	hub    *logtail.Hub
	now    func() time.Time
	dir    string

	mu    sync.Mutex
	files map[string]*os.File
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithFileLogs enables per-source log files under a directory named after
// the manager's start time inside root.
func WithFileLogs(root string) ManagerOption {
	return func(m *Manager) { m.dir = root }
}

// WithHub publishes every record to hub.
func WithHub(hub *logtail.Hub) ManagerOption {
	return func(m *Manager) { m.hub = hub }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a Manager writing console records through logger.
func NewManager(logger *slog.Logger, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logger: logger,
		now:    time.Now,
		files:  make(map[string]*os.File),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dir != "" {
		m.dir = filepath.Join(m.dir, m.now().Format(sessionDirLayout))
		if err := os.MkdirAll(m.dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	return m, nil
}

// Dir returns the directory receiving file logs, or "" when disabled.
func (m *Manager) Dir() string { return m.dir }

// Log implements Sink.
func (m *Manager) Log(level slog.Level, source string, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	now := m.now()

	m.logger.Log(context.Background(), level, msg, slog.String("source", source))

	if m.dir != "" {
		if err := m.appendFile(source, now, msg); err != nil {
			m.logger.Warn("file log write failed", "source", source, "error", err)
		}
	}

	if m.hub != nil {
		m.hub.Publish(logtail.Record{
			Time:    now,
			Level:   level.String(),
			Source:  source,
			Message: msg,
		})
	}
}

func (m *Manager) appendFile(source string, now time.Time, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[source]
	if !ok {
		name := filepath.Join(m.dir, fileName(source)+".txt")
		var err error
		f, err = os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		m.files[source] = f
	}
	_, err := fmt.Fprintf(f, "[%s] %s\n", now.Format(fileStampLayout), msg)
	return err
}

// Close closes every open log file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for source, f := range m.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.files, source)
	}
	return firstErr
}

func fileName(source string) string {
	if source == "" {
		return "general"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, source)
}
