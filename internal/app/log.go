package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// calsyncHandler is a custom slog.Handler that formats log records as:
//
//	<timestamp>\t<level>\t<opID>\t<message>\t<key=value ...>
//
// Each record is assembled in a buffer and written in one call under a mutex:
// webhook handlers log from concurrent goroutines and interleaved fragments
// would corrupt the line format.
type calsyncHandler struct {
	mu       *sync.Mutex
	w        io.Writer
	opID     string
	minLevel slog.Level
	attrs    []slog.Attr
}

func (h *calsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *calsyncHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	// Millisecond precision: notification bursts land several records within
	// one second.
	fmt.Fprintf(&b, "%s\t%s\t%s\t%s",
		r.Time.UTC().Format("2006-01-02T15:04:05.000Z"), r.Level, h.opID, r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// writeAttr renders one key=value column. Values containing whitespace (error
// strings, mostly) are quoted so they cannot break the tab separation.
func writeAttr(b *strings.Builder, a slog.Attr) {
	v := a.Value.String()
	if strings.ContainsAny(v, " \t\n") {
		fmt.Fprintf(b, "\t%s=%q", a.Key, v)
		return
	}
	fmt.Fprintf(b, "\t%s=%s", a.Key, v)
}

func (h *calsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &calsyncHandler{
		mu:       h.mu,
		w:        h.w,
		opID:     h.opID,
		minLevel: h.minLevel,
		attrs:    append(append([]slog.Attr{}, h.attrs...), attrs...),
	}
}

func (h *calsyncHandler) WithGroup(string) slog.Handler { return h }

// newLogger creates a structured logger that writes to both logDir/calsync.log
// and stderr. Debug records are suppressed unless CALSYNC_DEBUG is set; the
// per-event debug output of a busy sync would otherwise swamp the daemon log.
// It returns the slog.Logger, the open log file (for cleanup), and any error.
func newLogger(logDir string, opID string) (*slog.Logger, *os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	logPath := filepath.Join(logDir, "calsync.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	minLevel := slog.LevelInfo
	if os.Getenv("CALSYNC_DEBUG") != "" {
		minLevel = slog.LevelDebug
	}

	handler := &calsyncHandler{
		mu:       &sync.Mutex{},
		w:        io.MultiWriter(f, os.Stderr),
		opID:     opID,
		minLevel: minLevel,
	}
	return slog.New(handler), f, nil
}

// slogAdapter wraps *slog.Logger to satisfy the calsync.Logger interface.
type slogAdapter struct {
	l *slog.Logger
}

func (a *slogAdapter) Debug(msg string, args ...any) { a.l.Debug(msg, args...) }
func (a *slogAdapter) Info(msg string, args ...any)  { a.l.Info(msg, args...) }
func (a *slogAdapter) Warn(msg string, args ...any)  { a.l.Warn(msg, args...) }
func (a *slogAdapter) Error(msg string, args ...any) { a.l.Error(msg, args...) }
