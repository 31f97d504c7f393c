package app

import (
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// newTestHandler writes to buf; the handler's own mutex serializes writes, so
// a bare builder is safe even in the concurrency test.
func newTestHandler(buf *strings.Builder, minLevel slog.Level) *calsyncHandler {
	return &calsyncHandler{
		mu:       &sync.Mutex{},
		w:        buf,
		opID:     "20250106T103000Z",
		minLevel: minLevel,
	}
}

func TestHandlerLineFormat(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(newTestHandler(&buf, slog.LevelInfo))

	logger.Info("event moved", "tenant", "t1", "key", "evt#2025-01-06T15:00:00Z#google#ev-1")

	line := strings.TrimSuffix(buf.String(), "\n")
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		t.Fatalf("fields = %d (%q), want 6", len(fields), line)
	}
	if _, err := time.Parse("2006-01-02T15:04:05.000Z", fields[0]); err != nil {
		t.Errorf("timestamp %q: %v", fields[0], err)
	}
	if fields[1] != "INFO" || fields[2] != "20250106T103000Z" || fields[3] != "event moved" {
		t.Errorf("header fields = %v", fields[1:4])
	}
	if fields[4] != "tenant=t1" {
		t.Errorf("attr field = %q", fields[4])
	}
}

func TestHandlerQuotesWhitespaceValues(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(newTestHandler(&buf, slog.LevelInfo))

	logger.Error("upserting event", "error", "moving event: concurrent modification")

	line := strings.TrimSuffix(buf.String(), "\n")
	fields := strings.Split(line, "\t")
	if len(fields) != 5 {
		t.Fatalf("whitespace value broke tab separation: %q", line)
	}
	if fields[4] != `error="moving event: concurrent modification"` {
		t.Errorf("attr field = %q, want quoted value", fields[4])
	}
}

func TestHandlerLevelGate(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(newTestHandler(&buf, slog.LevelInfo))

	logger.Debug("event inserted", "tenant", "t1")
	if buf.Len() != 0 {
		t.Errorf("debug record emitted below min level: %q", buf.String())
	}

	logger.Info("subscription created")
	if buf.Len() == 0 {
		t.Error("info record suppressed")
	}
}

func TestHandlerConcurrentWritesKeepLinesIntact(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(newTestHandler(&buf, slog.LevelInfo))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("notification processed", "channel", "chan-1", "error", "context deadline exceeded")
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("lines = %d, want 20", len(lines))
	}
	for _, line := range lines {
		if got := len(strings.Split(line, "\t")); got != 6 {
			t.Errorf("interleaved line (%d fields): %q", got, line)
		}
	}
}

func TestHandlerWithAttrsPrefixesEveryRecord(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(newTestHandler(&buf, slog.LevelInfo)).With("operation", "Serve")

	logger.Info("subscription renewed", "tenant", "t1")

	line := strings.TrimSuffix(buf.String(), "\n")
	fields := strings.Split(line, "\t")
	if len(fields) != 6 {
		t.Fatalf("fields = %d (%q), want 6", len(fields), line)
	}
	if fields[4] != "operation=Serve" || fields[5] != "tenant=t1" {
		t.Errorf("attr fields = %v, want pre-set attr first", fields[4:])
	}
}
