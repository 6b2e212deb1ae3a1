package alarm

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestRaiseEmitsAuditRequiredLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	w := NewWriter(logger)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Raise(Entry{
		TenantID:   "tenant-1",
		RunID:      "run-1",
		Reason:     "no reservation, no object",
		DetectedAt: time.Now(),
	})

	cancel()
	w.Close()

	out := buf.String()
	if !strings.Contains(out, "AUDIT_REQUIRED") {
		t.Fatalf("log output missing AUDIT_REQUIRED token: %s", out)
	}
	if !strings.Contains(out, "run-1") {
		t.Fatalf("log output missing run id: %s", out)
	}
	if !strings.Contains(out, "tenant-1") {
		t.Fatalf("log output missing tenant id: %s", out)
	}
}

func TestRaiseDoesNotBlockWhenBufferFull(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	w := NewWriter(logger)
	// Deliberately do not Start the background loop, so the channel fills.

	done := make(chan struct{})
	go func() {
		for i := 0; i < bufferSize+5; i++ {
			w.Raise(Entry{TenantID: "t", RunID: "r", Reason: "x", DetectedAt: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Raise blocked under buffer overflow")
	}
}
