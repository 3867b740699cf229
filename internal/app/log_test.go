package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestBoxHandler_Handle(t *testing.T) {
	ts := time.Date(2025, 3, 20, 9, 45, 30, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "op-123",
			level:   slog.LevelInfo,
			message: "directory committed",
			want:    "2025-03-20T09:45:30Z\tINFO\top-123\tdirectory committed\n",
		},
		{
			name:    "warn level",
			opID:    "op-456",
			level:   slog.LevelWarn,
			message: "folder refresh failed",
			want:    "2025-03-20T09:45:30Z\tWARN\top-456\tfolder refresh failed\n",
		},
		{
			name:    "with record attrs",
			opID:    "op-789",
			level:   slog.LevelInfo,
			message: "document created",
			attrs:   []slog.Attr{slog.String("name", "notes.txt"), slog.Bool("folder", false)},
			want:    "2025-03-20T09:45:30Z\tINFO\top-789\tdocument created\tname=notes.txt\tfolder=false\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &boxHandler{w: &buf, opID: tt.opID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() wrote %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBoxHandler_LevelGate(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(&boxHandler{w: &buf, min: slog.LevelInfo, opID: "op-1"})

	logger.Debug("noisy detail")
	if buf.Len() != 0 {
		t.Errorf("debug record emitted below the minimum level: %q", buf.String())
	}

	logger.Info("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Errorf("info record missing, got %q", buf.String())
	}
}

func TestBoxHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := &boxHandler{w: &buf, opID: "op-1"}
	h := base.WithAttrs([]slog.Attr{slog.String("prefix", "p1")})

	ts := time.Date(2025, 3, 20, 9, 45, 30, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "started", 0)
	if err := h.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	want := "2025-03-20T09:45:30Z\tINFO\top-1\tstarted\tprefix=p1\n"
	if got := buf.String(); got != want {
		t.Errorf("Handle() wrote %q, want %q", got, want)
	}

	// The base handler is unchanged.
	buf.Reset()
	if err := base.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got := buf.String(); got != "2025-03-20T09:45:30Z\tINFO\top-1\tstarted\n" {
		t.Errorf("base handler wrote %q", got)
	}
}
