package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelInfo)

	log.With("peer", "ab12").Info("relay started", "bytes", 42)

	line := buf.String()
	if !strings.Contains(line, "[INF] relay started") {
		t.Errorf("missing level/message: %q", line)
	}

	if !strings.Contains(line, "peer=ab12") || !strings.Contains(line, "bytes=42") {
		t.Errorf("missing attributes: %q", line)
	}
}

func TestHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, slog.LevelWarn)

	log.Info("hidden")
	log.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info record emitted below warn level")
	}

	if !strings.Contains(buf.String(), "[WRN] shown") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}

	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRecorderCount(t *testing.T) {
	rec, log := NewRecorder()

	log.With("conn", 1).Error("verification failed")
	log.Info("verification failed")
	log.Info("other")

	if got := rec.Count("verification failed"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}

	first := rec.Records()[0]
	if first.Level != slog.LevelError || first.Attrs["conn"] != int64(1) {
		t.Errorf("unexpected first record: %+v", first)
	}
}
