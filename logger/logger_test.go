package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

type entry struct {
	level   string
	msg     string
	keyvals []any
}

type recordingLogger struct{ entries []entry }

func (r *recordingLogger) add(level, msg string, kv []any) {
	r.entries = append(r.entries, entry{level, msg, kv})
}
func (r *recordingLogger) Debug(msg string, kv ...any) { r.add("debug", msg, kv) }
func (r *recordingLogger) Info(msg string, kv ...any)  { r.add("info", msg, kv) }
func (r *recordingLogger) Warn(msg string, kv ...any)  { r.add("warn", msg, kv) }
func (r *recordingLogger) Error(msg string, kv ...any) { r.add("error", msg, kv) }

func TestWithPrependsFields(t *testing.T) {
	rec := &recordingLogger{}
	l := With(With(rec, "component", "cache"), "tenant", "t1")
	l.Warn("reload failed", "error", "boom")

	if len(rec.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(rec.entries))
	}
	got := rec.entries[0].keyvals
	want := []any{"component", "cache", "tenant", "t1", "error", "boom"}
	if len(got) != len(want) {
		t.Fatalf("keyvals = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keyvals = %v, want %v", got, want)
		}
	}
	if _, ok := With(nil, "a", 1).(*NullLogger); !ok {
		t.Fatalf("With(nil) must return a NullLogger")
	}
}

func TestLevelFilter(t *testing.T) {
	rec := &recordingLogger{}
	l := LevelFilter(rec, ParseLevel("warn"))
	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e")
	if len(rec.entries) != 2 || rec.entries[0].level != "warn" || rec.entries[1].level != "error" {
		t.Fatalf("unexpected entries %+v", rec.entries)
	}
	if ParseLevel("verbose") != LevelInfo {
		t.Fatalf("unknown levels default to info")
	}
}

func TestSLogLogger(t *testing.T) {
	var buf bytes.Buffer
	h := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	l := NewSLogLogger(slog.New(h))
	l.Debug("hidden")
	l.Warn("refresh failed", "tenant", "t1", "error", errors.New("store down"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["msg"] != "refresh failed" || out["level"] != "WARN" || out["tenant"] != "t1" || out["error"] != "store down" {
		t.Fatalf("unexpected record %v", out)
	}
}
