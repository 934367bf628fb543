package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestSetupWriter(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	SetupWriter(&buf, "WARN")
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at WARN, got %q", buf.String())
	}
	Warn("kept")
	out := decodeLine(t, &buf)
	if out["msg"] != "kept" {
		t.Errorf("Expected msg 'kept', got %v", out["msg"])
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"Trace", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"critical", slog.LevelError},
		{"", slog.LevelInfo},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent("test-comp").Info("hello")

	out := decodeLine(t, &buf)
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithWorker(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))

	WithWorker("python", "w-1").Info("worker msg")

	out := decodeLine(t, &buf)
	if out["runtime"] != "python" {
		t.Errorf("Expected runtime 'python', got %v", out["runtime"])
	}
	if out["worker_id"] != "w-1" {
		t.Errorf("Expected worker_id 'w-1', got %v", out["worker_id"])
	}
}

func TestTraceSink(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(slog.NewJSONHandler(&buf, nil))

	sink := NewTraceSink(l, "worker_id", "w-9").With("stream", "stderr")
	sink.Error("boom", errors.New("exit status 1"))

	out := decodeLine(t, &buf)
	if out["level"] != "ERROR" {
		t.Errorf("Expected level ERROR, got %v", out["level"])
	}
	if out["error"] != "exit status 1" {
		t.Errorf("Expected error field, got %v", out["error"])
	}
	if out["worker_id"] != "w-9" || out["stream"] != "stderr" {
		t.Errorf("Expected sink attrs, got %v", out)
	}
}
