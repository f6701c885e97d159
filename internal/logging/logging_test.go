package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"WARN", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if tc.wantErr != (err != nil) {
			t.Errorf("ParseLevel(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if shouldRedact(a.Key) {
				a.Value = slog.StringValue("[REDACTED]")
			}
			return a
		},
	})
	logger := slog.New(handler)
	logger.Info("subscribed", "server_key", "BNx...secret", "group", "articles")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if record["server_key"] != "[REDACTED]" {
		t.Errorf("server_key not redacted: %v", record["server_key"])
	}
	if record["group"] != "articles" {
		t.Errorf("benign attribute altered: %v", record["group"])
	}
}

func TestFileRotation(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "tetherd.log")

	r, err := NewFileRotator(path, 1, 2)
	if err != nil {
		t.Fatalf("NewFileRotator failed: %v", err)
	}
	defer r.Close()

	// Force rotation by pretending the file is already at the limit.
	r.size = 2 * 1024 * 1024
	if _, err := r.Write([]byte("after rotation\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	rotated, err := filepath.Glob(filepath.Join(tmpDir, "tetherd-*.log"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(rotated) != 1 {
		t.Errorf("expected 1 rotated file, got %d", len(rotated))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read current log: %v", err)
	}
	if !strings.Contains(string(data), "after rotation") {
		t.Error("post-rotation write missing from current file")
	}
}

func TestNewWithComponent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Output = "stderr"
	cfg.Component = "queue"

	l, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	child := l.WithComponent("cache")
	if child.Logger == nil {
		t.Fatal("child logger is nil")
	}
}
