package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %v (%q)", err, line)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "carechatd.log")

	logger, err := New(path, "main", "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	logger.Info("outbox drained")
	_ = logger.Sync()

	entries := readEntries(t, path)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e["msg"] != "outbox drained" {
		t.Errorf("msg = %v, want outbox drained", e["msg"])
	}
	if e["instance"] != "main" {
		t.Errorf("instance = %v, want main", e["instance"])
	}
	if pid, _ := e["pid"].(float64); int(pid) != os.Getpid() {
		t.Errorf("pid = %v, want %d", e["pid"], os.Getpid())
	}
	if _, ok := e["ts"]; !ok {
		t.Error("missing ts field")
	}
}

func TestLevelFiltersEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carechatd.log")

	logger, err := New(path, "main", "warn")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("probe ok")
	logger.Warn("drain failed")
	_ = logger.Sync()

	entries := readEntries(t, path)
	if len(entries) != 1 || entries[0]["msg"] != "drain failed" {
		t.Errorf("entries = %v, want only the warning", entries)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x.log"), "main", "chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
