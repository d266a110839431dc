package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	// Must not panic.
	l.Info("ignored", String("k", "v"))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").With(String("comp", "test"))
	l.Warn("task.failed", String("task", "repo_gc"), Int("attempt", 1))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if m["comp"] != "test" || m["task"] != "repo_gc" || m["message"] != "task.failed" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if !strings.HasPrefix(m["caller"].(string), "logger_test.go:") {
		t.Fatalf("caller = %v", m["caller"])
	}
}

func TestWriterLoggerConcurrent(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "info")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.Info("tick", Int("i", i))
		}(i)
	}
	wg.Wait()
	if n := strings.Count(buf.String(), "\n"); n != 16 {
		t.Fatalf("lines = %d, want 16", n)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in, zerolog.InfoLevel); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRepeatedKeysReplaceEarlierValues(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").With(Component("app"), String("env", "qa")).With(Component("journal"))
	l.Info("run recorded", String("env", "production"), Int("run_id", 7))

	line := buf.String()
	for _, key := range []string{`"comp":`, `"env":`} {
		if n := strings.Count(line, key); n != 1 {
			t.Fatalf("%s appears %d times in %s", key, n, line)
		}
	}
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if m["comp"] != "journal" || m["env"] != "production" || m["run_id"] != float64(7) {
		t.Fatalf("fields = %v", m)
	}
}

func TestServiceFileSinkAndApply(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "nested", "housekeeper.log")
	svc, log := New(Config{Level: "warn", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()
	log = log.With(Component("scheduler"))

	log.Info("hidden at warn")
	log.Warn("kept")
	svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	log.Debug("visible after apply")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(raw)
	if strings.Contains(out, "hidden at warn") || !strings.Contains(out, "kept") || !strings.Contains(out, "visible after apply") {
		t.Fatalf("log file = %q", out)
	}
	if !strings.Contains(out, `"comp":"scheduler"`) {
		t.Fatalf("derived fields lost: %q", out)
	}
}
