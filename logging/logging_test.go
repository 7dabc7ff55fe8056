package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupOnceAndFileSink(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	first := Setup(Options{Module: "test", Dir: dir, Console: &console})
	second := Setup(Options{Module: "other", Dir: t.TempDir(), Console: &bytes.Buffer{}})
	if first != second {
		t.Fatalf("Setup should return the same logger on repeated calls")
	}
	if slog.Default() != first {
		t.Fatalf("Setup should install the default logger")
	}

	first.Debug("debug only in file")
	first.Info("visible everywhere", slog.String("k", "v"))
	if err := Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if strings.Contains(console.String(), "debug only in file") {
		t.Fatalf("console should not receive debug records when not verbose")
	}
	if !strings.Contains(console.String(), "visible everywhere") {
		t.Fatalf("console missing info record: %q", console.String())
	}

	raw, err := os.ReadFile(filepath.Join(dir, "test.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(raw), "debug only in file") || !strings.Contains(string(raw), "visible everywhere") {
		t.Fatalf("file sink missing records: %q", raw)
	}
}

func TestFanoutEnabled(t *testing.T) {
	var a, b bytes.Buffer
	h := fanout{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("fanout should be enabled when any handler is")
	}

	slog.New(h).Info("hello")
	if a.Len() != 0 {
		t.Fatalf("warn handler received info record")
	}
	if !strings.Contains(b.String(), "hello") {
		t.Fatalf("debug handler missing record")
	}
}
