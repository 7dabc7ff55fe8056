package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/spf13/pflag"
)

func parseCrawlFlags(t *testing.T, maxComments int, args ...string) (*crawlFlags, *pflag.FlagSet) {
	t.Helper()
	var f crawlFlags
	fs := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	f.register(fs, maxComments)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return &f, fs
}

func TestCrawlFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("SCRAPER_WORKERS", "5")
	t.Setenv("SCRAPER_OUTPUT", "/env/out")

	f, fs := parseCrawlFlags(t, 100, "-m", "50", "-w", "3", "--no-full-content")
	cfg, err := f.config(fs)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Workers != 3 {
		t.Fatalf("expected flag to beat env for workers, got %d", cfg.Workers)
	}
	if cfg.OutputDir != "/env/out" {
		t.Fatalf("expected env output dir, got %q", cfg.OutputDir)
	}
	if cfg.MaxComments != 50 {
		t.Fatalf("expected max comments 50, got %d", cfg.MaxComments)
	}
	if cfg.FetchFullContent {
		t.Fatalf("expected full content disabled")
	}
}

func TestSweepDefaultsToLargeTarget(t *testing.T) {
	f, fs := parseCrawlFlags(t, sweepMaxComments)
	cfg, err := f.config(fs)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.MaxComments != sweepMaxComments {
		t.Fatalf("expected %d, got %d", sweepMaxComments, cfg.MaxComments)
	}
}

func TestCrawlFlagsCookieFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookie.txt")
	if err := os.WriteFile(path, []byte("  bid=abc;\n dbcl2=xyz\n"), 0o644); err != nil {
		t.Fatalf("write cookie: %v", err)
	}
	f, fs := parseCrawlFlags(t, 100, "-c", path)
	cfg, err := f.config(fs)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Cookie != "bid=abc; dbcl2=xyz" {
		t.Fatalf("unexpected cookie %q", cfg.Cookie)
	}
}

func TestCrawlFlagsRejectInvalid(t *testing.T) {
	f, fs := parseCrawlFlags(t, 100, "--page-size", "0")
	if _, err := f.config(fs); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestPrintSummary(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	summary := models.RunSummary{
		Succeeded: []string{"三体"},
		Failed:    []string{"活着"},
		Errors:    map[string]string{"活着": "resolve book id: no search result"},
		StartTime: start,
		EndTime:   start.Add(1500 * time.Millisecond),
	}
	targets := []models.Target{{Name: "三体", BookID: "2567698"}, {Name: "活着"}}

	var buf bytes.Buffer
	printSummary(&buf, targets, summary)
	out := buf.String()

	for _, want := range []string{"三体", "2567698", "ok", "failed", "no search result", "1 ok / 1 failed / 0 skipped", "1.5s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "三体") > strings.Index(out, "活着") {
		t.Fatalf("rows should follow input order:\n%s", out)
	}
}
