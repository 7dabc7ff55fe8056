package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/models"
	"github.com/google/go-cmp/cmp"
)

type runnerFunc func(ctx context.Context, target models.Target) error

func (f runnerFunc) RunTarget(ctx context.Context, target models.Target) error { return f(ctx, target) }

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished map[string]error
	accepted map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{finished: make(map[string]error), accepted: make(map[string]int)}
}

func (r *recordingObserver) TargetStarted(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, target)
}

func (r *recordingObserver) RecordAccepted(target, stream string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accepted[target+"/"+stream]++
}

func (r *recordingObserver) TargetFinished(target string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[target] = err
}

func targetsNamed(names ...string) []models.Target {
	out := make([]models.Target, len(names))
	for i, name := range names {
		out[i] = models.Target{Name: name}
	}
	return out
}

func TestOrchestratorIsolatesFailures(t *testing.T) {
	runner := runnerFunc(func(_ context.Context, target models.Target) error {
		switch target.Name {
		case "bad":
			return errors.New("comments: connection refused")
		case "boom":
			panic("extractor exploded")
		}
		return nil
	})
	cfg := testConfig()
	cfg.Workers = 3
	obs := newRecordingObserver()
	metrics := NewMetrics()

	summary := NewOrchestrator(runner, cfg, WithObserver(obs), WithMetrics(metrics)).
		Run(context.Background(), targetsNamed("a", "bad", "boom", "d"))

	if diff := cmp.Diff([]string{"a", "d"}, summary.Succeeded); diff != "" {
		t.Fatalf("succeeded (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"bad", "boom"}, summary.Failed); diff != "" {
		t.Fatalf("failed (-want +got):\n%s", diff)
	}
	if len(summary.Skipped) != 0 || summary.OK() {
		t.Fatalf("skipped=%v ok=%v", summary.Skipped, summary.OK())
	}
	if !strings.Contains(summary.Errors["boom"], "panic") {
		t.Fatalf("panic not recorded: %q", summary.Errors["boom"])
	}
	if !strings.Contains(summary.Errors["bad"], "connection refused") {
		t.Fatalf("error not recorded: %q", summary.Errors["bad"])
	}

	var targetErr *TargetError
	if !errors.As(obs.finished["bad"], &targetErr) || targetErr.Target != "bad" {
		t.Fatalf("observer should receive a TargetError, got %v", obs.finished["bad"])
	}
	if obs.finished["a"] != nil {
		t.Fatalf("a should finish without error")
	}
	if got := counterValue(t, metrics, "scraper_targets_total"); got != 4 {
		t.Fatalf("targets metric=%v, want 4", got)
	}
}

func TestOrchestratorBoundsConcurrency(t *testing.T) {
	var active, peak int32
	runner := runnerFunc(func(context.Context, models.Target) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return nil
	})
	cfg := testConfig()
	cfg.Workers = 2

	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("book-%d", i)
	}
	summary := NewOrchestrator(runner, cfg).Run(context.Background(), targetsNamed(names...))

	if len(summary.Succeeded) != 8 {
		t.Fatalf("succeeded=%d, want 8", len(summary.Succeeded))
	}
	if peak > 2 {
		t.Fatalf("peak concurrency=%d, want <= 2", peak)
	}
}

func TestOrchestratorCancellationSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	runner := runnerFunc(func(context.Context, models.Target) error {
		atomic.AddInt32(&calls, 1)
		cancel()
		return nil
	})
	cfg := testConfig()
	cfg.Workers = 1

	summary := NewOrchestrator(runner, cfg).Run(ctx, targetsNamed("first", "second", "third"))

	if calls != 1 {
		t.Fatalf("runner calls=%d, want 1", calls)
	}
	if diff := cmp.Diff([]string{"first"}, summary.Succeeded); diff != "" {
		t.Fatalf("succeeded (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"second", "third"}, summary.Skipped); diff != "" {
		t.Fatalf("skipped (-want +got):\n%s", diff)
	}
	if summary.Total() != 3 {
		t.Fatalf("total=%d, want 3", summary.Total())
	}
}

func TestOrchestratorStartJitter(t *testing.T) {
	cfg := testConfig()
	cfg.StartJitterMin = 500 * time.Millisecond
	cfg.StartJitterMax = 2 * time.Second

	o := NewOrchestrator(runnerFunc(func(context.Context, models.Target) error { return nil }), cfg)
	var mu sync.Mutex
	var waits []time.Duration
	o.sleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		defer mu.Unlock()
		waits = append(waits, d)
		return nil
	}

	o.Run(context.Background(), targetsNamed("a", "b", "c"))
	if len(waits) != 3 {
		t.Fatalf("waits=%d, want 3", len(waits))
	}
	for _, d := range waits {
		if d < cfg.StartJitterMin || d > cfg.StartJitterMax {
			t.Fatalf("jitter %v outside [%v, %v]", d, cfg.StartJitterMin, cfg.StartJitterMax)
		}
	}
}
