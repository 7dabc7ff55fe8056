package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/aluiziolira/go-scrape-reviews/config"
	"github.com/aluiziolira/go-scrape-reviews/models"
	"golang.org/x/sync/errgroup"
)

// TargetRunner performs the whole job for one target.
type TargetRunner interface {
	RunTarget(ctx context.Context, target models.Target) error
}

// Orchestrator runs targets through a bounded worker pool. A failing or
// panicking target never affects the others.
type Orchestrator struct {
	runner    TargetRunner
	workers   int
	jitterMin time.Duration
	jitterMax time.Duration
	metrics   *Metrics
	observer  Observer
	logger    *slog.Logger

	sleep func(context.Context, time.Duration) error
}

// NewOrchestrator builds an orchestrator with the pool size and start jitter from cfg.
func NewOrchestrator(runner TargetRunner, cfg *config.Config, opts ...Option) *Orchestrator {
	o := buildOptions(opts)
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Orchestrator{
		runner:    runner,
		workers:   workers,
		jitterMin: cfg.StartJitterMin,
		jitterMax: cfg.StartJitterMax,
		metrics:   o.metrics,
		observer:  o.observer,
		logger:    o.logger,
		sleep:     sleepCtx,
	}
}

type targetStatus int

const (
	statusSucceeded targetStatus = iota
	statusFailed
	statusSkipped
)

// Run processes every target and returns once all started targets finished.
// After ctx is cancelled no further target starts; those are reported as skipped.
func (o *Orchestrator) Run(ctx context.Context, targets []models.Target) models.RunSummary {
	summary := models.RunSummary{
		Errors:    make(map[string]string),
		StartTime: time.Now(),
	}
	statuses := make([]targetStatus, len(targets))
	errs := make([]error, len(targets))

	o.logger.Info("run started", slog.Int("targets", len(targets)), slog.Int("workers", o.workers))

	var g errgroup.Group
	g.SetLimit(o.workers)
	for i, target := range targets {
		if ctx.Err() != nil {
			statuses[i] = statusSkipped
			continue
		}
		i, target := i, target
		g.Go(func() error {
			statuses[i], errs[i] = o.runOne(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	for i, target := range targets {
		switch statuses[i] {
		case statusSucceeded:
			summary.Succeeded = append(summary.Succeeded, target.Name)
			o.metrics.IncTarget("succeeded")
		case statusFailed:
			summary.Failed = append(summary.Failed, target.Name)
			summary.Errors[target.Name] = errs[i].Error()
			o.metrics.IncTarget("failed")
		case statusSkipped:
			summary.Skipped = append(summary.Skipped, target.Name)
			o.metrics.IncTarget("skipped")
		}
	}
	summary.EndTime = time.Now()

	o.logger.Info("run finished",
		slog.Int("succeeded", len(summary.Succeeded)),
		slog.Int("failed", len(summary.Failed)),
		slog.Int("skipped", len(summary.Skipped)),
		slog.Duration("elapsed", summary.EndTime.Sub(summary.StartTime)),
	)
	return summary
}

func (o *Orchestrator) runOne(ctx context.Context, target models.Target) (targetStatus, error) {
	if err := o.sleep(ctx, o.jitter()); err != nil {
		return statusSkipped, nil
	}
	if ctx.Err() != nil {
		return statusSkipped, nil
	}

	logger := o.logger.With(slog.String("target", target.Name))
	logger.Info("target started")
	o.observer.TargetStarted(target.Name)

	err := o.safeRun(ctx, target)
	o.observer.TargetFinished(target.Name, err)
	if err != nil {
		o.metrics.IncError(err)
		logger.Error("target failed", slog.Any("error", err))
		return statusFailed, err
	}
	logger.Info("target succeeded")
	return statusSucceeded, nil
}

func (o *Orchestrator) safeRun(ctx context.Context, target models.Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &TargetError{Target: target.Name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := o.runner.RunTarget(ctx, target); err != nil {
		return &TargetError{Target: target.Name, Err: err}
	}
	return nil
}

func (o *Orchestrator) jitter() time.Duration {
	if o.jitterMax <= o.jitterMin {
		return o.jitterMin
	}
	return o.jitterMin + time.Duration(rand.Int63n(int64(o.jitterMax-o.jitterMin+1)))
}
