package scraper

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryPolicy bounds how often a network failure is retried and how long to wait
// between attempts.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := p.Max; max > 0 && (delay > max || delay <= 0) {
		delay = max
	}
	return delay
}

// fetchWithRetry retries NetworkErrors only. HTTP errors and context
// cancellation are returned on the first occurrence.
func fetchWithRetry(ctx context.Context, f PageFetcher, policy RetryPolicy, metrics *Metrics, logger *slog.Logger, req Request) (*Page, error) {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := f.Fetch(ctx, req)
		if err == nil {
			return page, nil
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) || attempt > policy.MaxRetries {
			return nil, err
		}

		delay := policy.backoff(attempt)
		metrics.IncRetries()
		logger.Warn("retrying request",
			slog.String("url", req.URL),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
