package scheduler

import (
	"context"
	"fmt"
	"time"
)

const (
	defaultRetryBatchSize  = 50
	defaultRetryRunTimeout = 2 * time.Minute
)

// Retrier re-sends failed outbound messages whose retry time has passed.
type Retrier interface {
	RetryFailed(ctx context.Context, limit int) (int, error)
}

type RetryWorkerConfig struct {
	Schedule   Schedule
	BatchSize  int
	RunTimeout time.Duration
}

// RetryWorker drives delivery retries on a cron schedule.
type RetryWorker struct {
	Retrier Retrier
	Config  RetryWorkerConfig
	Now     func() time.Time
	Logf    func(string, ...any)
}

func NewRetryWorker(retrier Retrier, cfg RetryWorkerConfig) *RetryWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultRetryBatchSize
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRetryRunTimeout
	}

	return &RetryWorker{
		Retrier: retrier,
		Config:  cfg,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Start runs until ctx ends.
func (w *RetryWorker) Start(ctx context.Context) {
	for {
		now := w.now()
		delay := w.Config.Schedule.Next(now).Sub(now)
		if err := sleepWithContext(ctx, delay); err != nil {
			return
		}
		if sent, err := w.RunOnce(ctx); err != nil {
			w.logf("retry worker run failed: %v", err)
		} else if sent > 0 {
			w.logf("retry worker re-sent %d message(s)", sent)
		}
	}
}

// RunOnce retries one batch and reports how many messages were sent.
func (w *RetryWorker) RunOnce(ctx context.Context) (int, error) {
	if w == nil || w.Retrier == nil {
		return 0, fmt.Errorf("retry worker is not configured")
	}

	runCtx, cancel := context.WithTimeout(ctx, w.Config.RunTimeout)
	defer cancel()

	sent, err := w.Retrier.RetryFailed(runCtx, w.Config.BatchSize)
	if err != nil {
		return sent, fmt.Errorf("failed to retry outbound messages: %w", err)
	}
	return sent, nil
}

func (w *RetryWorker) logf(format string, args ...any) {
	if w.Logf != nil {
		w.Logf(format, args...)
	}
}

func (w *RetryWorker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
