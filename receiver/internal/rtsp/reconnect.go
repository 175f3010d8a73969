package rtsp

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BackoffConfig bounds the reconnect schedule.
type BackoffConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultBackoff is the reconnect schedule used by the RTSP source:
// 1s, 2s, 4s, 8s, 16s, then give up.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxRetries: 5,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Delay returns the backoff delay before the given attempt (1-based),
// doubling from BaseDelay and capped at MaxDelay.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	d := c.BaseDelay * time.Duration(1<<uint(attempt-1))
	if d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// RunWithBackoff calls connect until it succeeds, retrying with exponential
// backoff up to cfg.MaxRetries failures. Returns nil once connect succeeds,
// the context error on cancellation, or a final error when retries are
// exhausted.
func RunWithBackoff(ctx context.Context, connect func(context.Context) error, cfg BackoffConfig) error {
	for attempt := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		if err == nil {
			return nil
		}
		slog.Error("rtsp: connection attempt failed", "error", err)

		attempt++
		if attempt > cfg.MaxRetries {
			return fmt.Errorf("rtsp: giving up after %d attempts: %w", cfg.MaxRetries, err)
		}

		delay := cfg.Delay(attempt)
		slog.Warn("rtsp: retrying connection",
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
