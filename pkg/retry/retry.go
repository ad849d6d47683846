// Package retry drives operations that may fail transiently through
// exponential backoff with jitter. Only error kinds the engine marks as
// retryable trigger another attempt; everything else propagates immediately.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mudler/xlog"

	"github.com/semanticarchitectures/multi-agent-collab/core/types"
)

// Config tunes the backoff schedule. The first attempt runs at once; the
// delay before retry k (1-indexed, i.e. attempt k+1) is
// min(MaxDelay, InitialDelay * Base^(k-1)), scaled by a uniform factor in
// [0.5, 1.5] when Jitter is on.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
}

// DefaultConfig returns the standard tool-call retry schedule.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Base:         2,
		Jitter:       true,
	}
}

// NewExponentialBackOff builds the backoff policy for a config. Exposed so
// tests can inspect the raw delay sequence.
func NewExponentialBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Base
	b.MaxElapsedTime = 0
	if cfg.Jitter {
		b.RandomizationFactor = 0.5
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// IsRetryable is the default predicate: engine errors marked retryable.
func IsRetryable(err error) bool {
	return types.IsRetryable(err)
}

// Do runs op until it succeeds, a non-retryable error occurs, the attempt
// budget is exhausted, or ctx is cancelled. Cancellation aborts before the
// next attempt; the last error is returned.
func Do(ctx context.Context, cfg Config, label string, op func() error) error {
	return DoIf(ctx, cfg, label, op, IsRetryable)
}

// DoIf is Do with a custom retryability predicate. The LLM layer uses it to
// retry provider rate limits that the engine error kinds don't cover.
func DoIf(ctx context.Context, cfg Config, label string, op func() error, retryable func(error) bool) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		xlog.Warn("retry.attempt", "op", label, "attempt", attempt, "max_attempts", cfg.MaxAttempts, "delay_ms", delay.Milliseconds(), "error", err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(NewExponentialBackOff(cfg), uint64(cfg.MaxAttempts-1)),
		ctx,
	)
	return backoff.RetryNotify(wrapped, policy, notify)
}
