// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Config configures backoff behavior.
type Config struct {
	MaxAttempts int           // including the first, default 5
	Base        time.Duration // delay after the first failure, default 1s
	Factor      float64       // backoff multiplier, default 2
	Max         time.Duration // delay cap, default 30s
	Jitter      bool
}

// DefaultConfig matches the dispatcher's delivery policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Base:        time.Second,
		Factor:      2,
		Max:         30 * time.Second,
		Jitter:      true,
	}
}

// Do runs op until it succeeds, a non-retryable error occurs, the attempt
// budget runs out, or ctx is cancelled. retryable decides whether an error
// is transient; a nil retryable retries everything. onRetry, if set, is
// called before each sleep with the attempt number and error.
func Do(ctx context.Context, cfg Config, op func() error, retryable func(error) bool, onRetry func(attempt int, err error)) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Base <= 0 {
		cfg.Base = time.Second
	}
	if cfg.Factor <= 0 {
		cfg.Factor = 2
	}
	if cfg.Max <= 0 {
		cfg.Max = 30 * time.Second
	}

	delay := cfg.Base
	var err error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = op()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if onRetry != nil {
			onRetry(attempt, err)
		}

		sleep := delay
		if cfg.Jitter {
			sleep = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.Factor)
		if delay > cfg.Max {
			delay = cfg.Max
		}
	}

	return err
}
