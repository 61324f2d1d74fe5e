package client

import (
	"context"
	"errors"
	"time"

	"github.com/manpreetbhatti/copypaste/internal/store"
)

// RetryConfig controls retry behavior.
type RetryConfig struct {
	MaxAttempts int           // maximum number of attempts; 0 means forever (feed only)
	InitialWait time.Duration // wait before first retry
	MaxWait     time.Duration // maximum wait between retries
	Multiplier  float64       // backoff multiplier
}

// DefaultRetryConfig is used for store requests.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
	}
}

// DefaultReconnectConfig is used by the feed: it never gives up.
func DefaultReconnectConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 0,
		InitialWait: 500 * time.Millisecond,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

type backoff struct {
	cfg  RetryConfig
	wait time.Duration
}

func newBackoff(cfg RetryConfig) *backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &backoff{cfg: cfg, wait: cfg.InitialWait}
}

// Next returns the wait before the next attempt and grows the one after it.
func (b *backoff) Next() time.Duration {
	wait := b.wait
	b.wait = time.Duration(float64(b.wait) * b.cfg.Multiplier)
	if b.cfg.MaxWait > 0 && b.wait > b.cfg.MaxWait {
		b.wait = b.cfg.MaxWait
	}
	return wait
}

func (b *backoff) Reset() { b.wait = b.cfg.InitialWait }

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retryable reports whether err is a transient transport or server failure.
func Retryable(err error) bool {
	return err != nil && errors.Is(err, store.ErrUnavailable)
}

// withRetry runs fn until it succeeds, fails permanently or runs out of attempts.
func withRetry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	b := newBackoff(cfg)
	for attempt := 1; ; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !Retryable(err) || attempt >= attempts {
			return zero, err
		}
		if err := sleep(ctx, b.Next()); err != nil {
			return zero, err
		}
	}
}
