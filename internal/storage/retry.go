package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// RetryConfig configures exponential backoff between publish attempts.
type RetryConfig struct {
	MaxRetries    int           // Retries after the first attempt (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 1 second)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 30 seconds)
}

// DefaultRetryConfig returns the default backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// Retrying wraps a Publisher and retries failed publishes with backoff.
type Retrying struct {
	Publisher
	cfg RetryConfig

	attempts atomic.Uint64
	retries  atomic.Uint64
}

// WithRetry wraps p. Zero delays fall back to DefaultRetryConfig.
func WithRetry(p Publisher, cfg RetryConfig) *Retrying {
	def := DefaultRetryConfig()
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Retrying{Publisher: p, cfg: cfg}
}

// Publish retries the wrapped Publish until it succeeds, the retries run out
// or ctx is cancelled. A missing local file is not retried.
//
// Backoff schedule with the defaults: 1s, 2s, 4s, 8s, 16s.
func (r *Retrying) Publish(ctx context.Context, localPath string) (Object, error) {
	if _, err := os.Stat(localPath); err != nil {
		return Object{}, fmt.Errorf("storage: %w", err)
	}

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return Object{}, err
		}

		r.attempts.Add(1)
		obj, err := r.Publisher.Publish(ctx, localPath)
		if err == nil {
			return obj, nil
		}

		slog.Error("storage: publish failed",
			"backend", r.Backend(),
			"path", localPath,
			"error", err,
		)

		attempt++
		if attempt > r.cfg.MaxRetries {
			return Object{}, fmt.Errorf("storage: max retries exceeded (%d attempts): %w", attempt, err)
		}
		r.retries.Add(1)

		delay := calculateBackoff(attempt, r.cfg)
		slog.Warn("storage: retrying publish",
			"attempt", attempt,
			"max_retries", r.cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Object{}, ctx.Err()
		}
	}
}

// Attempts returns the publish attempts made so far, first tries included.
func (r *Retrying) Attempts() uint64 { return r.attempts.Load() }

// Retries returns the attempts made after a failure.
func (r *Retrying) Retries() uint64 { return r.retries.Load() }

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at
// maxRetryDelay.
func calculateBackoff(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxRetryDelay
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
