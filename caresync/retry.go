// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryingWriter executes remote writes with bounded retries and linear
// backoff. Every failure class is retried the same number of times — the
// writer does not distinguish transient network errors from validation
// rejections (kept as the documented source behavior). On exhaustion it
// appends one diagnostic entry and returns the final error.
type RetryingWriter struct {
	store       *Store
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// NewRetryingWriter creates a writer with the config's attempt bound and
// base delay.
func NewRetryingWriter(store *Store, cfg *Config, logger *slog.Logger) *RetryingWriter {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return &RetryingWriter{
		store:       store,
		logger:      logger,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Execute invokes action up to maxAttempts times, waiting baseDelay*attempt
// between attempts. Context cancellation stops the retry loop immediately.
func (w *RetryingWriter) Execute(ctx context.Context, label string, action func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		lastErr = action(ctx)
		if lastErr == nil {
			return nil
		}
		w.logger.Debug("remote write attempt failed",
			"label", label, "attempt", attempt, "error", lastErr)
		if attempt == w.maxAttempts {
			break
		}
		if err := sleepWithContext(ctx, w.baseDelay*time.Duration(attempt)); err != nil {
			return err
		}
	}

	w.logger.Warn("remote write exhausted retries", "label", label, "error", lastErr)
	if logErr := w.store.AppendSyncLog(ctx, fmt.Sprintf(
		"%s failed after %d attempts: %v", label, w.maxAttempts, lastErr)); logErr != nil {
		w.logger.Error("failed to record diagnostic entry", "label", label, "error", logErr)
	}
	return lastErr
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
