// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	return cfg
}

func TestRetryingWriterExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	writer := NewRetryingWriter(store, fastConfig(), nil)

	boom := errors.New("backend down")
	calls := 0
	err := writer.Execute(ctx, "create children", func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)

	entries, err := store.SyncLog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Contains(t, entries[0].Description, "create children")
	require.Contains(t, entries[0].Description, "3 attempts")
}

func TestRetryingWriterSucceedsMidway(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	writer := NewRetryingWriter(store, fastConfig(), nil)

	calls := 0
	err := writer.Execute(ctx, "update sessions/s1", func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	entries, err := store.SyncLog(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRetryingWriterRetriesRejectionsTheSame(t *testing.T) {
	// The writer does not distinguish error classes: a rejected write burns
	// the same number of attempts as a network failure.
	ctx := context.Background()
	store := newTestStore(t)
	writer := NewRetryingWriter(store, fastConfig(), nil)

	calls := 0
	err := writer.Execute(ctx, "update children/c1", func(context.Context) error {
		calls++
		return &Error{Code: CodeWriteRejected, Op: "update children/c1", Status: 422}
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryingWriterStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Hour // cancellation must win over the backoff
	writer := NewRetryingWriter(store, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := writer.Execute(ctx, "delete sessions/s1", func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
