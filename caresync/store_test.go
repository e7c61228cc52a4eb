// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreReadYourWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	rec := &Record{
		ID:     "s1",
		Entity: json.RawMessage(`{"id":"s1","status":"REQUESTED"}`),
	}
	require.NoError(t, store.Save(ctx, KindSession, rec))

	got, err := store.Get(ctx, KindSession, "s1")
	require.NoError(t, err)
	require.Equal(t, "s1", got.ID)
	require.JSONEq(t, string(rec.Entity), string(got.Entity))
	require.False(t, got.IsTemporary)
	require.Nil(t, got.LastRemoteSyncAt)
	require.False(t, got.LastLocalWriteAt.IsZero())
}

func TestStoreGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), KindChild, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSaveUpsertsByID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Save(ctx, KindChild, &Record{
		ID: "c1", Entity: json.RawMessage(`{"id":"c1","name":"Tom"}`),
	}))
	require.NoError(t, store.Save(ctx, KindChild, &Record{
		ID: "c1", Entity: json.RawMessage(`{"id":"c1","name":"Tommy"}`),
	}))

	records, err := store.GetAll(ctx, KindChild)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Contains(t, string(records[0].Entity), "Tommy")
}

func TestStoreRemove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Save(ctx, KindUser, &Record{
		ID: "u1", Entity: json.RawMessage(`{"id":"u1"}`),
	}))
	require.NoError(t, store.Remove(ctx, KindUser, "u1"))
	_, err := store.Get(ctx, KindUser, "u1")
	require.ErrorIs(t, err, ErrNotFound)

	// Removing a missing record is not an error.
	require.NoError(t, store.Remove(ctx, KindUser, "u1"))
}

func TestStoreMarkSynced(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	tempID := IssueTemporaryID()
	require.NoError(t, store.Save(ctx, KindChild, &Record{
		ID: tempID, IsTemporary: true, Entity: json.RawMessage(`{}`),
	}))

	at := time.Now().UTC()
	require.NoError(t, store.MarkSynced(ctx, KindChild, tempID, at))

	got, err := store.Get(ctx, KindChild, tempID)
	require.NoError(t, err)
	require.False(t, got.IsTemporary)
	require.NotNil(t, got.LastRemoteSyncAt)
	require.WithinDuration(t, at, *got.LastRemoteSyncAt, time.Second)
}

func TestStoreRemoteSyncTimestampRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	syncedAt := time.Date(2025, 3, 14, 9, 26, 53, 589000000, time.UTC)
	require.NoError(t, store.Save(ctx, KindSession, &Record{
		ID:               "s2",
		Entity:           json.RawMessage(`{"id":"s2"}`),
		LastRemoteSyncAt: &syncedAt,
	}))

	got, err := store.Get(ctx, KindSession, "s2")
	require.NoError(t, err)
	require.NotNil(t, got.LastRemoteSyncAt)
	require.True(t, got.LastRemoteSyncAt.Equal(syncedAt))
}

func TestEnsureSourceIDStable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.EnsureSourceID(ctx, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := store.EnsureSourceID(ctx, "user-1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := store.EnsureSourceID(ctx, "user-2")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestSyncLogAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	entries, err := store.SyncLog(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	require.NoError(t, store.AppendSyncLog(ctx, "create children failed after 3 attempts"))
	require.NoError(t, store.AppendSyncLog(ctx, "update sessions/s1 failed after 3 attempts"))

	entries, err = store.SyncLog(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Contains(t, entries[0].Description, "create children")
	require.Contains(t, entries[1].Description, "sessions/s1")
	require.False(t, entries[0].OccurredAt.IsZero())
}
