// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"fmt"
	"time"
)

// PendingSyncEntry is one row of the append-only diagnostic trail written
// when a background sync exhausts its retries. Entries are not replayed
// automatically; they exist for support tooling and the `diag` command.
type PendingSyncEntry struct {
	OccurredAt  time.Time
	Description string
}

// AppendSyncLog records a diagnostic entry.
func (s *Store) AppendSyncLog(ctx context.Context, description string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO _sync_log (occurred_at, description) VALUES (?, ?)`,
		time.Now().UTC().Format(rfc3339Milli), description)
	if err != nil {
		return localIOError("append sync log", err)
	}
	return nil
}

// SyncLog returns all diagnostic entries, oldest first.
func (s *Store) SyncLog(ctx context.Context) ([]PendingSyncEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at, description FROM _sync_log ORDER BY id`)
	if err != nil {
		return nil, localIOError("query sync log", err)
	}
	defer rows.Close()

	var entries []PendingSyncEntry
	for rows.Next() {
		var occurredAt, description string
		if err := rows.Scan(&occurredAt, &description); err != nil {
			return nil, localIOError("scan sync log", err)
		}
		t, err := parseStoredTime(occurredAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse sync log timestamp: %w", err)
		}
		entries = append(entries, PendingSyncEntry{OccurredAt: t, Description: description})
	}
	if err := rows.Err(); err != nil {
		return nil, localIOError("iterate sync log", err)
	}
	return entries, nil
}
