// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Record is the envelope the store keeps for every entity. Entity holds the
// typed document as JSON; the envelope tracks sync state around it.
type Record struct {
	ID               string
	IsTemporary      bool
	Entity           json.RawMessage
	LastLocalWriteAt time.Time
	LastRemoteSyncAt *time.Time // nil until the first successful remote write
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, kind Kind, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, is_temporary, entity, last_local_write_at, last_remote_sync_at
		 FROM "%s" WHERE id = ?`, kind), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, localIOError(fmt.Sprintf("get %s/%s", kind, id), err)
	}
	return rec, nil
}

// GetAll returns every record of the given kind.
func (s *Store) GetAll(ctx context.Context, kind Kind) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, is_temporary, entity, last_local_write_at, last_remote_sync_at
		 FROM "%s" ORDER BY id`, kind))
	if err != nil {
		return nil, localIOError(fmt.Sprintf("list %s", kind), err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, localIOError(fmt.Sprintf("scan %s", kind), err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, localIOError(fmt.Sprintf("iterate %s", kind), err)
	}
	return records, nil
}

// Save upserts the record by id. The write is atomic; concurrent background
// tasks and the foreground path can both call Save without lost updates.
func (s *Store) Save(ctx context.Context, kind Kind, rec *Record) error {
	if rec.ID == "" {
		return localIOError(fmt.Sprintf("save %s", kind), errors.New("record id is empty"))
	}
	if rec.LastLocalWriteAt.IsZero() {
		rec.LastLocalWriteAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO "%s" (id, is_temporary, entity, last_local_write_at, last_remote_sync_at)
		 VALUES (?, ?, ?, ?, ?)`, kind),
		rec.ID, boolToInt(rec.IsTemporary), string(rec.Entity),
		rec.LastLocalWriteAt.UTC().Format(rfc3339Milli), nullableTime(rec.LastRemoteSyncAt))
	if err != nil {
		return localIOError(fmt.Sprintf("save %s/%s", kind, rec.ID), err)
	}
	return nil
}

// Remove deletes the record with the given id. Removing a missing record is
// not an error.
func (s *Store) Remove(ctx context.Context, kind Kind, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, kind), id)
	if err != nil {
		return localIOError(fmt.Sprintf("remove %s/%s", kind, id), err)
	}
	return nil
}

// MarkSynced stamps last_remote_sync_at for the record, clearing the
// temporary flag. Used after a successful remote update of an existing id.
func (s *Store) MarkSynced(ctx context.Context, kind Kind, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE "%s" SET is_temporary = 0, last_remote_sync_at = ? WHERE id = ?`, kind),
		at.UTC().Format(rfc3339Milli), id)
	if err != nil {
		return localIOError(fmt.Sprintf("mark synced %s/%s", kind, id), err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec      Record
		isTemp   int
		entity   string
		localAt  string
		remoteAt sql.NullString
	)
	if err := row.Scan(&rec.ID, &isTemp, &entity, &localAt, &remoteAt); err != nil {
		return nil, err
	}
	rec.IsTemporary = isTemp != 0
	rec.Entity = json.RawMessage(entity)
	t, err := parseStoredTime(localAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_local_write_at: %w", err)
	}
	rec.LastLocalWriteAt = t
	if remoteAt.Valid {
		rt, err := parseStoredTime(remoteAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_remote_sync_at: %w", err)
		}
		rec.LastRemoteSyncAt = &rt
	}
	return &rec, nil
}

func parseStoredTime(s string) (time.Time, error) {
	if t, err := time.Parse(rfc3339Milli, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(rfc3339Milli)
}
