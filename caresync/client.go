// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

// Package caresync implements the local-first synchronization engine for the
// Carelum childcare client. Every mutation completes instantly against a
// durable SQLite store while the remote backend is updated asynchronously by
// background sync tasks with bounded retries, temporary-identifier promotion,
// and reconciliation of server-pushed change events.
package caresync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Kind identifies one logical entity table in the local store.
type Kind string

const (
	KindUser             Kind = "users"
	KindChild            Kind = "children"
	KindChildInstruction Kind = "child_instructions"
	KindSession          Kind = "sessions"
	KindVerification     Kind = "verification_requests"
)

// Kinds lists every entity table the store manages, in creation order.
var Kinds = []Kind{KindUser, KindChild, KindChildInstruction, KindSession, KindVerification}

// Config holds configuration for the sync engine.
type Config struct {
	MaxAttempts    int           // remote write attempts before giving up, e.g. 3
	RetryBaseDelay time.Duration // multiplied by the attempt number, e.g. 300ms
	BackoffMin     time.Duration // bridge reconnect floor, e.g. 1s
	BackoffMax     time.Duration // bridge reconnect ceiling, e.g. 60s
	HTTPTimeout    time.Duration // per-request timeout for the REST gateway
}

// DefaultConfig returns the configuration used by the mobile client.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    3,
		RetryBaseDelay: 300 * time.Millisecond,
		BackoffMin:     1 * time.Second,
		BackoffMax:     60 * time.Second,
		HTTPTimeout:    30 * time.Second,
	}
}

// Store is the device-durable document store. It is authoritative for reads:
// every entity read and write goes through it, and it survives process
// restarts. A Store is opened once per database file and passed by reference
// to every component; there is no ambient global handle.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if needed) the local database at path and
// prepares the entity tables and sync metadata.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY between the foreground path and
	// concurrent background sync tasks.
	db.SetMaxOpenConns(1)

	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close local database: %w", err)
	}
	return nil
}

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	for _, kind := range Kinds {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (
			id                  TEXT NOT NULL,
			is_temporary        INTEGER NOT NULL DEFAULT 0,
			entity              TEXT NOT NULL,
			last_local_write_at TEXT NOT NULL,
			last_remote_sync_at TEXT,
			PRIMARY KEY (id)
		)`, kind)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", kind, err)
		}
	}

	tables := []string{
		// Device info (one row per signed-in user).
		`CREATE TABLE IF NOT EXISTS _sync_device_info (
			user_id    TEXT NOT NULL,
			source_id  TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (user_id)
		)`,

		// Append-only diagnostic trail for exhausted background syncs.
		// Not a retry queue: entries are never replayed automatically.
		`CREATE TABLE IF NOT EXISTS _sync_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			description TEXT NOT NULL
		)`,
	}
	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// EnsureSourceID generates and persists a device source ID if not already
// present for this user.
func (s *Store) EnsureSourceID(ctx context.Context, userID string) (string, error) {
	var sourceID string
	err := s.db.QueryRowContext(ctx,
		`SELECT source_id FROM _sync_device_info WHERE user_id = ?`, userID).Scan(&sourceID)
	if errors.Is(err, sql.ErrNoRows) {
		sourceID = uuid.New().String()
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO _sync_device_info (user_id, source_id) VALUES (?, ?)`, userID, sourceID)
		if err != nil {
			return "", localIOError("insert device info", err)
		}
		return sourceID, nil
	}
	if err != nil {
		return "", localIOError("query device info", err)
	}
	return sourceID, nil
}
