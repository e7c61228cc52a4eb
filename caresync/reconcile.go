// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Dependent declares a record kind whose documents reference another kind's
// id through a foreign-key field, e.g. child_instructions.child_id.
type Dependent struct {
	Kind  Kind
	Field string
}

// RewrittenRef identifies a dependent record whose foreign-key field was
// rewritten during a promotion. The caller re-syncs these so the backend
// learns the corrected reference too.
type RewrittenRef struct {
	Kind Kind
	ID   string
}

// Reconciler promotes temporary identifiers to the real ids assigned by the
// remote backend, rewriting every dependent reference in the same logical
// step. Promotion is idempotent: re-running it after a partial failure
// converges to the same end state.
type Reconciler struct {
	store  *Store
	logger *slog.Logger
}

// NewReconciler creates a reconciler over the local store.
func NewReconciler(store *Store, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger}
}

// Promote replaces the temporary record with realRecord under its real id
// and rewrites every dependent document whose declared field still equals
// tempID. All steps run in one transaction: after Promote returns no record
// anywhere in the store references tempID. The returned refs name every
// dependent record the rewrite touched.
func (r *Reconciler) Promote(ctx context.Context, kind Kind, tempID string, realRecord *Record, dependents []Dependent) ([]RewrittenRef, error) {
	if realRecord.ID == "" || IsTemporaryID(realRecord.ID) {
		return nil, fmt.Errorf("promotion requires a real id, got %q", realRecord.ID)
	}
	if realRecord.LastLocalWriteAt.IsZero() {
		realRecord.LastLocalWriteAt = time.Now().UTC()
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, localIOError("begin promotion", err)
	}
	defer tx.Rollback()

	// (a) Delete the temporary record. A missing row is fine: a previous
	// partially-completed promotion may already have removed it.
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM "%s" WHERE id = ?`, kind), tempID); err != nil {
		return nil, localIOError(fmt.Sprintf("delete temporary %s/%s", kind, tempID), err)
	}

	// (b) Insert the real record.
	realRecord.IsTemporary = false
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO "%s" (id, is_temporary, entity, last_local_write_at, last_remote_sync_at)
		 VALUES (?, 0, ?, ?, ?)`, kind),
		realRecord.ID, string(realRecord.Entity),
		realRecord.LastLocalWriteAt.UTC().Format(rfc3339Milli),
		nullableTime(realRecord.LastRemoteSyncAt)); err != nil {
		return nil, localIOError(fmt.Sprintf("insert promoted %s/%s", kind, realRecord.ID), err)
	}

	// (c) Rewrite dependent foreign keys.
	var refs []RewrittenRef
	for _, dep := range dependents {
		ids, err := rewriteDependents(ctx, tx, dep, tempID, realRecord.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			refs = append(refs, RewrittenRef{Kind: dep.Kind, ID: id})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, localIOError("commit promotion", err)
	}
	r.logger.Debug("promoted temporary id", "kind", kind, "temp_id", tempID, "real_id", realRecord.ID)
	return refs, nil
}

// rewriteDependents updates every document of dep.Kind whose dep.Field equals
// tempID (or contains it, for list-valued fields) to reference realID, and
// returns the ids of the rewritten records.
func rewriteDependents(ctx context.Context, tx *sql.Tx, dep Dependent, tempID, realID string) ([]string, error) {
	// LIKE narrows the candidate set; the field match is verified in Go so a
	// substring hit in an unrelated field never causes a rewrite.
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, entity FROM "%s" WHERE entity LIKE '%%' || ? || '%%'`, dep.Kind), tempID)
	if err != nil {
		return nil, localIOError(fmt.Sprintf("scan dependents %s", dep.Kind), err)
	}

	type rewrite struct {
		id     string
		entity string
	}
	var rewrites []rewrite
	for rows.Next() {
		var id, entity string
		if err := rows.Scan(&id, &entity); err != nil {
			rows.Close()
			return nil, localIOError(fmt.Sprintf("scan dependent %s", dep.Kind), err)
		}
		updated, changed, err := rewriteField([]byte(entity), dep.Field, tempID, realID)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to rewrite %s/%s field %s: %w", dep.Kind, id, dep.Field, err)
		}
		if changed {
			rewrites = append(rewrites, rewrite{id: id, entity: string(updated)})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, localIOError(fmt.Sprintf("iterate dependents %s", dep.Kind), err)
	}
	rows.Close()

	ids := make([]string, 0, len(rewrites))
	for _, rw := range rewrites {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE "%s" SET entity = ?, last_local_write_at = ? WHERE id = ?`, dep.Kind),
			rw.entity, time.Now().UTC().Format(rfc3339Milli), rw.id); err != nil {
			return nil, localIOError(fmt.Sprintf("rewrite dependent %s/%s", dep.Kind, rw.id), err)
		}
		ids = append(ids, rw.id)
	}
	return ids, nil
}

// rewriteField replaces tempID with realID in the named top-level field.
// The field may be a string or a list of strings (e.g. session child_ids).
func rewriteField(entity []byte, field, tempID, realID string) ([]byte, bool, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(entity, &doc); err != nil {
		return nil, false, fmt.Errorf("failed to parse document: %w", err)
	}
	raw, ok := doc[field]
	if !ok {
		return entity, false, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s != tempID {
			return entity, false, nil
		}
		doc[field] = mustMarshal(realID)
		out, err := json.Marshal(doc)
		return out, true, err
	}

	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		changed := false
		for i, v := range list {
			if v == tempID {
				list[i] = realID
				changed = true
			}
		}
		if !changed {
			return entity, false, nil
		}
		doc[field] = mustMarshal(list)
		out, err := json.Marshal(doc)
		return out, true, err
	}

	return entity, false, nil
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err) // strings and string slices cannot fail to marshal
	}
	return b
}
