// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Engine composes the store, allocator, reconciler, retrying writer, worker
// and gateway into the surface the entity services build on. A mutation
// commits locally and returns before its background sync task runs; remote
// failures never surface to the caller (the documented responsiveness
// tradeoff), they only reach the diagnostic trail.
type Engine struct {
	store      *Store
	alloc      *Allocator
	reconciler *Reconciler
	writer     *RetryingWriter
	worker     *SyncWorker
	gateway    Gateway
	logger     *slog.Logger
}

// NewEngine wires an engine over an open store and gateway. Background
// tasks are children of parent and stop when it is cancelled or Close runs.
func NewEngine(parent context.Context, store *Store, gateway Gateway, cfg *Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		store:      store,
		alloc:      NewAllocator(store, logger),
		reconciler: NewReconciler(store, logger),
		writer:     NewRetryingWriter(store, cfg, logger),
		worker:     NewSyncWorker(parent, logger),
		gateway:    gateway,
		logger:     logger,
	}
}

// Close aborts in-flight background syncs and waits for them to return.
func (e *Engine) Close() { e.worker.Close() }

// Store exposes the underlying local store (reads, diagnostics).
func (e *Engine) Store() *Store { return e.store }

// Worker exposes the background worker (pause/resume, test quiescing).
func (e *Engine) Worker() *SyncWorker { return e.worker }

// saveAndSync is the shared mutation path: synchronous local upsert, then a
// background sync task keyed by (kind, id) so syncs of one record never
// race each other.
func (e *Engine) saveAndSync(ctx context.Context, kind Kind, id string, entity json.RawMessage, dependents []Dependent) error {
	rec := &Record{
		ID:               id,
		IsTemporary:      IsTemporaryID(id),
		Entity:           entity,
		LastLocalWriteAt: time.Now().UTC(),
	}
	if existing, err := e.store.Get(ctx, kind, id); err == nil {
		rec.LastRemoteSyncAt = existing.LastRemoteSyncAt
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := e.store.Save(ctx, kind, rec); err != nil {
		return err
	}
	e.worker.Spawn(kind, id, e.syncTask(kind, id, dependents))
	return nil
}

// syncTask builds the background task body for one mutated record. It pushes
// the record's latest local state through the retrying writer, then promotes
// the temporary id (creations) or merges the server's canonical fields back
// (updates).
func (e *Engine) syncTask(kind Kind, id string, dependents []Dependent) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		label := fmt.Sprintf("sync %s/%s", kind, id)
		return e.writer.Execute(ctx, label, func(ctx context.Context) error {
			rec, err := e.store.Get(ctx, kind, id)
			if errors.Is(err, ErrNotFound) {
				// Deleted locally before this task ran; the delete path owns
				// the remote state now.
				return nil
			}
			if err != nil {
				return err
			}
			remote, err := codecs[kind].toRemote(rec.Entity)
			if err != nil {
				return err
			}

			if IsTemporaryID(id) {
				return e.createAndPromote(ctx, kind, id, rec.Entity, remote, dependents)
			}

			canonical, err := e.gateway.Update(ctx, kind, id, remote)
			if err != nil {
				return err
			}
			now := time.Now().UTC()
			latest, err := e.store.Get(ctx, kind, id)
			if errors.Is(err, ErrNotFound) {
				// Deleted locally while the update was in flight; the delete
				// path owns the remote state now.
				return nil
			}
			if err != nil {
				return err
			}
			if !bytes.Equal(normalizeJSON(latest.Entity), normalizeJSON(rec.Entity)) {
				// The record was saved again while the update was in flight.
				// That save queued its own sync task behind this one, so only
				// stamp the sync we just completed and leave the newer entity
				// for it to push.
				return e.store.MarkSynced(ctx, kind, id, now)
			}
			if len(canonical) == 0 {
				return e.store.MarkSynced(ctx, kind, id, now)
			}
			merged, err := codecs[kind].fromRemote(canonical)
			if err != nil {
				return err
			}
			return e.store.Save(ctx, kind, &Record{
				ID:               id,
				Entity:           merged,
				LastLocalWriteAt: now,
				LastRemoteSyncAt: &now,
			})
		})
	}
}

// createAndPromote performs the remote creation for a temporary record and
// promotes every local reference to the server-assigned id.
func (e *Engine) createAndPromote(ctx context.Context, kind Kind, tempID string, sentEntity json.RawMessage, remote json.RawMessage, dependents []Dependent) error {
	// The temporary id is never sent as a primary key; the server assigns
	// the real one.
	remote, err := setField(remote, "id", "")
	if err != nil {
		return err
	}
	canonical, err := e.gateway.Create(ctx, kind, remote)
	if err != nil {
		return err
	}
	canonicalLocal, err := codecs[kind].fromRemote(canonical)
	if err != nil {
		return err
	}
	realID := extractField(canonicalLocal, "id")
	if realID == "" {
		return fmt.Errorf("create %s: server payload carries no id", kind)
	}

	now := time.Now().UTC()
	latest, err := e.store.Get(ctx, kind, tempID)
	if errors.Is(err, ErrNotFound) {
		// Deleted locally while the create was in flight: the row exists
		// remotely now, so remove it rather than resurrect it by promotion.
		return e.gateway.Delete(ctx, kind, realID, "")
	}
	if err != nil {
		return err
	}

	entity := canonicalLocal
	remutated := !bytes.Equal(normalizeJSON(latest.Entity), normalizeJSON(sentEntity))
	if remutated {
		// The record was saved again while the create was in flight. Keep
		// the newer local state under the real id and queue a follow-up
		// update so the backend converges on it.
		if entity, err = setField(latest.Entity, "id", realID); err != nil {
			return err
		}
	}
	realRec := &Record{
		ID:               realID,
		Entity:           entity,
		LastLocalWriteAt: now,
		LastRemoteSyncAt: &now,
	}
	rewritten, err := e.reconciler.Promote(ctx, kind, tempID, realRec, dependents)
	if err != nil {
		return err
	}
	// Rewritten dependents changed locally without a foreground save, so the
	// backend still holds (or was refused) the temporary reference. Queue a
	// sync for each; records whose own creation is still pending resolve to a
	// no-op once their promotion removes the temporary row.
	for _, ref := range rewritten {
		e.worker.Spawn(ref.Kind, ref.ID, e.syncTask(ref.Kind, ref.ID, dependentsFor(ref.Kind)))
	}
	if remutated {
		e.worker.Spawn(kind, realID, e.syncTask(kind, realID, dependents))
	}
	return nil
}

// deleteAndSync removes the record locally and, for records the backend
// knows about, queues the remote delete. Temporary records need no remote
// task: if their creation is still in flight, the create task notices the
// local row is gone and deletes the freshly created remote row itself.
func (e *Engine) deleteAndSync(ctx context.Context, kind Kind, id, reason string) error {
	if err := e.store.Remove(ctx, kind, id); err != nil {
		return err
	}
	if IsTemporaryID(id) {
		return nil
	}
	e.worker.Spawn(kind, id, func(ctx context.Context) error {
		label := fmt.Sprintf("delete %s/%s", kind, id)
		return e.writer.Execute(ctx, label, func(ctx context.Context) error {
			err := e.gateway.Delete(ctx, kind, id, reason)
			if Classify(err) == CodeNotFound {
				return nil // already gone remotely
			}
			return err
		})
	})
	return nil
}

// getEntity loads and decodes one record.
func getEntity[T any](ctx context.Context, e *Engine, kind Kind, id string) (*T, error) {
	rec, err := e.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(rec.Entity, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", kind, id, err)
	}
	return &v, nil
}

// listEntities loads and decodes every record of a kind.
func listEntities[T any](ctx context.Context, e *Engine, kind Kind) ([]T, error) {
	records, err := e.store.GetAll(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for _, rec := range records {
		var v T
		if err := json.Unmarshal(rec.Entity, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s/%s: %w", kind, rec.ID, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// RefreshAll re-hydrates the local cache from the backend for one owning
// user: users, children (with their instructions), sessions and
// verification requests are fetched concurrently.
func (e *Engine) RefreshAll(ctx context.Context, ownerID string) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, kind := range []Kind{KindUser, KindChild, KindSession, KindVerification} {
		kind := kind
		g.Go(func() error {
			if err := e.refreshKind(ctx, kind, ownerID); err != nil {
				return err
			}
			if kind != KindChild {
				return nil
			}
			children, err := e.store.GetAll(ctx, KindChild)
			if err != nil {
				return err
			}
			for _, child := range children {
				if err := e.refreshKind(ctx, KindChildInstruction, child.ID); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) refreshKind(ctx context.Context, kind Kind, ownerID string) error {
	payloads, err := e.gateway.List(ctx, kind, ownerID)
	if err != nil {
		return fmt.Errorf("refresh of %s failed: %w", kind, err)
	}
	now := time.Now().UTC()
	for _, payload := range payloads {
		local, err := codecs[kind].fromRemote(payload)
		if err != nil {
			return fmt.Errorf("refresh of %s failed: %w", kind, err)
		}
		id := extractField(local, "id")
		if id == "" {
			e.logger.Warn("skipping remote record without id", "kind", kind)
			continue
		}
		if err := e.store.Save(ctx, kind, &Record{
			ID:               id,
			Entity:           local,
			LastLocalWriteAt: now,
			LastRemoteSyncAt: &now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// normalizeJSON reserializes a document so field order does not defeat the
// re-mutation comparison in createAndPromote.
func normalizeJSON(doc json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return doc
	}
	out, err := json.Marshal(v)
	if err != nil {
		return doc
	}
	return out
}
