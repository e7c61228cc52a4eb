// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SyncWorker runs background sync tasks spawned after local mutations. Tasks
// for the same (kind, id) are serialized in FIFO order so two quick
// successive mutations of one record can never race on the wire; tasks for
// different records run concurrently. The caller never waits on a task — by
// the time one runs, the local write has already returned success.
type SyncWorker struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[taskKey]*taskQueue

	paused int32
}

type taskKey struct {
	kind Kind
	id   string
}

type taskQueue struct {
	tasks  []func(ctx context.Context)
	active bool // a drainer goroutine currently owns this queue
}

// NewSyncWorker creates a worker whose tasks are children of parent: when
// parent is cancelled (app shutdown) every in-flight and queued task is
// aborted.
func NewSyncWorker(parent context.Context, logger *slog.Logger) *SyncWorker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(parent)
	return &SyncWorker{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queues: map[taskKey]*taskQueue{},
	}
}

// Pause suspends task execution; spawned tasks queue up until Resume.
func (w *SyncWorker) Pause() { atomic.StoreInt32(&w.paused, 1) }

// Resume re-enables task execution and drains anything queued while paused.
func (w *SyncWorker) Resume() {
	atomic.StoreInt32(&w.paused, 0)
	w.mu.Lock()
	keys := make([]taskKey, 0, len(w.queues))
	for key := range w.queues {
		keys = append(keys, key)
	}
	w.mu.Unlock()
	for _, key := range keys {
		w.kick(key)
	}
}

// Spawn enqueues task for the record. It returns immediately.
func (w *SyncWorker) Spawn(kind Kind, id string, task func(ctx context.Context) error) {
	key := taskKey{kind: kind, id: id}
	wrapped := func(ctx context.Context) {
		if err := task(ctx); err != nil && ctx.Err() == nil {
			// The retrying writer has already logged and recorded the
			// failure; nothing further happens here by contract.
			w.logger.Debug("background sync task failed", "kind", kind, "id", id, "error", err)
		}
	}

	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	queue, ok := w.queues[key]
	if !ok {
		queue = &taskQueue{}
		w.queues[key] = queue
	}
	queue.tasks = append(queue.tasks, wrapped)
	w.mu.Unlock()
	w.kick(key)
}

// kick starts a drainer goroutine for the key unless one already owns it.
func (w *SyncWorker) kick(key taskKey) {
	if atomic.LoadInt32(&w.paused) == 1 {
		return
	}
	w.mu.Lock()
	queue, ok := w.queues[key]
	if !ok || queue.active || len(queue.tasks) == 0 {
		w.mu.Unlock()
		return
	}
	queue.active = true
	w.wg.Add(1)
	w.mu.Unlock()
	go w.drain(key)
}

// drain runs the key's queue to completion, one task at a time. Exactly one
// drainer owns a key at any moment, which is what serializes tasks per
// record.
func (w *SyncWorker) drain(key taskKey) {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		queue, ok := w.queues[key]
		if !ok {
			w.mu.Unlock()
			return
		}
		if atomic.LoadInt32(&w.paused) == 1 || w.ctx.Err() != nil || len(queue.tasks) == 0 {
			queue.active = false
			if len(queue.tasks) == 0 {
				delete(w.queues, key)
			}
			w.mu.Unlock()
			return
		}
		task := queue.tasks[0]
		queue.tasks = queue.tasks[1:]
		w.mu.Unlock()

		task(w.ctx)
	}
}

// Close cancels all tasks and waits for in-flight ones to return.
func (w *SyncWorker) Close() {
	w.cancel()
	w.wg.Wait()
	w.mu.Lock()
	w.queues = map[taskKey]*taskQueue{}
	w.mu.Unlock()
}

// Wait blocks until every currently spawned task has finished. Intended for
// tests and the CLI's one-shot mode; the mobile app never calls it.
func (w *SyncWorker) Wait() { w.wg.Wait() }
