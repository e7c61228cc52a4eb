// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChangeEvent is one server-pushed change notification.
type ChangeEvent struct {
	Kind    Kind   `json:"kind"`
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Op      string `json:"op"` // INSERT, UPDATE, DELETE
}

// Filter selects the events a subscription receives. Zero-value fields
// match everything; a filter matches on entity id or owning-user id.
type Filter struct {
	Kind    Kind
	ID      string
	OwnerID string
}

func (f Filter) matches(ev ChangeEvent) bool {
	if f.Kind != "" && f.Kind != ev.Kind {
		return false
	}
	if f.ID != "" && f.ID != ev.ID {
		return false
	}
	if f.OwnerID != "" && f.OwnerID != ev.OwnerID {
		return false
	}
	return true
}

// OnChange receives the merged record after the bridge has refreshed the
// local store. rec is nil for deletions.
type OnChange func(kind Kind, id string, rec *Record)

type subscription struct {
	filter Filter
	fn     OnChange

	mu     sync.Mutex // held while dispatching; unsubscribe waits on it
	closed bool
}

// Bridge consumes the backend's publish/subscribe change channel over a
// websocket and refreshes the local store on receipt, independent of the
// write path. After a dropped connection it reconnects with exponential
// backoff (BackoffMin doubling up to BackoffMax) and keeps serving the same
// subscriptions.
type Bridge struct {
	store   *Store
	gateway Gateway
	logger  *slog.Logger

	wsURL  string
	token  TokenFunc
	dialer *websocket.Dialer

	backoffMin time.Duration
	backoffMax time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewBridge creates a change bridge. Start must be called before events
// flow; Subscribe may be called at any time.
func NewBridge(store *Store, gateway Gateway, wsURL string, token TokenFunc, cfg *Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	min, max := time.Second, 60*time.Second
	if cfg != nil {
		if cfg.BackoffMin > 0 {
			min = cfg.BackoffMin
		}
		if cfg.BackoffMax > 0 {
			max = cfg.BackoffMax
		}
	}
	return &Bridge{
		store:      store,
		gateway:    gateway,
		logger:     logger,
		wsURL:      wsURL,
		token:      token,
		dialer:     websocket.DefaultDialer,
		backoffMin: min,
		backoffMax: max,
		subs:       map[*subscription]struct{}{},
	}
}

// Start begins the read loop. The bridge runs until Stop or parent
// cancellation.
func (b *Bridge) Start(parent context.Context) {
	b.ctx, b.cancel = context.WithCancel(parent)
	b.wg.Add(1)
	go b.run()
}

// Stop closes the channel and waits for the read loop to exit.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Subscribe registers a callback for events matching filter. The returned
// unsubscribe function is idempotent and guarantees no further callback
// invocations after it returns.
func (b *Bridge) Subscribe(filter Filter, fn OnChange) func() {
	sub := &subscription{filter: filter, fn: fn}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			// Wait out any dispatch already holding the subscription.
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		})
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	backoff := b.backoffMin
	for {
		if b.ctx.Err() != nil {
			return
		}
		err := b.consume()
		if b.ctx.Err() != nil {
			return
		}
		b.logger.Warn("change channel dropped, reconnecting", "error", err, "backoff", backoff)
		if err := sleepWithContext(b.ctx, backoff); err != nil {
			return
		}
		backoff *= 2
		if backoff > b.backoffMax {
			backoff = b.backoffMax
		}
	}
}

// consume dials the channel and reads events until the connection breaks.
func (b *Bridge) consume() error {
	header := map[string][]string{}
	if b.token != nil {
		token, err := b.token(b.ctx)
		if err != nil {
			return err
		}
		header["Authorization"] = []string{"Bearer " + token}
	}
	conn, _, err := b.dialer.DialContext(b.ctx, b.wsURL, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage when the bridge stops.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-b.ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	b.logger.Debug("change channel connected", "url", b.wsURL)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev ChangeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			b.logger.Warn("discarding malformed change event", "error", err)
			continue
		}
		b.handle(ev)
	}
}

// handle refreshes the local store for the event, then notifies matching
// subscriptions with the merged value.
func (b *Bridge) handle(ev ChangeEvent) {
	var rec *Record
	if ev.Op == "DELETE" {
		if err := b.store.Remove(b.ctx, ev.Kind, ev.ID); err != nil {
			b.logger.Error("failed to apply remote deletion", "kind", ev.Kind, "id", ev.ID, "error", err)
			return
		}
	} else {
		payload, err := b.gateway.Fetch(b.ctx, ev.Kind, ev.ID)
		if err != nil {
			b.logger.Warn("failed to re-fetch changed record", "kind", ev.Kind, "id", ev.ID, "error", err)
			return
		}
		local, err := codecs[ev.Kind].fromRemote(payload)
		if err != nil {
			b.logger.Error("failed to adapt changed record", "kind", ev.Kind, "id", ev.ID, "error", err)
			return
		}
		now := time.Now().UTC()
		rec = &Record{
			ID:               ev.ID,
			Entity:           local,
			LastLocalWriteAt: now,
			LastRemoteSyncAt: &now,
		}
		if err := b.store.Save(b.ctx, ev.Kind, rec); err != nil {
			b.logger.Error("failed to refresh local record", "kind", ev.Kind, "id", ev.ID, "error", err)
			return
		}
	}

	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.filter.matches(ev) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.mu.Lock()
		if !sub.closed {
			sub.fn(ev.Kind, ev.ID, rec)
		}
		sub.mu.Unlock()
	}
}
