// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

// NextSequence computes the next human-readable sequential identifier for a
// prefix from the ids already in use: max trailing digit run + 1, or
// "<prefix>1" when no id matches. Gaps are tolerated. Ids that share the
// prefix but carry no trailing digits are ignored.
func NextSequence(prefix string, existing []string) string {
	max := 0
	for _, id := range existing {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		n, ok := trailingInt(id[len(prefix):])
		if !ok {
			continue
		}
		if n > max {
			max = n
		}
	}
	return prefix + strconv.Itoa(max+1)
}

func trailingInt(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	// The whole remainder must be one digit run, so "p3x" never counts as 3.
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SequenceScan returns the ids the allocator should consider for a kind.
type SequenceScan func(ctx context.Context) ([]string, error)

// Allocator derives per-role/per-kind sequence numbers ("p3", "c7") without a
// central counter. The local scan gives an instantly available guess; an
// independent remote scan keeps the numbering aligned with the backend.
// Concurrent devices can still compute the same next number before either
// persists — this design accepts that collision risk.
type Allocator struct {
	logger *slog.Logger
	store  *Store
	group  singleflight.Group
}

// NewAllocator creates a sequence allocator over the local store.
func NewAllocator(store *Store, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: store, logger: logger}
}

// Next runs scan and computes the next sequence number for prefix. The scan
// is expected to be local (no network) so the number is instantly available.
func (a *Allocator) Next(ctx context.Context, prefix string, scan SequenceScan) (string, error) {
	ids, err := scan(ctx)
	if err != nil {
		return "", fmt.Errorf("sequence scan for prefix %q failed: %w", prefix, err)
	}
	return NextSequence(prefix, ids), nil
}

// AlignRemote re-runs the allocation against a remote scan and compares it
// with the locally assigned number. The remote-derived value is authoritative
// when they disagree, but already-assigned numbers are never rewritten: a
// mismatch is logged and recorded to the diagnostic trail only. Concurrent
// calls for the same prefix are coalesced.
func (a *Allocator) AlignRemote(ctx context.Context, prefix, assigned string, scan SequenceScan) {
	_, _, _ = a.group.Do(prefix, func() (any, error) {
		ids, err := scan(ctx)
		if err != nil {
			a.logger.Warn("remote sequence scan failed", "prefix", prefix, "error", err)
			return nil, nil
		}
		remote := NextSequence(prefix, ids)
		if remote != assigned {
			a.logger.Warn("sequence number diverged from remote scan",
				"prefix", prefix, "assigned", assigned, "remote", remote)
			_ = a.store.AppendSyncLog(ctx, fmt.Sprintf(
				"sequence divergence for prefix %q: assigned %s, remote scan suggests %s",
				prefix, assigned, remote))
		}
		return nil, nil
	})
}
