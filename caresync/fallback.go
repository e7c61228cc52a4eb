// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FallbackGateway is the last-resort direct-database path, used only when
// the primary API path is unavailable. Writes use upsert semantics keyed on
// each kind's natural uniqueness constraint so a retried create never
// duplicates a row. Payloads are the same remote wire shapes the REST path
// carries.
type FallbackGateway struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewFallbackGateway creates a direct-database gateway over the pool.
func NewFallbackGateway(pool *pgxpool.Pool, logger *slog.Logger) *FallbackGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackGateway{pool: pool, logger: logger}
}

// naturalKeyField returns the payload field holding the kind's natural
// uniqueness constraint, or "" when the primary key is the only identity.
func naturalKeyField(kind Kind) string {
	switch kind {
	case KindChild:
		return "child_number"
	case KindUser:
		return "member_number"
	default:
		return ""
	}
}

// ownerField returns the payload field that scopes List for the kind.
func ownerField(kind Kind) string {
	switch kind {
	case KindChild, KindSession:
		return "guardian_id"
	case KindChildInstruction:
		return "child_id"
	case KindVerification:
		return "user_id"
	default:
		return "id"
	}
}

func (g *FallbackGateway) Create(ctx context.Context, kind Kind, payload json.RawMessage) (json.RawMessage, error) {
	op := fmt.Sprintf("fallback create %s", kind)
	id := uuid.New().String()
	payload, err := setField(payload, "id", id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	natural := naturalKeyField(kind)
	if natural == "" {
		// No natural key; retried creates are tolerated by conflicting on id,
		// which only dedupes when the same generated id reaches the server.
		row := g.pool.QueryRow(ctx, fmt.Sprintf(
			`INSERT INTO %s (id, payload) VALUES ($1, $2)
			 ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload
			 RETURNING payload`, kind), id, payload)
		return g.scanPayload(row, op)
	}

	naturalValue := extractField(payload, natural)
	row := g.pool.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, natural_key, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (natural_key) DO UPDATE SET payload = %s.payload
		 RETURNING id, payload`, kind, kind), id, naturalValue, payload)
	var existingID string
	var stored json.RawMessage
	if err := row.Scan(&existingID, &stored); err != nil {
		return nil, pgError(op, err)
	}
	if existingID != id {
		// A previous attempt already created this row; hand back its state
		// so the client promotes to the id the server actually owns.
		g.logger.Debug("fallback create hit existing natural key",
			"kind", kind, "natural_key", naturalValue, "id", existingID)
	}
	return stored, nil
}

func (g *FallbackGateway) Update(ctx context.Context, kind Kind, id string, payload json.RawMessage) (json.RawMessage, error) {
	op := fmt.Sprintf("fallback update %s/%s", kind, id)
	row := g.pool.QueryRow(ctx, fmt.Sprintf(
		`UPDATE %s SET payload = $2 WHERE id = $1 RETURNING payload`, kind), id, payload)
	return g.scanPayload(row, op)
}

func (g *FallbackGateway) Delete(ctx context.Context, kind Kind, id, reason string) error {
	op := fmt.Sprintf("fallback delete %s/%s", kind, id)
	tag, err := g.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, kind), id)
	if err != nil {
		return pgError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return &Error{Code: CodeNotFound, Op: op, Err: ErrNotFound}
	}
	if reason != "" {
		g.logger.Info("fallback delete", "kind", kind, "id", id, "reason", reason)
	}
	return nil
}

func (g *FallbackGateway) Fetch(ctx context.Context, kind Kind, id string) (json.RawMessage, error) {
	op := fmt.Sprintf("fallback fetch %s/%s", kind, id)
	row := g.pool.QueryRow(ctx, fmt.Sprintf(`SELECT payload FROM %s WHERE id = $1`, kind), id)
	return g.scanPayload(row, op)
}

func (g *FallbackGateway) List(ctx context.Context, kind Kind, ownerID string) ([]json.RawMessage, error) {
	op := fmt.Sprintf("fallback list %s", kind)
	query := fmt.Sprintf(`SELECT payload FROM %s`, kind)
	args := []any{}
	if ownerID != "" {
		query += fmt.Sprintf(` WHERE payload->>'%s' = $1`, ownerField(kind))
		args = append(args, ownerID)
	}
	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, pgError(op, err)
	}
	defer rows.Close()

	var payloads []json.RawMessage
	for rows.Next() {
		var p json.RawMessage
		if err := rows.Scan(&p); err != nil {
			return nil, pgError(op, err)
		}
		payloads = append(payloads, p)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(op, err)
	}
	return payloads, nil
}

func (g *FallbackGateway) scanPayload(row pgx.Row, op string) (json.RawMessage, error) {
	var payload json.RawMessage
	if err := row.Scan(&payload); err != nil {
		return nil, pgError(op, err)
	}
	return payload, nil
}

// pgError classifies a postgres failure: serialization/deadlock/connection
// classes are unavailability; constraint violations are rejections.
func pgError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &Error{Code: CodeNotFound, Op: op, Err: ErrNotFound}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return &Error{Code: CodeBackendUnavailable, Op: op, Err: err}
		}
		if len(pgErr.SQLState()) >= 2 && pgErr.SQLState()[:2] == "23" { // integrity_constraint_violation
			return &Error{Code: CodeWriteRejected, Op: op, Err: err}
		}
	}
	return &Error{Code: CodeBackendUnavailable, Op: op, Err: err}
}

// setField writes one top-level string field into a payload.
func setField(payload json.RawMessage, field, value string) (json.RawMessage, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	doc[field] = mustMarshal(value)
	return json.Marshal(doc)
}

// Chained tries the primary gateway first and falls back to the secondary
// only for unavailability-class failures. Rejections, auth failures and
// not-found results surface from the primary as-is: a validation error will
// not become a phantom direct write.
type Chained struct {
	Primary   Gateway
	Secondary Gateway
	logger    *slog.Logger
}

// NewChained composes the REST path with the direct-database fallback.
func NewChained(primary, secondary Gateway, logger *slog.Logger) *Chained {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chained{Primary: primary, Secondary: secondary, logger: logger}
}

func (c *Chained) shouldFallBack(err error) bool {
	return c.Secondary != nil && Classify(err) == CodeBackendUnavailable
}

func (c *Chained) Create(ctx context.Context, kind Kind, payload json.RawMessage) (json.RawMessage, error) {
	out, err := c.Primary.Create(ctx, kind, payload)
	if err != nil && c.shouldFallBack(err) {
		c.logger.Warn("primary gateway unavailable, using direct database path", "kind", kind, "error", err)
		return c.Secondary.Create(ctx, kind, payload)
	}
	return out, err
}

func (c *Chained) Update(ctx context.Context, kind Kind, id string, payload json.RawMessage) (json.RawMessage, error) {
	out, err := c.Primary.Update(ctx, kind, id, payload)
	if err != nil && c.shouldFallBack(err) {
		c.logger.Warn("primary gateway unavailable, using direct database path", "kind", kind, "id", id, "error", err)
		return c.Secondary.Update(ctx, kind, id, payload)
	}
	return out, err
}

func (c *Chained) Delete(ctx context.Context, kind Kind, id, reason string) error {
	err := c.Primary.Delete(ctx, kind, id, reason)
	if err != nil && c.shouldFallBack(err) {
		c.logger.Warn("primary gateway unavailable, using direct database path", "kind", kind, "id", id, "error", err)
		return c.Secondary.Delete(ctx, kind, id, reason)
	}
	return err
}

func (c *Chained) Fetch(ctx context.Context, kind Kind, id string) (json.RawMessage, error) {
	out, err := c.Primary.Fetch(ctx, kind, id)
	if err != nil && c.shouldFallBack(err) {
		return c.Secondary.Fetch(ctx, kind, id)
	}
	return out, err
}

func (c *Chained) List(ctx context.Context, kind Kind, ownerID string) ([]json.RawMessage, error) {
	out, err := c.Primary.List(ctx, kind, ownerID)
	if err != nil && c.shouldFallBack(err) {
		return c.Secondary.List(ctx, kind, ownerID)
	}
	return out, err
}
