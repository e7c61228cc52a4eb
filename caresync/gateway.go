// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Gateway abstracts the remote backend. Payloads are in the remote wire
// shape: the per-entity adapters are applied by the services before a
// payload reaches any Gateway implementation, so the REST path and the
// direct-database fallback always see identical shapes.
type Gateway interface {
	// Create persists a new entity and returns the canonical payload with
	// the server-assigned id and server-computed fields.
	Create(ctx context.Context, kind Kind, payload json.RawMessage) (json.RawMessage, error)
	// Update replaces the entity and returns the canonical payload.
	Update(ctx context.Context, kind Kind, id string, payload json.RawMessage) (json.RawMessage, error)
	// Delete removes the entity. reason is optional and recorded server-side.
	Delete(ctx context.Context, kind Kind, id, reason string) error
	// Fetch returns the canonical payload for the entity.
	Fetch(ctx context.Context, kind Kind, id string) (json.RawMessage, error)
	// List returns payloads scoped to an owner: the owning user for most
	// kinds, the parent child id for instructions.
	List(ctx context.Context, kind Kind, ownerID string) ([]json.RawMessage, error)
}

// TokenFunc returns the bearer token for a request. Token acquisition is an
// external concern; the engine only attaches what it is given.
type TokenFunc func(ctx context.Context) (string, error)

// RESTGateway talks to the primary resource-oriented HTTP API.
type RESTGateway struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewRESTGateway creates a gateway for the API at baseURL.
func NewRESTGateway(baseURL string, token TokenFunc, cfg *Config, logger *slog.Logger) *RESTGateway {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := 30 * time.Second
	if cfg != nil && cfg.HTTPTimeout > 0 {
		timeout = cfg.HTTPTimeout
	}
	return &RESTGateway{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// collectionPath returns the create/list endpoint for a kind. Instructions
// are a sub-resource keyed by the parent child id.
func collectionPath(kind Kind, ownerID string) string {
	switch kind {
	case KindUser:
		return "/v1/users"
	case KindChild:
		return "/v1/children"
	case KindChildInstruction:
		return fmt.Sprintf("/v1/children/%s/instructions", url.PathEscape(ownerID))
	case KindSession:
		return "/v1/sessions"
	case KindVerification:
		return "/v1/verification-requests"
	}
	return "/v1/" + string(kind)
}

// itemPath returns the read/update/delete endpoint for one entity.
func itemPath(kind Kind, id string) string {
	if kind == KindChildInstruction {
		return "/v1/instructions/" + url.PathEscape(id)
	}
	return collectionPath(kind, "") + "/" + url.PathEscape(id)
}

func (g *RESTGateway) Create(ctx context.Context, kind Kind, payload json.RawMessage) (json.RawMessage, error) {
	owner := ""
	if kind == KindChildInstruction {
		owner = extractField(payload, "child_id")
	}
	op := fmt.Sprintf("create %s", kind)
	return g.do(ctx, op, http.MethodPost, collectionPath(kind, owner), nil, payload)
}

func (g *RESTGateway) Update(ctx context.Context, kind Kind, id string, payload json.RawMessage) (json.RawMessage, error) {
	op := fmt.Sprintf("update %s/%s", kind, id)
	return g.do(ctx, op, http.MethodPut, itemPath(kind, id), nil, payload)
}

func (g *RESTGateway) Delete(ctx context.Context, kind Kind, id, reason string) error {
	var query url.Values
	if reason != "" {
		query = url.Values{"reason": {reason}}
	}
	op := fmt.Sprintf("delete %s/%s", kind, id)
	_, err := g.do(ctx, op, http.MethodDelete, itemPath(kind, id), query, nil)
	return err
}

func (g *RESTGateway) Fetch(ctx context.Context, kind Kind, id string) (json.RawMessage, error) {
	op := fmt.Sprintf("fetch %s/%s", kind, id)
	return g.do(ctx, op, http.MethodGet, itemPath(kind, id), nil, nil)
}

func (g *RESTGateway) List(ctx context.Context, kind Kind, ownerID string) ([]json.RawMessage, error) {
	var query url.Values
	if ownerID != "" && kind != KindChildInstruction {
		query = url.Values{"owner_id": {ownerID}}
	}
	op := fmt.Sprintf("list %s", kind)
	body, err := g.do(ctx, op, http.MethodGet, collectionPath(kind, ownerID), query, nil)
	if err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%s: failed to decode collection: %w", op, err)
	}
	return items, nil
}

// do executes one HTTP request and maps the response to a payload or a
// classified error.
func (g *RESTGateway) do(ctx context.Context, op, method, path string, query url.Values, payload json.RawMessage) (json.RawMessage, error) {
	u := g.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.Token != nil {
		token, err := g.Token(ctx)
		if err != nil {
			return nil, &Error{Code: CodeAuthError, Op: op, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Code: CodeBackendUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Code: CodeBackendUnavailable, Op: op, Err: err}
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(op, resp.StatusCode,
			fmt.Errorf("server returned %d: %s", resp.StatusCode, truncate(string(data), 200)))
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// extractField reads one top-level string field from a payload; empty string
// when absent or not a string.
func extractField(payload json.RawMessage, field string) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(doc[field], &s); err != nil {
		return ""
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
