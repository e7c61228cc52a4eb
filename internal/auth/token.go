// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenProvider issues and validates the JWTs the engine presents to the
// backend. Token acquisition against the real identity service is an
// external concern; this provider covers the CLI and tests, which sign
// tokens with a shared secret the way the backend does.
type TokenProvider struct {
	secret []byte
}

// NewTokenProvider creates a provider for the shared secret.
func NewTokenProvider(secret string) *TokenProvider {
	return &TokenProvider{secret: []byte(secret)}
}

// Claims are the JWT claims for a signed-in device.
type Claims struct {
	DeviceID string `json:"did"` // device ID (becomes the sync source id)
	jwt.RegisteredClaims
}

// GenerateToken signs a token for the user/device pair. The user id travels
// in the standard `sub` claim, the device id in `did`.
func (p *TokenProvider) GenerateToken(userID, deviceID string, expiration time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "carelum",
			Subject:   userID,
		},
	})
	return token.SignedString(p.secret)
}

// ValidateToken checks the signature and expiry and returns the claims. Both
// identity claims must be present: a token without a device id cannot be
// attributed to a sync source.
func (p *TokenProvider) ValidateToken(tokenString string) (*Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("token signed with %v, want HMAC", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token validation failed")
	}
	for claim, value := range map[string]string{"did": claims.DeviceID, "sub": claims.Subject} {
		if value == "" {
			return nil, fmt.Errorf("token missing required %s claim", claim)
		}
	}
	return &claims, nil
}

// TokenFunc returns a function that mints a fresh short-lived token per
// request, suitable for the engine's gateway and bridge.
func (p *TokenProvider) TokenFunc(userID, deviceID string, expiration time.Duration) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		return p.GenerateToken(userID, deviceID, expiration)
	}
}
