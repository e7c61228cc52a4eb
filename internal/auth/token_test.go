// Copyright 2025 Carelum
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	p := NewTokenProvider("test-secret")

	token, err := p.GenerateToken("user-17", "device-abc", time.Hour)
	require.NoError(t, err)

	claims, err := p.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-17", claims.Subject)
	require.Equal(t, "device-abc", claims.DeviceID)
	require.Equal(t, "carelum", claims.Issuer)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenProvider("secret-a").GenerateToken("user-17", "device-abc", time.Hour)
	require.NoError(t, err)

	_, err = NewTokenProvider("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	p := NewTokenProvider("test-secret")
	token, err := p.GenerateToken("user-17", "device-abc", -time.Minute)
	require.NoError(t, err)

	_, err = p.ValidateToken(token)
	require.Error(t, err)
}

func TestValidateRequiresDeviceClaim(t *testing.T) {
	p := NewTokenProvider("test-secret")

	// A token carrying only standard claims is rejected even when the
	// signature is valid.
	bare := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-17",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := bare.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = p.ValidateToken(signed)
	require.Error(t, err)
	require.Contains(t, err.Error(), "did")
}

func TestTokenFuncMintsFreshTokens(t *testing.T) {
	p := NewTokenProvider("test-secret")
	fn := p.TokenFunc("user-17", "device-abc", time.Hour)

	token, err := fn(context.Background())
	require.NoError(t, err)
	claims, err := p.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "device-abc", claims.DeviceID)
}
