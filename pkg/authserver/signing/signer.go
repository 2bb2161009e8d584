// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"context"
	"crypto"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// AccessTokenClaims are the claims of an access token.
type AccessTokenClaims struct {
	Subject   string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// IDTokenClaims are the claims of an OpenID Connect ID token.
type IDTokenClaims struct {
	Subject   string
	Audience  string
	Nonce     string
	AuthTime  time.Time
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Signer signs the tokens issued next to a refresh token.
type Signer interface {
	SignAccessToken(ctx context.Context, claims AccessTokenClaims) (string, error)
	SignIDToken(ctx context.Context, claims IDTokenClaims) (string, error)
}

type accessClaims struct {
	jwt.Claims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

type idClaims struct {
	jwt.Claims
	Nonce    string           `json:"nonce,omitempty"`
	AuthTime *jwt.NumericDate `json:"auth_time,omitempty"`
}

// JoseSigner signs JWTs with a single key.
type JoseSigner struct {
	issuer    string
	keyID     string
	algorithm jose.SignatureAlgorithm
	public    crypto.PublicKey
	signer    jose.Signer
}

var _ Signer = (*JoseSigner)(nil)

// NewJoseSigner creates a signer for issuer. The key ID is the key's
// thumbprint and the algorithm follows from the key type.
func NewJoseSigner(issuer string, key crypto.Signer) (*JoseSigner, error) {
	alg, err := DeriveAlgorithm(key)
	if err != nil {
		return nil, err
	}
	kid, err := DeriveKeyID(key)
	if err != nil {
		return nil, err
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: alg, Key: jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(alg)}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &JoseSigner{issuer: issuer, keyID: kid, algorithm: alg, public: key.Public(), signer: signer}, nil
}

// KeyID returns the kid header value.
func (s *JoseSigner) KeyID() string { return s.keyID }

// PublicKeys returns the verification key set.
func (s *JoseSigner) PublicKeys() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       s.public,
		KeyID:     s.keyID,
		Algorithm: string(s.algorithm),
		Use:       "sig",
	}}}
}

// SignAccessToken implements Signer.
func (s *JoseSigner) SignAccessToken(_ context.Context, c AccessTokenClaims) (string, error) {
	claims := accessClaims{
		Claims: jwt.Claims{
			Issuer:   s.issuer,
			Subject:  c.Subject,
			Audience: jwt.Audience{c.ClientID},
			IssuedAt: jwt.NewNumericDate(c.IssuedAt),
			Expiry:   jwt.NewNumericDate(c.ExpiresAt),
		},
		ClientID: c.ClientID,
		Scope:    c.Scope,
	}
	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

// SignIDToken implements Signer.
func (s *JoseSigner) SignIDToken(_ context.Context, c IDTokenClaims) (string, error) {
	claims := idClaims{
		Claims: jwt.Claims{
			Issuer:   s.issuer,
			Subject:  c.Subject,
			Audience: jwt.Audience{c.Audience},
			IssuedAt: jwt.NewNumericDate(c.IssuedAt),
			Expiry:   jwt.NewNumericDate(c.ExpiresAt),
		},
		Nonce: c.Nonce,
	}
	if !c.AuthTime.IsZero() {
		claims.AuthTime = jwt.NewNumericDate(c.AuthTime)
	}
	token, err := jwt.Signed(s.signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return token, nil
}
