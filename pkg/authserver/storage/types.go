// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage holds the state of a single shard: authorization codes,
// refresh tokens and the token families that chain them.
//
// A ShardStorage is only ever driven by the worker that owns its shard, so
// implementations do not need to make multi-step operations atomic against
// concurrent callers in the same process. They do need each commit method to
// apply all of its writes or none of them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/stacklok/toolhive-core/httperr"

	"github.com/sgrastar/authrim/pkg/shard"
)

// Sentinel errors returned by every backend.
var (
	ErrNotFound      = httperr.WithCode(errors.New("storage: not found"), http.StatusNotFound)
	ErrAlreadyExists = httperr.WithCode(errors.New("storage: already exists"), http.StatusConflict)
	// ErrConflict means the record changed between read and commit, for
	// example because another process sharing the backend got there first.
	ErrConflict = httperr.WithCode(errors.New("storage: concurrent modification"), http.StatusConflict)
)

// TokenStatus is the lifecycle state of a refresh token.
type TokenStatus string

// Refresh token states. Transitions only go forward.
const (
	TokenActive  TokenStatus = "active"
	TokenRotated TokenStatus = "rotated"
	TokenRevoked TokenStatus = "revoked"
)

// FamilyStatus is the lifecycle state of a token family.
type FamilyStatus string

// Family states. A revoked family never becomes active again.
const (
	FamilyActive  FamilyStatus = "active"
	FamilyRevoked FamilyStatus = "revoked"
)

// AuthorizationCode is a one-time grant awaiting redemption.
type AuthorizationCode struct {
	Code          string          `json:"code"`
	ClientID      string          `json:"clientId"`
	UserID        string          `json:"userId"`
	Scope         string          `json:"scope"`
	RedirectURI   string          `json:"redirectUri"`
	PKCEChallenge string          `json:"pkceChallenge,omitempty"`
	PKCEMethod    string          `json:"pkceMethod,omitempty"`
	Nonce         string          `json:"nonce,omitempty"`
	Placement     shard.Placement `json:"placement"`
	IssuedAt      time.Time       `json:"issuedAt"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	// ConsumedAt is set on redemption. Consumed codes are kept until they
	// expire so that replays can be told apart from unknown codes.
	ConsumedAt *time.Time `json:"consumedAt,omitempty"`
}

// IsConsumed reports whether the code has been redeemed.
func (c *AuthorizationCode) IsConsumed() bool {
	return c.ConsumedAt != nil
}

// IsExpired reports whether the code is past its expiry at now.
func (c *AuthorizationCode) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Clone returns a copy safe to hand to callers.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	out := *c
	if c.ConsumedAt != nil {
		t := *c.ConsumedAt
		out.ConsumedAt = &t
	}
	return &out
}

// RefreshToken is one member of a token family.
type RefreshToken struct {
	JTI            string          `json:"jti"`
	FamilyID       string          `json:"familyId"`
	UserID         string          `json:"userId"`
	ClientID       string          `json:"clientId"`
	Scope          string          `json:"scope"`
	Placement      shard.Placement `json:"placement"`
	RotatedFromJTI string          `json:"rotatedFromJti,omitempty"`
	IssuedAt       time.Time       `json:"issuedAt"`
	ExpiresAt      time.Time       `json:"expiresAt"`
	Status         TokenStatus     `json:"status"`
}

// IsExpired reports whether the token is past its expiry at now.
func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Clone returns a copy safe to hand to callers.
func (t *RefreshToken) Clone() *RefreshToken {
	out := *t
	return &out
}

// TokenFamily is the rotation chain rooted at one initial refresh token.
type TokenFamily struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	ClientID      string          `json:"clientId"`
	Scope         string          `json:"scope"`
	Placement     shard.Placement `json:"placement"`
	InitialJTI    string          `json:"initialJti"`
	ActiveJTI     string          `json:"activeJti,omitempty"`
	Members       []string        `json:"members"`
	Status        FamilyStatus    `json:"status"`
	RevokedReason string          `json:"revokedReason,omitempty"`
	RevokedAt     *time.Time      `json:"revokedAt,omitempty"`
	// TTL is reused for every token minted by rotation.
	TTL       time.Duration `json:"ttl"`
	CreatedAt time.Time     `json:"createdAt"`
	// ExpiresAt is the latest expiry of any member.
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsRevoked reports whether the family has been revoked.
func (f *TokenFamily) IsRevoked() bool {
	return f.Status == FamilyRevoked
}

// Clone returns a copy safe to hand to callers.
func (f *TokenFamily) Clone() *TokenFamily {
	out := *f
	out.Members = slices.Clone(f.Members)
	if f.RevokedAt != nil {
		t := *f.RevokedAt
		out.RevokedAt = &t
	}
	return &out
}

// Stats summarizes the contents of one shard.
type Stats struct {
	AuthorizationCodes int `json:"authorizationCodes"`
	ConsumedCodes      int `json:"consumedCodes"`
	RefreshTokens      int `json:"refreshTokens"`
	Families           int `json:"families"`
	RevokedFamilies    int `json:"revokedFamilies"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.AuthorizationCodes += other.AuthorizationCodes
	s.ConsumedCodes += other.ConsumedCodes
	s.RefreshTokens += other.RefreshTokens
	s.Families += other.Families
	s.RevokedFamilies += other.RevokedFamilies
}

// AuthorizationCodeStorage stores authorization codes for one shard.
type AuthorizationCodeStorage interface {
	// CreateAuthorizationCode returns ErrAlreadyExists for a duplicate code.
	CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	// ConsumeAuthorizationCode marks the code redeemed at the given time.
	// It returns ErrConflict if the code is already consumed.
	ConsumeAuthorizationCode(ctx context.Context, code string, at time.Time) error
	DeleteAuthorizationCode(ctx context.Context, code string) error
	// CountOutstandingCodes counts unexpired, unconsumed codes held by userID.
	CountOutstandingCodes(ctx context.Context, userID string, now time.Time) (int, error)
}

// RefreshTokenStorage stores refresh tokens and families for one shard.
type RefreshTokenStorage interface {
	// CreateTokenFamily stores a new family together with its first token.
	CreateTokenFamily(ctx context.Context, family *TokenFamily, initial *RefreshToken) error
	GetTokenFamily(ctx context.Context, familyID string) (*TokenFamily, error)
	GetRefreshToken(ctx context.Context, jti string) (*RefreshToken, error)
	// CommitRotation writes the updated family, the rotated token and its
	// successor as one unit. It returns ErrConflict unless the stored family
	// is active and rotated is still its active member.
	CommitRotation(ctx context.Context, family *TokenFamily, rotated, next *RefreshToken) error
	// CommitRevocation writes the revoked family and marks every stored
	// member revoked.
	CommitRevocation(ctx context.Context, family *TokenFamily) error
}

// ShardStorage is everything one shard holds.
type ShardStorage interface {
	AuthorizationCodeStorage
	RefreshTokenStorage

	// PurgeExpired deletes state that expired before now and returns how
	// many records were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	// Purge deletes everything in the shard.
	Purge(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Backend hands out the storage for each placement.
type Backend interface {
	// Open returns the storage for p. Calling Open twice for the same
	// placement must address the same data.
	Open(ctx context.Context, p shard.Placement) (ShardStorage, error)
	Close() error
}

// mergeRevocation applies the revocation in family to the stored copy.
// Members come from stored so none added since family was read are missed.
func mergeRevocation(stored, family *TokenFamily) *TokenFamily {
	merged := stored.Clone()
	for _, jti := range family.Members {
		if !slices.Contains(merged.Members, jti) {
			merged.Members = append(merged.Members, jti)
		}
	}
	if !merged.IsRevoked() {
		merged.Status = FamilyRevoked
		merged.RevokedReason = family.RevokedReason
		merged.RevokedAt = family.RevokedAt
		if merged.RevokedAt != nil {
			t := *merged.RevokedAt
			merged.RevokedAt = &t
		}
	}
	merged.ActiveJTI = ""
	return merged
}

func notFound(what, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, what, id)
}
