// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Tests use the withBackends helper which calls t.Parallel() internally.
//
//nolint:paralleltest // parallel execution handled by withBackends helper
package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/pkg/shard"
)

var (
	testPlacement = shard.Placement{Generation: 1, Region: "apac", Shard: 3}
	baseTime      = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
)

type backendCase struct {
	name    string
	backend Backend
}

func newBackendCases(t *testing.T) []backendCase {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return []backendCase{
		{name: "memory", backend: NewMemoryBackend()},
		{name: "redis", backend: NewRedisBackend(client, "test:")},
	}
}

func withBackends(t *testing.T, fn func(t *testing.T, ctx context.Context, bc backendCase, s ShardStorage)) {
	t.Helper()
	t.Parallel()

	for _, bc := range newBackendCases(t) {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			s, err := bc.backend.Open(ctx, testPlacement)
			require.NoError(t, err)
			fn(t, ctx, bc, s)
		})
	}
}

func requireNotFoundError(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound, "should match storage.ErrNotFound")
}

func newCode(id, user string, ttl time.Duration) *AuthorizationCode {
	return &AuthorizationCode{
		Code:        id,
		ClientID:    "client-a",
		UserID:      user,
		Scope:       "openid profile",
		RedirectURI: "https://app.example.com/cb",
		Placement:   testPlacement,
		IssuedAt:    baseTime,
		ExpiresAt:   baseTime.Add(ttl),
	}
}

func newFamily(id, jti string) (*TokenFamily, *RefreshToken) {
	tok := &RefreshToken{
		JTI:       jti,
		FamilyID:  id,
		UserID:    "user-1",
		ClientID:  "client-a",
		Scope:     "openid",
		Placement: testPlacement,
		IssuedAt:  baseTime,
		ExpiresAt: baseTime.Add(time.Hour),
		Status:    TokenActive,
	}
	fam := &TokenFamily{
		ID:         id,
		UserID:     "user-1",
		ClientID:   "client-a",
		Scope:      "openid",
		Placement:  testPlacement,
		InitialJTI: jti,
		ActiveJTI:  jti,
		Members:    []string{jti},
		Status:     FamilyActive,
		TTL:        time.Hour,
		CreatedAt:  baseTime,
		ExpiresAt:  tok.ExpiresAt,
	}
	return fam, tok
}

func TestAuthorizationCodeLifecycle(t *testing.T) {
	withBackends(t, func(t *testing.T, ctx context.Context, _ backendCase, s ShardStorage) {
		code := newCode("code-1", "user-1", 10*time.Minute)
		require.NoError(t, s.CreateAuthorizationCode(ctx, code))

		err := s.CreateAuthorizationCode(ctx, code)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		got, err := s.GetAuthorizationCode(ctx, "code-1")
		require.NoError(t, err)
		assert.Equal(t, "client-a", got.ClientID)
		assert.Equal(t, testPlacement, got.Placement)
		assert.False(t, got.IsConsumed())

		n, err := s.CountOutstandingCodes(ctx, "user-1", baseTime)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		require.NoError(t, s.ConsumeAuthorizationCode(ctx, "code-1", baseTime.Add(time.Second)))

		got, err = s.GetAuthorizationCode(ctx, "code-1")
		require.NoError(t, err)
		require.True(t, got.IsConsumed())
		assert.True(t, got.ConsumedAt.Equal(baseTime.Add(time.Second)))

		n, err = s.CountOutstandingCodes(ctx, "user-1", baseTime)
		require.NoError(t, err)
		assert.Equal(t, 0, n, "consumed codes are not outstanding")

		require.NoError(t, s.DeleteAuthorizationCode(ctx, "code-1"))
		_, err = s.GetAuthorizationCode(ctx, "code-1")
		requireNotFoundError(t, err)

		require.NoError(t, s.DeleteAuthorizationCode(ctx, "code-1"), "deleting twice is fine")
		requireNotFoundError(t, s.ConsumeAuthorizationCode(ctx, "missing", baseTime))
	})
}

func TestCountOutstandingCodesIgnoresExpired(t *testing.T) {
	withBackends(t, func(t *testing.T, ctx context.Context, _ backendCase, s ShardStorage) {
		require.NoError(t, s.CreateAuthorizationCode(ctx, newCode("short", "user-1", time.Minute)))
		require.NoError(t, s.CreateAuthorizationCode(ctx, newCode("long", "user-1", time.Hour)))
		require.NoError(t, s.CreateAuthorizationCode(ctx, newCode("other", "user-2", time.Hour)))

		n, err := s.CountOutstandingCodes(ctx, "user-1", baseTime)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.CountOutstandingCodes(ctx, "user-1", baseTime.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestTokenFamilyRotationAndRevocation(t *testing.T) {
	withBackends(t, func(t *testing.T, ctx context.Context, _ backendCase, s ShardStorage) {
		fam, first := newFamily("fam-1", "jti-1")
		require.NoError(t, s.CreateTokenFamily(ctx, fam, first))
		assert.ErrorIs(t, s.CreateTokenFamily(ctx, fam, first), ErrAlreadyExists)

		rotated := first.Clone()
		rotated.Status = TokenRotated
		next := &RefreshToken{
			JTI: "jti-2", FamilyID: fam.ID, UserID: fam.UserID, ClientID: fam.ClientID,
			Placement: testPlacement, RotatedFromJTI: first.JTI,
			IssuedAt: baseTime.Add(time.Minute), ExpiresAt: baseTime.Add(time.Minute + time.Hour),
			Status: TokenActive,
		}
		fam.ActiveJTI = next.JTI
		fam.Members = append(fam.Members, next.JTI)
		fam.ExpiresAt = next.ExpiresAt
		require.NoError(t, s.CommitRotation(ctx, fam, rotated, next))

		gotFam, err := s.GetTokenFamily(ctx, "fam-1")
		require.NoError(t, err)
		assert.Equal(t, "jti-2", gotFam.ActiveJTI)
		assert.Equal(t, []string{"jti-1", "jti-2"}, gotFam.Members)

		gotFirst, err := s.GetRefreshToken(ctx, "jti-1")
		require.NoError(t, err)
		assert.Equal(t, TokenRotated, gotFirst.Status)

		gotNext, err := s.GetRefreshToken(ctx, "jti-2")
		require.NoError(t, err)
		assert.Equal(t, "jti-1", gotNext.RotatedFromJTI)
		assert.Equal(t, TokenActive, gotNext.Status)

		revokedAt := baseTime.Add(2 * time.Minute)
		gotFam.Status = FamilyRevoked
		gotFam.ActiveJTI = ""
		gotFam.RevokedReason = "reuse detected"
		gotFam.RevokedAt = &revokedAt
		require.NoError(t, s.CommitRevocation(ctx, gotFam))

		for _, jti := range []string{"jti-1", "jti-2"} {
			tok, err := s.GetRefreshToken(ctx, jti)
			require.NoError(t, err)
			assert.Equal(t, TokenRevoked, tok.Status, jti)
		}
		gotFam, err = s.GetTokenFamily(ctx, "fam-1")
		require.NoError(t, err)
		assert.True(t, gotFam.IsRevoked())
		assert.Equal(t, "reuse detected", gotFam.RevokedReason)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.RefreshTokens)
		assert.Equal(t, 1, stats.Families)
		assert.Equal(t, 1, stats.RevokedFamilies)

		_, err = s.GetTokenFamily(ctx, "missing")
		requireNotFoundError(t, err)
		_, err = s.GetRefreshToken(ctx, "missing")
		requireNotFoundError(t, err)
	})
}

func TestPurge(t *testing.T) {
	withBackends(t, func(t *testing.T, ctx context.Context, bc backendCase, s ShardStorage) {
		for i := range 5 {
			require.NoError(t, s.CreateAuthorizationCode(ctx, newCode(fmt.Sprintf("code-%d", i), "user-1", time.Hour)))
		}
		fam, tok := newFamily("fam-1", "jti-1")
		require.NoError(t, s.CreateTokenFamily(ctx, fam, tok))

		// A neighbouring shard must survive the purge.
		other, err := bc.backend.Open(ctx, shard.Placement{Generation: 2, Region: "apac", Shard: 3})
		require.NoError(t, err)
		require.NoError(t, other.CreateAuthorizationCode(ctx, newCode("keep", "user-1", time.Hour)))

		require.NoError(t, s.Purge(ctx))

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, Stats{}, stats)

		_, err = other.GetAuthorizationCode(ctx, "keep")
		require.NoError(t, err)
	})
}

func TestOpenReturnsSameData(t *testing.T) {
	withBackends(t, func(t *testing.T, ctx context.Context, bc backendCase, s ShardStorage) {
		require.NoError(t, s.CreateAuthorizationCode(ctx, newCode("code-1", "user-1", time.Hour)))

		again, err := bc.backend.Open(ctx, testPlacement)
		require.NoError(t, err)
		_, err = again.GetAuthorizationCode(ctx, "code-1")
		require.NoError(t, err)
	})
}

func TestMemoryPurgeExpired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.CreateAuthorizationCode(ctx, newCode("short", "user-1", time.Minute)))
	require.NoError(t, s.CreateAuthorizationCode(ctx, newCode("long", "user-1", time.Hour)))
	fam, tok := newFamily("fam-1", "jti-1")
	require.NoError(t, s.CreateTokenFamily(ctx, fam, tok))

	removed, err := s.PurgeExpired(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = s.PurgeExpired(ctx, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, removed, "long code, token and family")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestRedisRecordsExpireWithTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := NewRedisBackend(client, "test:").Open(ctx, testPlacement)
	require.NoError(t, err)

	require.NoError(t, s.CreateAuthorizationCode(ctx, newCode("code-1", "user-1", time.Minute)))
	assert.True(t, mr.Exists("test:g1:apac:3:code:code-1"))

	// Consuming keeps the original TTL.
	require.NoError(t, s.ConsumeAuthorizationCode(ctx, "code-1", baseTime))
	assert.Equal(t, time.Minute, mr.TTL("test:g1:apac:3:code:code-1"))

	mr.FastForward(2 * time.Minute)
	_, err = s.GetAuthorizationCode(ctx, "code-1")
	requireNotFoundError(t, err)

	removed, err := s.PurgeExpired(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestConsumeTwiceConflicts(t *testing.T) {
	withBackends(t, func(t *testing.T, ctx context.Context, _ backendCase, s ShardStorage) {
		require.NoError(t, s.CreateAuthorizationCode(ctx, newCode("code-1", "user-1", time.Hour)))
		require.NoError(t, s.ConsumeAuthorizationCode(ctx, "code-1", baseTime))

		err := s.ConsumeAuthorizationCode(ctx, "code-1", baseTime.Add(time.Second))
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetAuthorizationCode(ctx, "code-1")
		require.NoError(t, err)
		assert.True(t, got.ConsumedAt.Equal(baseTime), "first consumption wins")
	})
}

func rotation(fam *TokenFamily, from *RefreshToken, jti string) (*TokenFamily, *RefreshToken, *RefreshToken) {
	rotated := from.Clone()
	rotated.Status = TokenRotated
	next := &RefreshToken{
		JTI: jti, FamilyID: fam.ID, UserID: fam.UserID, ClientID: fam.ClientID,
		Placement: testPlacement, RotatedFromJTI: from.JTI,
		IssuedAt: baseTime.Add(time.Minute), ExpiresAt: baseTime.Add(time.Minute + time.Hour),
		Status: TokenActive,
	}
	updated := fam.Clone()
	updated.ActiveJTI = next.JTI
	updated.Members = append(updated.Members, next.JTI)
	updated.ExpiresAt = next.ExpiresAt
	return updated, rotated, next
}

func TestCommitRotationRequiresActiveMember(t *testing.T) {
	withBackends(t, func(t *testing.T, ctx context.Context, _ backendCase, s ShardStorage) {
		fam, first := newFamily("fam-1", "jti-1")
		require.NoError(t, s.CreateTokenFamily(ctx, fam, first))

		// Two writers read the same family and both try to rotate jti-1.
		winner, rotated, next := rotation(fam, first, "jti-2")
		loser, lostRotated, lostNext := rotation(fam, first, "jti-3")

		require.NoError(t, s.CommitRotation(ctx, winner, rotated, next))
		err := s.CommitRotation(ctx, loser, lostRotated, lostNext)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetTokenFamily(ctx, "fam-1")
		require.NoError(t, err)
		assert.Equal(t, "jti-2", got.ActiveJTI)
		assert.Equal(t, []string{"jti-1", "jti-2"}, got.Members)
		_, err = s.GetRefreshToken(ctx, "jti-3")
		requireNotFoundError(t, err)

		// A revoked family cannot be rotated either.
		revoked := got.Clone()
		revokedAt := baseTime.Add(2 * time.Minute)
		revoked.Status = FamilyRevoked
		revoked.RevokedAt = &revokedAt
		require.NoError(t, s.CommitRevocation(ctx, revoked))
		tok, err := s.GetRefreshToken(ctx, "jti-2")
		require.NoError(t, err)
		again, rotated2, next2 := rotation(got, tok, "jti-4")
		assert.ErrorIs(t, s.CommitRotation(ctx, again, rotated2, next2), ErrConflict)
	})
}

func TestCommitRevocationCoversConcurrentRotation(t *testing.T) {
	withBackends(t, func(t *testing.T, ctx context.Context, _ backendCase, s ShardStorage) {
		fam, first := newFamily("fam-1", "jti-1")
		require.NoError(t, s.CreateTokenFamily(ctx, fam, first))

		// The revoker read the family before the rotation landed.
		stale := fam.Clone()
		updated, rotated, next := rotation(fam, first, "jti-2")
		require.NoError(t, s.CommitRotation(ctx, updated, rotated, next))

		revokedAt := baseTime.Add(2 * time.Minute)
		stale.Status = FamilyRevoked
		stale.ActiveJTI = ""
		stale.RevokedReason = "admin"
		stale.RevokedAt = &revokedAt
		require.NoError(t, s.CommitRevocation(ctx, stale))

		got, err := s.GetTokenFamily(ctx, "fam-1")
		require.NoError(t, err)
		assert.True(t, got.IsRevoked())
		assert.Empty(t, got.ActiveJTI)
		assert.Equal(t, []string{"jti-1", "jti-2"}, got.Members)
		for _, jti := range got.Members {
			tok, err := s.GetRefreshToken(ctx, jti)
			require.NoError(t, err)
			assert.Equal(t, TokenRevoked, tok.Status, jti)
		}
	})
}

func TestRedisConsumeRaceAcrossClients(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	open := func() ShardStorage {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		s, err := NewRedisBackend(client, "test:").Open(ctx, testPlacement)
		require.NoError(t, err)
		return s
	}
	a, b := open(), open()

	for i := range 50 {
		code := fmt.Sprintf("code-%d", i)
		require.NoError(t, a.CreateAuthorizationCode(ctx, newCode(code, "user-1", time.Hour)))

		errs := make(chan error, 2)
		for _, s := range []ShardStorage{a, b} {
			go func() { errs <- s.ConsumeAuthorizationCode(ctx, code, baseTime) }()
		}
		var won int
		for range 2 {
			err := <-errs
			if err == nil {
				won++
				continue
			}
			assert.ErrorIs(t, err, ErrConflict)
		}
		assert.Equal(t, 1, won, code)
	}
}
