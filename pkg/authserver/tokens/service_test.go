// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sgrastar/authrim/pkg/authserver/authcode"
	"github.com/sgrastar/authrim/pkg/authserver/familyindex"
	"github.com/sgrastar/authrim/pkg/authserver/partition"
	"github.com/sgrastar/authrim/pkg/authserver/refresh"
	"github.com/sgrastar/authrim/pkg/authserver/signing"
	"github.com/sgrastar/authrim/pkg/authserver/storage"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
)

const (
	verifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	redirect  = "https://app.example.com/cb"
)

type harness struct {
	clock   *testingclock.FakeClock
	index   *familyindex.SQLiteIndex
	writer  *familyindex.AsyncWriter
	signer  *signing.JoseSigner
	service *Service
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	clk := testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	manager := shard.NewManager(shard.DefaultGroupID, shard.NewMemoryStateStore(), shard.WithClock(clk))
	cfg := shard.DefaultGroupConfig()
	cfg.TotalShards = 16
	_, err := manager.Bootstrap(ctx, cfg)
	require.NoError(t, err)

	pool := partition.NewPool("tokens", storage.NewMemoryBackend())
	t.Cleanup(func() { _ = pool.Close() })

	idx, err := familyindex.Open(ctx, filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	writer := familyindex.NewAsyncWriter(idx)
	t.Cleanup(func() { _ = writer.Close() })

	key, err := signing.GenerateSigningKey()
	require.NoError(t, err)
	signer, err := signing.NewJoseSigner("https://id.example.com", key)
	require.NoError(t, err)

	codes := authcode.New(manager, pool, authcode.WithClock(clk))
	rotator := refresh.New(manager, pool, refresh.WithClock(clk), refresh.WithIndexer(writer))

	opts = append([]Option{WithClock(clk), WithIndex(idx)}, opts...)
	return &harness{
		clock:   clk,
		index:   idx,
		writer:  writer,
		signer:  signer,
		service: New(codes, rotator, signer, opts...),
	}
}

func (h *harness) login(t *testing.T, user, client string) *TokenResponse {
	t.Helper()
	ctx := context.Background()
	code, err := h.service.Authorize(ctx, authcode.IssueRequest{
		ClientID:      client,
		UserID:        user,
		Scope:         "openid offline_access",
		RedirectURI:   redirect,
		PKCEChallenge: challenge,
		PKCEMethod:    PKCEMethodS256,
		Nonce:         "nonce-1",
	})
	require.NoError(t, err)
	resp, err := h.service.ExchangeCode(ctx, ExchangeRequest{
		Code:         code,
		ClientID:     client,
		RedirectURI:  redirect,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	return resp
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	require.NoError(t, h.writer.Flush(context.Background()))
}

func TestExchangeCodeIssuesTokens(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	resp := h.login(t, "user-42", "client-A")
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, int64(3600), resp.ExpiresIn)
	assert.Equal(t, "openid offline_access", resp.Scope)
	require.NotEmpty(t, resp.IDToken)

	_, err := shard.ParseIdentifierOfKind(resp.RefreshToken, shard.KindRefreshToken)
	require.NoError(t, err)

	parsed, err := jwt.ParseSigned(resp.IDToken, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	var claims struct {
		jwt.Claims
		Nonce string `json:"nonce"`
	}
	require.NoError(t, parsed.Claims(h.signer.PublicKeys().Keys[0].Key, &claims))
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "nonce-1", claims.Nonce)
}

func TestExchangeCodeRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	issue := func() string {
		code, err := h.service.Authorize(ctx, authcode.IssueRequest{
			ClientID:      "client-A",
			UserID:        "user-42",
			Scope:         "profile",
			RedirectURI:   redirect,
			PKCEChallenge: challenge,
			PKCEMethod:    PKCEMethodS256,
		})
		require.NoError(t, err)
		return code
	}

	code := issue()
	_, err := h.service.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "client-A", RedirectURI: redirect, CodeVerifier: "wrong"})
	require.Error(t, err)
	assert.Equal(t, autherrors.ReasonPKCEMismatch, autherrors.ReasonOf(err))

	// The code was spent by the failed attempt.
	_, err = h.service.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "client-A", RedirectURI: redirect, CodeVerifier: verifier})
	assert.Equal(t, autherrors.ReasonCodeAlreadyUsed, autherrors.ReasonOf(err))

	code = issue()
	resp, err := h.service.ExchangeCode(ctx, ExchangeRequest{Code: code, ClientID: "client-A", RedirectURI: redirect, CodeVerifier: verifier})
	require.NoError(t, err)
	assert.Empty(t, resp.IDToken, "no openid scope")

	_, err = h.service.Authorize(ctx, authcode.IssueRequest{ClientID: "c", UserID: "u", PKCEChallenge: "x", PKCEMethod: "S512"})
	assert.Equal(t, 400, autherrors.Code(err))
}

func TestRefreshRotatesAndDetectsReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	first := h.login(t, "user-42", "client-A")
	second, err := h.service.Refresh(ctx, first.RefreshToken, "client-A")
	require.NoError(t, err)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.NotEmpty(t, second.AccessToken)

	_, err = h.service.Refresh(ctx, second.RefreshToken, "client-B")
	assert.Equal(t, autherrors.ReasonClientMismatch, autherrors.ReasonOf(err))

	_, err = h.service.Refresh(ctx, first.RefreshToken, "client-A")
	assert.Equal(t, autherrors.ReasonReuseDetected, autherrors.ReasonOf(err))

	_, err = h.service.Refresh(ctx, second.RefreshToken, "client-A")
	assert.Equal(t, autherrors.ReasonFamilyRevoked, autherrors.ReasonOf(err))
	assert.Equal(t, "invalid_grant", autherrors.ToRFC6749(err).ErrorField)
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t, WithRateLimit(1, 2))

	req := authcode.IssueRequest{ClientID: "client-A", UserID: "user-42", RedirectURI: redirect}
	for range 2 {
		_, err := h.service.Authorize(ctx, req)
		require.NoError(t, err)
	}
	_, err := h.service.Authorize(ctx, req)
	require.Error(t, err)
	assert.True(t, autherrors.IsRateLimited(err))

	// Other users have their own bucket.
	other := req
	other.UserID = "user-7"
	_, err = h.service.Authorize(ctx, other)
	require.NoError(t, err)

	h.clock.Step(time.Second)
	_, err = h.service.Authorize(ctx, req)
	require.NoError(t, err)
}

func TestRevokeUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	var refreshTokens []string
	for _, client := range []string{"client-A", "client-B", "client-C"} {
		refreshTokens = append(refreshTokens, h.login(t, "user-42", client).RefreshToken)
	}
	bystander := h.login(t, "user-7", "client-A")
	h.flush(t)

	// Revoke one family up front; the index drops it once the writer catches up.
	entries, err := h.index.Families(ctx, "user-42")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	var famC string
	for _, e := range entries {
		if e.ClientID == "client-C" {
			famC = e.FamilyID
		}
	}
	_, err = h.service.RevokeFamily(ctx, famC, "")
	require.NoError(t, err)
	h.flush(t)

	res, err := h.service.RevokeUser(ctx, "user-42")
	require.NoError(t, err)
	assert.Equal(t, &RevokeUserResult{Revoked: 2}, res)

	for i, client := range []string{"client-A", "client-B", "client-C"} {
		_, err := h.service.Refresh(ctx, refreshTokens[i], client)
		assert.Equal(t, autherrors.ReasonFamilyRevoked, autherrors.ReasonOf(err), client)
	}
	_, err = h.service.Refresh(ctx, bystander.RefreshToken, "client-A")
	assert.NoError(t, err)

	h.flush(t)
	sessions, err := h.service.ListSessions(ctx, "user-42")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestListSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	h.login(t, "user-42", "client-A")
	h.clock.Step(time.Minute)
	h.login(t, "user-42", "client-B")
	h.flush(t)

	// An index row whose family the shards never held is dropped.
	ghost := shard.NewIdentifier(shard.Placement{Generation: 1, Region: "enam", Shard: 5}, shard.KindTokenFamily).String()
	require.NoError(t, h.index.Record(ctx, familyindex.Entry{
		JTI:        "g1:enam:5:rft_ghost",
		FamilyID:   ghost,
		UserID:     "user-42",
		ClientID:   "client-Z",
		Generation: 1,
		IssuedAt:   h.clock.Now(),
		ExpiresAt:  h.clock.Now().Add(time.Hour),
	}))

	sessions, err := h.service.ListSessions(ctx, "user-42")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "client-A", sessions[0].ClientID)
	assert.Equal(t, "client-B", sessions[1].ClientID)
	assert.Equal(t, 1, sessions[0].Generation)

	entries, err := h.index.Families(ctx, "user-42")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestPruneIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	start := h.clock.Now()

	kept := h.login(t, "user-42", "client-A")
	h.login(t, "user-42", "client-B")
	h.flush(t)

	ghost := shard.NewIdentifier(shard.Placement{Generation: 1, Region: "enam", Shard: 5}, shard.KindTokenFamily).String()
	require.NoError(t, h.index.Record(ctx, familyindex.Entry{
		JTI:        "g1:enam:5:rft_ghost",
		FamilyID:   ghost,
		UserID:     "user-42",
		ClientID:   "client-Z",
		Generation: 1,
		IssuedAt:   start,
		ExpiresAt:  start.Add(time.Minute),
	}))

	// Rotation keeps client-A's family alive past the expiry recorded at
	// issuance; client-B's family lapses.
	h.clock.Step(storage.DefaultRefreshTokenTTL - time.Minute)
	_, err := h.service.Refresh(ctx, kept.RefreshToken, "client-A")
	require.NoError(t, err)
	h.clock.Step(2 * time.Minute)

	res, err := h.service.PruneIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{Forgotten: 2, Extended: 1}, *res)

	entries, err := h.index.Families(ctx, "user-42")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "client-A", entries[0].ClientID)
	assert.True(t, entries[0].ExpiresAt.After(h.clock.Now()), "recorded expiry follows the family")

	res, err = h.service.PruneIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, PruneResult{}, *res)
}

func TestIndexRequired(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	svc := New(h.service.codes, h.service.rotator, h.signer)

	_, err := svc.RevokeUser(context.Background(), "user-42")
	assert.Equal(t, 503, autherrors.Code(err))
	_, err = svc.ListSessions(context.Background(), "user-42")
	assert.Equal(t, 503, autherrors.Code(err))
	_, err = svc.PruneIndex(context.Background())
	assert.Equal(t, 503, autherrors.Code(err))
}

func TestVerifyPKCE(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		want      bool
	}{
		{"no challenge", "", "", "anything", true},
		{"s256 match", challenge, PKCEMethodS256, verifier, true},
		{"s256 mismatch", challenge, PKCEMethodS256, verifier + "x", false},
		{"plain match", "abc", PKCEMethodPlain, "abc", true},
		{"plain mismatch", "abc", PKCEMethodPlain, "abd", false},
		{"missing verifier", challenge, PKCEMethodS256, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, verifyPKCE(tt.challenge, tt.method, tt.verifier))
		})
	}
}
