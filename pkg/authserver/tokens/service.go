// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens is the token endpoint facade over the sharded stores. It
// turns authorization codes and refresh tokens into signed token responses
// and fans administrative revocations out over the family index.
package tokens

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"k8s.io/utils/clock"

	"github.com/sgrastar/authrim/pkg/authserver/authcode"
	"github.com/sgrastar/authrim/pkg/authserver/familyindex"
	"github.com/sgrastar/authrim/pkg/authserver/refresh"
	"github.com/sgrastar/authrim/pkg/authserver/signing"
	"github.com/sgrastar/authrim/pkg/authserver/storage"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
)

// Defaults for issued tokens.
const (
	DefaultAccessTokenTTL = time.Hour
	DefaultIDTokenTTL     = time.Hour
	// revokeConcurrency bounds the shards touched at once by RevokeUser.
	revokeConcurrency = 8
	// pruneBatch bounds the index rows checked by one PruneIndex call.
	pruneBatch = 500
)

// PKCE methods.
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ExchangeRequest is an authorization_code grant.
type ExchangeRequest struct {
	Code         string
	ClientID     string
	RedirectURI  string
	CodeVerifier string
}

// TokenResponse is the RFC 6749 section 5.1 response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Session is an active refresh token family as seen by its owning shard.
type Session struct {
	FamilyID   string    `json:"familyId"`
	ClientID   string    `json:"clientId"`
	Scope      string    `json:"scope"`
	Generation int       `json:"generation"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// RevokeUserResult counts what a user-wide revocation did.
type RevokeUserResult struct {
	Revoked        int `json:"revoked"`
	AlreadyRevoked int `json:"alreadyRevoked"`
	Missing        int `json:"missing"`
	Failed         int `json:"failed"`
}

// Service issues token responses.
type Service struct {
	codes          *authcode.Store
	rotator        *refresh.Rotator
	signer         signing.Signer
	index          familyindex.Index
	clock          clock.PassiveClock
	accessTokenTTL time.Duration
	idTokenTTL     time.Duration
	rateLimit      float64
	rateBurst      int
	limiter        *keyedLimiter
	logger         *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIndex enables RevokeUser and ListSessions.
func WithIndex(idx familyindex.Index) Option {
	return func(s *Service) {
		s.index = idx
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithAccessTokenTTL sets the access token lifetime.
func WithAccessTokenTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.accessTokenTTL = d
		}
	}
}

// WithIDTokenTTL sets the ID token lifetime.
func WithIDTokenTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.idTokenTTL = d
		}
	}
}

// WithRateLimit allows limit requests per second with the given burst per
// user on issue and per client on redeem and rotate. A zero limit
// disables limiting.
func WithRateLimit(limit float64, burst int) Option {
	return func(s *Service) {
		s.rateLimit = limit
		s.rateBurst = burst
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// New creates a Service.
func New(codes *authcode.Store, rotator *refresh.Rotator, signer signing.Signer, opts ...Option) *Service {
	s := &Service{
		codes:          codes,
		rotator:        rotator,
		signer:         signer,
		clock:          clock.RealClock{},
		accessTokenTTL: DefaultAccessTokenTTL,
		idTokenTTL:     DefaultIDTokenTTL,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rateLimit > 0 && s.rateBurst > 0 {
		s.limiter = newKeyedLimiter(rate.Limit(s.rateLimit), s.rateBurst, s.clock)
	}
	return s
}

func (s *Service) throttle(kind, key string) error {
	if s.limiter.allow(kind + ":" + key) {
		return nil
	}
	return autherrors.NewRateLimitedError("too many requests")
}

// Authorize records an authorization grant and returns its code.
func (s *Service) Authorize(ctx context.Context, req authcode.IssueRequest) (string, error) {
	if err := s.throttle("user", req.UserID); err != nil {
		return "", err
	}
	if req.PKCEChallenge != "" && req.PKCEMethod == "" {
		req.PKCEMethod = PKCEMethodPlain
	}
	switch req.PKCEMethod {
	case "", PKCEMethodS256, PKCEMethodPlain:
	default:
		return "", autherrors.NewInvalidArgumentError(fmt.Sprintf("unsupported code challenge method %q", req.PKCEMethod), nil)
	}
	return s.codes.Issue(ctx, req)
}

// ExchangeCode redeems a code and starts a refresh token family.
func (s *Service) ExchangeCode(ctx context.Context, req ExchangeRequest) (*TokenResponse, error) {
	if err := s.throttle("client", req.ClientID); err != nil {
		return nil, err
	}
	grant, err := s.codes.Redeem(ctx, req.Code, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	if !verifyPKCE(grant.PKCEChallenge, grant.PKCEMethod, req.CodeVerifier) {
		s.logger.Debug("authorization code rejected", "reason", string(autherrors.ReasonPKCEMismatch))
		return nil, autherrors.NewInvalidGrantError(autherrors.ReasonPKCEMismatch, "authorization code rejected")
	}

	rt, err := s.rotator.IssueInitial(ctx, refresh.IssueRequest{
		UserID:   grant.UserID,
		ClientID: grant.ClientID,
		Scope:    grant.Scope,
	})
	if err != nil {
		return nil, err
	}
	resp, err := s.respond(ctx, rt)
	if err != nil {
		return nil, err
	}
	if hasScope(grant.Scope, "openid") {
		now := s.clock.Now()
		resp.IDToken, err = s.signer.SignIDToken(ctx, signing.IDTokenClaims{
			Subject:   grant.UserID,
			Audience:  grant.ClientID,
			Nonce:     grant.Nonce,
			AuthTime:  grant.IssuedAt,
			IssuedAt:  now,
			ExpiresAt: now.Add(s.idTokenTTL),
		})
		if err != nil {
			return nil, autherrors.NewInternalError("failed to sign id token", err)
		}
	}
	return resp, nil
}

// Refresh rotates refreshToken for clientID.
func (s *Service) Refresh(ctx context.Context, refreshToken, clientID string) (*TokenResponse, error) {
	if err := s.throttle("client", clientID); err != nil {
		return nil, err
	}
	next, err := s.rotator.RotateForClient(ctx, refreshToken, clientID)
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, next)
}

func (s *Service) respond(ctx context.Context, rt *storage.RefreshToken) (*TokenResponse, error) {
	now := s.clock.Now()
	access, err := s.signer.SignAccessToken(ctx, signing.AccessTokenClaims{
		Subject:   rt.UserID,
		ClientID:  rt.ClientID,
		Scope:     rt.Scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.accessTokenTTL),
	})
	if err != nil {
		return nil, autherrors.NewInternalError("failed to sign access token", err)
	}
	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.accessTokenTTL / time.Second),
		RefreshToken: rt.JTI,
		Scope:        rt.Scope,
	}, nil
}

// RevokeFamily revokes one family on behalf of an administrator.
func (s *Service) RevokeFamily(ctx context.Context, familyID, reason string) (*storage.TokenFamily, error) {
	if reason == "" {
		reason = refresh.RevokedByAdmin
	}
	return s.rotator.RevokeFamily(ctx, familyID, reason)
}

// RevokeUser revokes every family the index knows for userID. It is best
// effort: families the index has not caught up with are missed, and
// failures are counted rather than aborting the fan-out.
func (s *Service) RevokeUser(ctx context.Context, userID string) (*RevokeUserResult, error) {
	if s.index == nil {
		return nil, autherrors.NewUnavailableError("family index is not configured", nil)
	}
	entries, err := s.index.Families(ctx, userID)
	if err != nil {
		return nil, autherrors.NewInternalError("failed to query family index", err)
	}

	var revoked, already, missing, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(revokeConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			before, err := s.rotator.Family(gctx, e.FamilyID)
			if err == nil && before.IsRevoked() {
				already.Add(1)
				return nil
			}
			if err == nil {
				_, err = s.rotator.RevokeFamily(gctx, e.FamilyID, refresh.RevokedUserLogout)
			}
			switch {
			case err == nil:
				revoked.Add(1)
			case autherrors.IsNotFound(err):
				missing.Add(1)
				if ferr := s.index.Forget(gctx, e.FamilyID); ferr != nil {
					s.logger.Warn("failed to drop stale index entry", "family_id", e.FamilyID, "error", ferr)
				}
			default:
				failed.Add(1)
				s.logger.Warn("failed to revoke token family", "family_id", e.FamilyID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := &RevokeUserResult{
		Revoked:        int(revoked.Load()),
		AlreadyRevoked: int(already.Load()),
		Missing:        int(missing.Load()),
		Failed:         int(failed.Load()),
	}
	s.logger.Info("revoked user token families",
		"user_id", userID, "revoked", res.Revoked, "already_revoked", res.AlreadyRevoked,
		"missing", res.Missing, "failed", res.Failed)
	return res, nil
}

// ListSessions returns the user's active families, oldest first. The
// index nominates candidates and each owning shard confirms them.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	if s.index == nil {
		return nil, autherrors.NewUnavailableError("family index is not configured", nil)
	}
	entries, err := s.index.Families(ctx, userID)
	if err != nil {
		return nil, autherrors.NewInternalError("failed to query family index", err)
	}

	now := s.clock.Now()
	found := make([]*Session, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(revokeConcurrency)
	for i, e := range entries {
		g.Go(func() error {
			fam, err := s.rotator.Family(gctx, e.FamilyID)
			if autherrors.IsNotFound(err) {
				_ = s.index.Forget(gctx, e.FamilyID)
				return nil
			}
			if err != nil {
				return err
			}
			if fam.IsRevoked() || !now.Before(fam.ExpiresAt) {
				return nil
			}
			found[i] = &Session{
				FamilyID:   fam.ID,
				ClientID:   fam.ClientID,
				Scope:      fam.Scope,
				Generation: fam.Placement.Generation,
				CreatedAt:  fam.CreatedAt,
				ExpiresAt:  fam.ExpiresAt,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]Session, 0, len(found))
	for _, sess := range found {
		if sess != nil {
			out = append(out, *sess)
		}
	}
	return out, nil
}

// PruneResult counts what one PruneIndex pass did.
type PruneResult struct {
	Forgotten int `json:"forgotten"`
	Extended  int `json:"extended"`
	Failed    int `json:"failed"`
}

// PruneIndex drops index rows of families that have expired. Rows are
// nominated by their recorded expiry and confirmed on the owning shard: a
// family that rotation kept alive gets its recorded expiry moved forward
// instead.
func (s *Service) PruneIndex(ctx context.Context) (*PruneResult, error) {
	if s.index == nil {
		return nil, autherrors.NewUnavailableError("family index is not configured", nil)
	}
	now := s.clock.Now()
	entries, err := s.index.Expired(ctx, now, pruneBatch)
	if err != nil {
		return nil, autherrors.NewInternalError("failed to query family index", err)
	}

	var forgotten, extended, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(revokeConcurrency)
	for _, e := range entries {
		g.Go(func() error {
			fam, err := s.rotator.Family(gctx, e.FamilyID)
			switch {
			case autherrors.IsNotFound(err):
			case err != nil:
				failed.Add(1)
				s.logger.Warn("failed to check indexed token family", "family_id", e.FamilyID, "error", err)
				return nil
			case !fam.IsRevoked() && now.Before(fam.ExpiresAt):
				if err := s.index.Extend(gctx, e.FamilyID, fam.ExpiresAt); err != nil {
					failed.Add(1)
					s.logger.Warn("failed to extend index entry", "family_id", e.FamilyID, "error", err)
					return nil
				}
				extended.Add(1)
				return nil
			}
			if err := s.index.Forget(gctx, e.FamilyID); err != nil {
				failed.Add(1)
				s.logger.Warn("failed to drop expired index entry", "family_id", e.FamilyID, "error", err)
				return nil
			}
			forgotten.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return &PruneResult{
		Forgotten: int(forgotten.Load()),
		Extended:  int(extended.Load()),
		Failed:    int(failed.Load()),
	}, nil
}

// verifyPKCE checks verifier against the stored challenge. Codes issued
// without a challenge accept any verifier.
func verifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" {
		return true
	}
	if verifier == "" {
		return false
	}
	computed := verifier
	if method == PKCEMethodS256 {
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

func hasScope(scope, want string) bool {
	return slices.Contains(strings.Fields(scope), want)
}
