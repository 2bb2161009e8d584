// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authcode issues and redeems single-use authorization codes.
//
// Codes are routed by (user, client) to a shard of the current generation
// and carry that placement in their identifier, so redemption goes straight
// to the owning shard even after the group has been resharded. Redemption
// runs inside the shard worker, and the storage commit refuses a code that
// is already consumed, so it is at-most-once even across processes.
package authcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/sgrastar/authrim/pkg/authserver/partition"
	"github.com/sgrastar/authrim/pkg/authserver/storage"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
	"github.com/sgrastar/authrim/pkg/telemetry"
)

// DefaultMaxCodesPerUser caps outstanding codes per user on a shard.
const DefaultMaxCodesPerUser = 100

// IssueRequest carries the authorization request being granted.
type IssueRequest struct {
	ClientID      string
	UserID        string
	Scope         string
	RedirectURI   string
	PKCEChallenge string
	PKCEMethod    string
	Nonce         string
	// TTL defaults to storage.DefaultAuthCodeTTL.
	TTL time.Duration
}

// Grant is what a successful redemption hands to the token endpoint.
type Grant struct {
	UserID        string
	ClientID      string
	Scope         string
	RedirectURI   string
	PKCEChallenge string
	PKCEMethod    string
	Nonce         string
	IssuedAt      time.Time
	Placement     shard.Placement
}

// Store issues and redeems authorization codes.
type Store struct {
	manager         *shard.Manager
	pool            *partition.Pool
	clock           clock.PassiveClock
	maxCodesPerUser int
	defaultTTL      time.Duration
	metrics         *telemetry.Metrics
	logger          *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithMaxCodesPerUser sets the outstanding-code cap.
func WithMaxCodesPerUser(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxCodesPerUser = n
		}
	}
}

// WithDefaultTTL sets the TTL used when a request carries none.
func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithMetrics records issuance and redemption outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a Store routing through manager and executing on pool.
func New(manager *shard.Manager, pool *partition.Pool, opts ...Option) *Store {
	s := &Store{
		manager:         manager,
		pool:            pool,
		clock:           clock.RealClock{},
		maxCodesPerUser: DefaultMaxCodesPerUser,
		defaultTTL:      storage.DefaultAuthCodeTTL,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a code for req on the current generation.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (string, error) {
	if req.ClientID == "" || req.UserID == "" {
		return "", autherrors.NewInvalidArgumentError("client and user are required", nil)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	gen, err := s.manager.WriteGeneration(ctx)
	if err != nil {
		return "", autherrors.NewInternalError("failed to load current generation", err)
	}
	placement := shard.Route(shard.EntityKey(req.UserID, req.ClientID), gen)
	code := shard.NewIdentifier(placement, shard.KindAuthorizationCode).String()
	now := s.clock.Now()

	err = s.pool.Do(ctx, placement, func(ctx context.Context, st storage.ShardStorage) error {
		outstanding, err := st.CountOutstandingCodes(ctx, req.UserID, now)
		if err != nil {
			return err
		}
		if outstanding >= s.maxCodesPerUser {
			return autherrors.NewResourceExhaustedError(
				fmt.Sprintf("user has %d outstanding authorization codes", outstanding))
		}
		return st.CreateAuthorizationCode(ctx, &storage.AuthorizationCode{
			Code:          code,
			ClientID:      req.ClientID,
			UserID:        req.UserID,
			Scope:         req.Scope,
			RedirectURI:   req.RedirectURI,
			PKCEChallenge: req.PKCEChallenge,
			PKCEMethod:    req.PKCEMethod,
			Nonce:         req.Nonce,
			Placement:     placement,
			IssuedAt:      now,
			ExpiresAt:     now.Add(ttl),
		})
	})
	if err != nil {
		if autherrors.IsResourceExhausted(err) {
			s.logger.Warn("authorization code cap reached", "client_id", req.ClientID, "placement", placement.String())
			return "", err
		}
		return "", wrapInternal("failed to issue authorization code", err)
	}

	s.metrics.CodeIssued(ctx, placement)
	return code, nil
}

// Redeem consumes code. Exactly one call can succeed for any code; every
// other call, concurrent or later, gets invalid_grant.
func (s *Store) Redeem(ctx context.Context, code, clientID, redirectURI string) (*Grant, error) {
	id, err := shard.ParseIdentifierOfKind(code, shard.KindAuthorizationCode)
	if err != nil {
		return nil, s.reject(ctx, autherrors.ReasonUnknown)
	}
	gen, err := s.manager.Resolve(ctx, id.Generation)
	if errors.Is(err, shard.ErrGenerationNotRetained) {
		return nil, s.reject(ctx, autherrors.ReasonUnknown)
	}
	if err != nil {
		return nil, autherrors.NewInternalError("failed to resolve generation", err)
	}
	if !gen.Owns(id.Placement) {
		return nil, s.reject(ctx, autherrors.ReasonUnknown)
	}

	key := id.String()
	var (
		grant  *Grant
		reason autherrors.Reason
	)
	err = s.pool.Do(ctx, id.Placement, func(ctx context.Context, st storage.ShardStorage) error {
		c, err := st.GetAuthorizationCode(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			reason = autherrors.ReasonUnknown
			return nil
		}
		if err != nil {
			return err
		}

		now := s.clock.Now()
		switch {
		case c.IsConsumed():
			reason = autherrors.ReasonCodeAlreadyUsed
		case c.IsExpired(now):
			reason = autherrors.ReasonExpired
		case c.ClientID != clientID:
			reason = autherrors.ReasonClientMismatch
		case c.RedirectURI != "" && c.RedirectURI != redirectURI:
			reason = autherrors.ReasonRedirectMismatch
		default:
			consumeErr := st.ConsumeAuthorizationCode(ctx, key, now)
			if errors.Is(consumeErr, storage.ErrConflict) {
				// another process sharing the backend redeemed it first
				reason = autherrors.ReasonCodeAlreadyUsed
				return nil
			}
			if consumeErr != nil {
				return consumeErr
			}
			grant = &Grant{
				UserID:        c.UserID,
				ClientID:      c.ClientID,
				Scope:         c.Scope,
				RedirectURI:   c.RedirectURI,
				PKCEChallenge: c.PKCEChallenge,
				PKCEMethod:    c.PKCEMethod,
				Nonce:         c.Nonce,
				IssuedAt:      c.IssuedAt,
				Placement:     c.Placement,
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapInternal("failed to redeem authorization code", err)
	}
	if grant == nil {
		return nil, s.reject(ctx, reason)
	}

	s.metrics.CodeRedeemed(ctx, autherrors.ReasonNone)
	return grant, nil
}

func (s *Store) reject(ctx context.Context, reason autherrors.Reason) error {
	s.metrics.CodeRedeemed(ctx, reason)
	s.logger.Debug("authorization code rejected", "reason", string(reason))
	return autherrors.NewInvalidGrantError(reason, "authorization code rejected")
}

// wrapInternal keeps typed errors and wraps everything else as internal.
func wrapInternal(msg string, err error) error {
	var typed *autherrors.Error
	if errors.As(err, &typed) {
		return err
	}
	return autherrors.NewInternalError(msg, err)
}
