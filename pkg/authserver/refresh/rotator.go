// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/sgrastar/authrim/pkg/authserver/partition"
	"github.com/sgrastar/authrim/pkg/authserver/storage"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
	"github.com/sgrastar/authrim/pkg/telemetry"
)

// Revocation reasons recorded on a family.
const (
	RevokedReuseDetected = "reuse_detected"
	RevokedByAdmin       = "admin"
	RevokedUserLogout    = "user_revoked"
)

// Indexer is told about family issuance and revocation. Calls happen after
// the shard has committed and must not block.
type Indexer interface {
	FamilyIssued(ctx context.Context, family *storage.TokenFamily, token *storage.RefreshToken)
	FamilyRevoked(ctx context.Context, family *storage.TokenFamily)
}

// IssueRequest describes a new refresh token family.
type IssueRequest struct {
	UserID   string
	ClientID string
	Scope    string
	// TTL defaults to storage.DefaultRefreshTokenTTL and is reused for
	// every rotation of the family.
	TTL time.Duration
}

// Rotator issues, rotates and revokes refresh token families.
type Rotator struct {
	manager    *shard.Manager
	pool       *partition.Pool
	clock      clock.PassiveClock
	defaultTTL time.Duration
	indexer    Indexer
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// Option configures a Rotator.
type Option func(*Rotator)

// WithDefaultTTL sets the TTL used when a request carries none.
func WithDefaultTTL(d time.Duration) Option {
	return func(r *Rotator) {
		if d > 0 {
			r.defaultTTL = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.PassiveClock) Option {
	return func(r *Rotator) {
		r.clock = c
	}
}

// WithIndexer registers the family index.
func WithIndexer(idx Indexer) Option {
	return func(r *Rotator) {
		r.indexer = idx
	}
}

// WithMetrics records rotation outcomes.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Rotator) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Rotator) {
		r.logger = l
	}
}

// New creates a Rotator routing through manager and executing on pool.
func New(manager *shard.Manager, pool *partition.Pool, opts ...Option) *Rotator {
	r := &Rotator{
		manager:    manager,
		pool:       pool,
		clock:      clock.RealClock{},
		defaultTTL: storage.DefaultRefreshTokenTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// IssueInitial starts a new family whose only member is the returned token.
func (r *Rotator) IssueInitial(ctx context.Context, req IssueRequest) (*storage.RefreshToken, error) {
	if req.UserID == "" || req.ClientID == "" {
		return nil, autherrors.NewInvalidArgumentError("client and user are required", nil)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	gen, err := r.manager.WriteGeneration(ctx)
	if err != nil {
		return nil, autherrors.NewInternalError("failed to load current generation", err)
	}
	placement := shard.Route(shard.EntityKey(req.UserID, req.ClientID), gen)
	now := r.clock.Now()

	jti := shard.NewIdentifier(placement, shard.KindRefreshToken).String()
	token := &storage.RefreshToken{
		JTI:       jti,
		FamilyID:  shard.NewIdentifier(placement, shard.KindTokenFamily).String(),
		UserID:    req.UserID,
		ClientID:  req.ClientID,
		Scope:     req.Scope,
		Placement: placement,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
		Status:    storage.TokenActive,
	}
	family := &storage.TokenFamily{
		ID:         token.FamilyID,
		UserID:     req.UserID,
		ClientID:   req.ClientID,
		Scope:      req.Scope,
		Placement:  placement,
		InitialJTI: jti,
		ActiveJTI:  jti,
		Members:    []string{jti},
		Status:     storage.FamilyActive,
		TTL:        ttl,
		CreatedAt:  now,
		ExpiresAt:  token.ExpiresAt,
	}

	err = r.pool.Do(ctx, placement, func(ctx context.Context, st storage.ShardStorage) error {
		return st.CreateTokenFamily(ctx, family, token)
	})
	if err != nil {
		return nil, autherrors.NewInternalError("failed to create token family", err)
	}

	r.metrics.FamilyIssued(ctx, placement)
	if r.indexer != nil {
		r.indexer.FamilyIssued(ctx, family, token)
	}
	return token.Clone(), nil
}

// Rotate exchanges the active token jti for its successor. A superseded
// jti revokes the family.
func (r *Rotator) Rotate(ctx context.Context, jti string) (*storage.RefreshToken, error) {
	return r.RotateForClient(ctx, jti, "")
}

// RotateForClient is Rotate for a token presented by clientID. A token
// held by another client is rejected without touching its family. An
// empty clientID skips the check.
func (r *Rotator) RotateForClient(ctx context.Context, jti, clientID string) (*storage.RefreshToken, error) {
	id, err := r.locate(ctx, jti, shard.KindRefreshToken)
	if err != nil {
		if errors.Is(err, errUnroutable) {
			return nil, r.reject(ctx, autherrors.ReasonUnknown)
		}
		return nil, err
	}

	var (
		next    *storage.RefreshToken
		revoked *storage.TokenFamily
		reason  autherrors.Reason
	)
	err = r.pool.Do(ctx, id.Placement, func(ctx context.Context, st storage.ShardStorage) error {
		tok, err := st.GetRefreshToken(ctx, id.String())
		if errors.Is(err, storage.ErrNotFound) {
			reason = autherrors.ReasonUnknown
			return nil
		}
		if err != nil {
			return err
		}
		fam, err := st.GetTokenFamily(ctx, tok.FamilyID)
		if errors.Is(err, storage.ErrNotFound) {
			reason = autherrors.ReasonUnknown
			return nil
		}
		if err != nil {
			return err
		}

		now := r.clock.Now()
		switch {
		case fam.IsRevoked():
			reason = autherrors.ReasonFamilyRevoked
			return nil
		case tok.IsExpired(now):
			reason = autherrors.ReasonExpired
			return nil
		case clientID != "" && tok.ClientID != clientID:
			reason = autherrors.ReasonClientMismatch
			return nil
		case tok.Status == storage.TokenActive && fam.ActiveJTI == tok.JTI:
			succ := successor(tok, fam, now)
			rotated := tok.Clone()
			rotated.Status = storage.TokenRotated
			updated := fam.Clone()
			updated.ActiveJTI = succ.JTI
			updated.Members = append(updated.Members, succ.JTI)
			if succ.ExpiresAt.After(updated.ExpiresAt) {
				updated.ExpiresAt = succ.ExpiresAt
			}
			commitErr := st.CommitRotation(ctx, updated, rotated, succ)
			if commitErr == nil {
				next = succ
				return nil
			}
			if !errors.Is(commitErr, storage.ErrConflict) {
				return commitErr
			}
			// Another process sharing the backend moved the family on
			// between the read and the commit.
		}

		reason = autherrors.ReasonReuseDetected
		revoked, err = revokeForReuse(ctx, st, fam, now)
		return err
	})
	if err != nil {
		return nil, autherrors.NewInternalError("failed to rotate refresh token", err)
	}

	if revoked != nil {
		r.logger.Warn("refresh token reuse detected, family revoked",
			"family_id", revoked.ID,
			"user_id", revoked.UserID,
			"client_id", revoked.ClientID,
			"placement", revoked.Placement.String())
		r.familyRevoked(ctx, revoked)
	}
	if next == nil {
		return nil, r.reject(ctx, reason)
	}

	r.metrics.Rotated(ctx, autherrors.ReasonNone)
	return next, nil
}

// RevokeFamily revokes familyID. Revoking an already revoked family is a
// no-op that returns the family as stored.
func (r *Rotator) RevokeFamily(ctx context.Context, familyID, reason string) (*storage.TokenFamily, error) {
	id, err := r.locate(ctx, familyID, shard.KindTokenFamily)
	if err != nil {
		if errors.Is(err, errUnroutable) {
			return nil, autherrors.NewNotFoundError("token family not found", nil)
		}
		return nil, err
	}
	if reason == "" {
		reason = RevokedByAdmin
	}

	var (
		fam     *storage.TokenFamily
		changed bool
	)
	err = r.pool.Do(ctx, id.Placement, func(ctx context.Context, st storage.ShardStorage) error {
		var err error
		fam, err = st.GetTokenFamily(ctx, id.String())
		if err != nil {
			return err
		}
		if fam.IsRevoked() {
			return nil
		}
		markRevoked(fam, reason, r.clock.Now())
		if err := st.CommitRevocation(ctx, fam); err != nil {
			return err
		}
		changed = true
		fam, err = st.GetTokenFamily(ctx, fam.ID)
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, autherrors.NewNotFoundError("token family not found", err)
	}
	if err != nil {
		return nil, autherrors.NewInternalError("failed to revoke token family", err)
	}

	if changed {
		r.logger.Info("token family revoked", "family_id", fam.ID, "reason", reason)
		r.familyRevoked(ctx, fam)
	}
	return fam, nil
}

// Family returns the stored state of familyID.
func (r *Rotator) Family(ctx context.Context, familyID string) (*storage.TokenFamily, error) {
	id, err := r.locate(ctx, familyID, shard.KindTokenFamily)
	if err != nil {
		if errors.Is(err, errUnroutable) {
			return nil, autherrors.NewNotFoundError("token family not found", nil)
		}
		return nil, err
	}

	var fam *storage.TokenFamily
	err = r.pool.Do(ctx, id.Placement, func(ctx context.Context, st storage.ShardStorage) error {
		var err error
		fam, err = st.GetTokenFamily(ctx, id.String())
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, autherrors.NewNotFoundError("token family not found", err)
	}
	if err != nil {
		return nil, autherrors.NewInternalError("failed to load token family", err)
	}
	return fam, nil
}

func (r *Rotator) familyRevoked(ctx context.Context, fam *storage.TokenFamily) {
	r.metrics.FamilyRevoked(ctx, fam.RevokedReason)
	if r.indexer != nil {
		r.indexer.FamilyRevoked(ctx, fam)
	}
}

func (r *Rotator) reject(ctx context.Context, reason autherrors.Reason) error {
	r.metrics.Rotated(ctx, reason)
	r.logger.Debug("refresh token rejected", "reason", string(reason))
	msg := "refresh token rejected"
	if reason == autherrors.ReasonReuseDetected {
		msg = "token reuse detected, family revoked"
	}
	return autherrors.NewInvalidGrantError(reason, msg)
}

var errUnroutable = errors.New("identifier does not route to a retained shard")

// locate parses s and checks that it names a shard of a retained generation.
func (r *Rotator) locate(ctx context.Context, s string, kind shard.Kind) (shard.Identifier, error) {
	id, err := shard.ParseIdentifierOfKind(s, kind)
	if err != nil {
		return shard.Identifier{}, errUnroutable
	}
	gen, err := r.manager.Resolve(ctx, id.Generation)
	if errors.Is(err, shard.ErrGenerationNotRetained) {
		return shard.Identifier{}, errUnroutable
	}
	if err != nil {
		return shard.Identifier{}, autherrors.NewInternalError("failed to resolve generation", err)
	}
	if !gen.Owns(id.Placement) {
		return shard.Identifier{}, errUnroutable
	}
	return id, nil
}

func successor(tok *storage.RefreshToken, fam *storage.TokenFamily, now time.Time) *storage.RefreshToken {
	return &storage.RefreshToken{
		JTI:            shard.NewIdentifier(fam.Placement, shard.KindRefreshToken).String(),
		FamilyID:       fam.ID,
		UserID:         fam.UserID,
		ClientID:       fam.ClientID,
		Scope:          fam.Scope,
		Placement:      fam.Placement,
		RotatedFromJTI: tok.JTI,
		IssuedAt:       now,
		ExpiresAt:      now.Add(fam.TTL),
		Status:         storage.TokenActive,
	}
}

// revokeForReuse revokes fam and returns the family as stored afterwards.
func revokeForReuse(
	ctx context.Context, st storage.ShardStorage, fam *storage.TokenFamily, now time.Time,
) (*storage.TokenFamily, error) {
	markRevoked(fam, RevokedReuseDetected, now)
	if err := st.CommitRevocation(ctx, fam); err != nil {
		return nil, err
	}
	return st.GetTokenFamily(ctx, fam.ID)
}

func markRevoked(fam *storage.TokenFamily, reason string, now time.Time) {
	at := now
	fam.Status = storage.FamilyRevoked
	fam.RevokedReason = reason
	fam.RevokedAt = &at
	fam.ActiveJTI = ""
}
