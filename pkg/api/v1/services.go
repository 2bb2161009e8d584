// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package v1 implements the administrative API of the token store.
package v1

import (
	"context"

	"github.com/sgrastar/authrim/pkg/authserver/migration"
	"github.com/sgrastar/authrim/pkg/authserver/storage"
	"github.com/sgrastar/authrim/pkg/authserver/tokens"
	"github.com/sgrastar/authrim/pkg/shard"
)

//go:generate mockgen -destination=mocks/mock_services.go -package=mocks -source=services.go ShardConfigService,TokenAdmin,HealthChecker,StatsSource

// ShardConfigService manages shard group configuration. It is implemented
// by *migration.Coordinator.
type ShardConfigService interface {
	Describe(ctx context.Context, group string) (*migration.Description, error)
	Migrate(ctx context.Context, group string, cfg *shard.GroupConfig) (*migration.Result, error)
	Validate(cfg *shard.GroupConfig) *shard.ValidationResult
	ValidateCurrent(ctx context.Context, group string) (*shard.ValidationResult, error)
}

// TokenAdmin revokes and lists token families. It is implemented by
// *tokens.Service.
type TokenAdmin interface {
	RevokeFamily(ctx context.Context, familyID, reason string) (*storage.TokenFamily, error)
	RevokeUser(ctx context.Context, userID string) (*tokens.RevokeUserResult, error)
	ListSessions(ctx context.Context, userID string) ([]tokens.Session, error)
}

// HealthChecker reports whether the store can serve requests.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// StatsSource reports per-shard counts. It is implemented by
// *partition.Pool.
type StatsSource interface {
	Name() string
	Stats(ctx context.Context) (map[shard.Placement]storage.Stats, error)
}
