// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis stores shards in Redis.
	TypeRedis Type = "redis"
)

const (
	// DefaultAuthCodeTTL is the default TTL for authorization codes (RFC 6749 recommendation).
	DefaultAuthCodeTTL = 10 * time.Minute

	// DefaultRefreshTokenTTL is the default TTL for refresh tokens.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour // 30 days

	// DefaultCleanupInterval is how often expired shard state is swept.
	DefaultCleanupInterval = 5 * time.Minute

	// DefaultKeyPrefix namespaces Redis keys.
	DefaultKeyPrefix = "authrim:"
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `mapstructure:"type"`

	// Redis is required when Type is redis.
	Redis *RedisConfig `mapstructure:"redis"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}
