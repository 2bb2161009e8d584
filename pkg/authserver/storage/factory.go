// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
)

// NewBackend creates a Backend based on cfg. A nil config selects memory.
func NewBackend(ctx context.Context, cfg *Config) (Backend, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryBackend(), nil

	case TypeRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis configuration is required for redis storage")
		}
		client, err := NewRedisClient(ctx, *cfg.Redis)
		if err != nil {
			return nil, err
		}
		return NewRedisBackend(client, cfg.Redis.KeyPrefix), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
