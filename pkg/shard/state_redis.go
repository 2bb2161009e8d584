// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore shares group state between nodes. Save uses WATCH so that
// two nodes activating a generation at once cannot both win.
type RedisStateStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStateStore wraps an existing client. keyPrefix namespaces keys,
// e.g. "authrim:".
func NewRedisStateStore(client redis.UniversalClient, keyPrefix string) *RedisStateStore {
	return &RedisStateStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStateStore) key(groupKey string) string {
	return s.keyPrefix + "shard-group:" + groupKey
}

// Load implements StateStore.
func (s *RedisStateStore) Load(ctx context.Context, groupKey string) (*GroupState, error) {
	data, err := s.client.Get(ctx, s.key(groupKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load shard group %s: %w", groupKey, err)
	}
	var st GroupState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode shard group %s: %w", groupKey, err)
	}
	return &st, nil
}

// Save implements StateStore.
func (s *RedisStateStore) Save(ctx context.Context, groupKey string, state *GroupState, expectedVersion int64) error {
	key := s.key(groupKey)

	next := state.Clone()
	next.Version = expectedVersion + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode shard group %s: %w", groupKey, err)
	}

	txf := func(tx *redis.Tx) error {
		var version int64
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored GroupState
			if err := json.Unmarshal(raw, &stored); err != nil {
				return fmt.Errorf("failed to decode shard group %s: %w", groupKey, err)
			}
			version = stored.Version
		}
		if version != expectedVersion {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}

	err = s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("failed to save shard group %s: %w", groupKey, err)
	}

	state.Version = next.Version
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (*RedisStateStore) Close() error {
	return nil
}

var _ StateStore = (*RedisStateStore)(nil)
