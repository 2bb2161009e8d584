// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sgrastar/authrim/pkg/shard"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	scanBatch = 256
)

// KeyType distinguishes the records kept for a shard.
type KeyType string

// Key types.
const (
	KeyTypeCode      KeyType = "code"
	KeyTypeUserCodes KeyType = "user-codes"
	KeyTypeToken     KeyType = "rt"
	KeyTypeFamily    KeyType = "fam"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addrs lists the server addresses. With SentinelConfig set they are
	// ignored in favour of the sentinel addresses.
	Addrs []string

	// SentinelConfig enables Sentinel failover.
	SentinelConfig *SentinelConfig

	// ACLUserConfig holds ACL credentials, if any.
	ACLUserConfig *ACLUserConfig

	DB int

	// KeyPrefix namespaces every key, e.g. "authrim:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// SentinelConfig contains Redis Sentinel configuration.
type SentinelConfig struct {
	MasterName    string
	SentinelAddrs []string
}

// ACLUserConfig contains Redis ACL user authentication configuration.
type ACLUserConfig struct {
	Username string
	Password string
}

// NewRedisClient builds a client from cfg and checks connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	opts := &redis.UniversalOptions{
		Addrs:        cfg.Addrs,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	if cfg.SentinelConfig != nil {
		opts.MasterName = cfg.SentinelConfig.MasterName
		opts.Addrs = cfg.SentinelConfig.SentinelAddrs
	}
	if cfg.ACLUserConfig != nil {
		opts.Username = cfg.ACLUserConfig.Username
		opts.Password = cfg.ACLUserConfig.Password
	}

	client := redis.NewUniversalClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.SentinelConfig != nil {
		if cfg.SentinelConfig.MasterName == "" {
			return errors.New("sentinel master name is required")
		}
		if len(cfg.SentinelConfig.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
	} else if len(cfg.Addrs) == 0 {
		return errors.New("at least one redis address is required")
	}
	if cfg.KeyPrefix == "" {
		return errors.New("key prefix is required")
	}
	return nil
}

// RedisStorage keeps one shard in Redis under a placement-scoped prefix.
// Multi-key commits go through MULTI/EXEC so a crash never leaves a
// rotation half applied.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured client.
// keyPrefix should already include the placement.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStorage) key(t KeyType, id string) string {
	return s.keyPrefix + string(t) + ":" + id
}

// ttlUntil converts an absolute expiry into a Redis TTL measured from the
// record's own timestamp, so TTLs do not depend on the local clock.
func ttlUntil(expiresAt, from time.Time) time.Duration {
	ttl := expiresAt.Sub(from)
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

func (s *RedisStorage) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// CreateAuthorizationCode implements AuthorizationCodeStorage.
func (s *RedisStorage) CreateAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code cannot be empty")
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	ttl := ttlUntil(code.ExpiresAt, code.IssuedAt)
	ok, err := s.client.SetNX(ctx, s.key(KeyTypeCode, code.Code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}

	userKey := s.key(KeyTypeUserCodes, code.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, userKey, redis.Z{Score: float64(code.ExpiresAt.UnixMilli()), Member: code.Code})
		pipe.Expire(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		// compensate so the code is not left unaccounted for
		_ = s.client.Del(ctx, s.key(KeyTypeCode, code.Code)).Err()
		return fmt.Errorf("failed to index authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode implements AuthorizationCodeStorage.
func (s *RedisStorage) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	var out AuthorizationCode
	if err := s.getJSON(ctx, s.key(KeyTypeCode, code), &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("authorization code", code)
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	return &out, nil
}

// ConsumeAuthorizationCode implements AuthorizationCodeStorage. The check
// and the write run under WATCH, so of two processes consuming the same
// code only one succeeds; the other gets ErrConflict.
func (s *RedisStorage) ConsumeAuthorizationCode(ctx context.Context, code string, at time.Time) error {
	codeKey := s.key(KeyTypeCode, code)
	txf := func(tx *redis.Tx) error {
		var c AuthorizationCode
		data, err := tx.Get(ctx, codeKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound("authorization code", code)
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("failed to decode authorization code: %w", err)
		}
		if c.IsConsumed() {
			return fmt.Errorf("%w: authorization code already consumed", ErrConflict)
		}

		consumed := at
		c.ConsumedAt = &consumed
		data, err = json.Marshal(&c)
		if err != nil {
			return fmt.Errorf("failed to marshal authorization code: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, codeKey, data, redis.KeepTTL)
			pipe.ZRem(ctx, s.key(KeyTypeUserCodes, c.UserID), code)
			return nil
		})
		return err
	}

	return s.watch(ctx, "consume authorization code", txf, codeKey)
}

// watch runs txf under WATCH on keys. A transaction aborted by a
// concurrent write is reported as ErrConflict.
func (s *RedisStorage) watch(ctx context.Context, op string, txf func(*redis.Tx) error, keys ...string) error {
	err := s.client.Watch(ctx, txf, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s", ErrConflict, op)
	}
	if err != nil && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) &&
		!errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return err
}

// DeleteAuthorizationCode implements AuthorizationCodeStorage.
func (s *RedisStorage) DeleteAuthorizationCode(ctx context.Context, code string) error {
	c, err := s.GetAuthorizationCode(ctx, code)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key(KeyTypeCode, code))
		pipe.ZRem(ctx, s.key(KeyTypeUserCodes, c.UserID), code)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return nil
}

// CountOutstandingCodes implements AuthorizationCodeStorage.
func (s *RedisStorage) CountOutstandingCodes(ctx context.Context, userID string, now time.Time) (int, error) {
	userKey := s.key(KeyTypeUserCodes, userID)
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, userKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		card = pipe.ZCard(ctx, userKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count outstanding codes: %w", err)
	}
	return int(card.Val()), nil
}

// CreateTokenFamily implements RefreshTokenStorage.
func (s *RedisStorage) CreateTokenFamily(ctx context.Context, family *TokenFamily, initial *RefreshToken) error {
	if family == nil || initial == nil {
		return errors.New("family and initial token are required")
	}
	famData, err := json.Marshal(family)
	if err != nil {
		return fmt.Errorf("failed to marshal token family: %w", err)
	}
	tokData, err := json.Marshal(initial)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	famKey := s.key(KeyTypeFamily, family.ID)
	ok, err := s.client.SetNX(ctx, famKey, famData, ttlUntil(family.ExpiresAt, family.CreatedAt)).Result()
	if err != nil {
		return fmt.Errorf("failed to store token family: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: token family", ErrAlreadyExists)
	}
	if err := s.client.Set(ctx, s.key(KeyTypeToken, initial.JTI), tokData,
		ttlUntil(initial.ExpiresAt, initial.IssuedAt)).Err(); err != nil {
		_ = s.client.Del(ctx, famKey).Err()
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// GetTokenFamily implements RefreshTokenStorage.
func (s *RedisStorage) GetTokenFamily(ctx context.Context, familyID string) (*TokenFamily, error) {
	var out TokenFamily
	if err := s.getJSON(ctx, s.key(KeyTypeFamily, familyID), &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("token family", familyID)
		}
		return nil, fmt.Errorf("failed to get token family: %w", err)
	}
	return &out, nil
}

// GetRefreshToken implements RefreshTokenStorage.
func (s *RedisStorage) GetRefreshToken(ctx context.Context, jti string) (*RefreshToken, error) {
	var out RefreshToken
	if err := s.getJSON(ctx, s.key(KeyTypeToken, jti), &out); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("refresh token", jti)
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return &out, nil
}

// CommitRotation implements RefreshTokenStorage. It fails with ErrConflict
// unless the stored family is still active with rotated as its active
// member, which keeps a family to one active token across processes.
func (s *RedisStorage) CommitRotation(ctx context.Context, family *TokenFamily, rotated, next *RefreshToken) error {
	famData, err := json.Marshal(family)
	if err != nil {
		return fmt.Errorf("failed to marshal token family: %w", err)
	}
	rotData, err := json.Marshal(rotated)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}
	nextData, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token: %w", err)
	}

	famKey := s.key(KeyTypeFamily, family.ID)
	rotKey := s.key(KeyTypeToken, rotated.JTI)
	nextKey := s.key(KeyTypeToken, next.JTI)
	txf := func(tx *redis.Tx) error {
		stored, err := txFamily(ctx, tx, famKey, family.ID)
		if err != nil {
			return err
		}
		if stored.IsRevoked() || stored.ActiveJTI != rotated.JTI {
			return fmt.Errorf("%w: refresh token %s is no longer active", ErrConflict, rotated.JTI)
		}
		n, err := tx.Exists(ctx, nextKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, famKey, famData, ttlUntil(family.ExpiresAt, next.IssuedAt))
			pipe.Set(ctx, rotKey, rotData, redis.KeepTTL)
			pipe.Set(ctx, nextKey, nextData, ttlUntil(next.ExpiresAt, next.IssuedAt))
			return nil
		})
		return err
	}

	return s.watch(ctx, "commit rotation", txf, famKey, rotKey)
}

// revocationAttempts bounds the WATCH retries of CommitRevocation.
const revocationAttempts = 5

// CommitRevocation implements RefreshTokenStorage. The members written are
// those stored at commit time, so a token added by a concurrent rotation is
// revoked too. A family that is already revoked keeps its original reason.
func (s *RedisStorage) CommitRevocation(ctx context.Context, family *TokenFamily) error {
	famKey := s.key(KeyTypeFamily, family.ID)
	txf := func(tx *redis.Tx) error {
		stored, err := txFamily(ctx, tx, famKey, family.ID)
		if err != nil {
			return err
		}
		merged := mergeRevocation(stored, family)
		famData, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("failed to marshal token family: %w", err)
		}

		members := make(map[string][]byte, len(merged.Members))
		for _, jti := range merged.Members {
			var tok RefreshToken
			data, err := tx.Get(ctx, s.key(KeyTypeToken, jti)).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &tok); err != nil {
				return fmt.Errorf("failed to decode refresh token: %w", err)
			}
			tok.Status = TokenRevoked
			if data, err = json.Marshal(&tok); err != nil {
				return fmt.Errorf("failed to marshal refresh token: %w", err)
			}
			members[jti] = data
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, famKey, famData, redis.KeepTTL)
			for jti, data := range members {
				pipe.Set(ctx, s.key(KeyTypeToken, jti), data, redis.KeepTTL)
			}
			return nil
		})
		return err
	}

	var err error
	for range revocationAttempts {
		err = s.watch(ctx, "commit revocation", txf, famKey)
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return err
}

func txFamily(ctx context.Context, tx *redis.Tx, key, id string) (*TokenFamily, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("token family", id)
	}
	if err != nil {
		return nil, err
	}
	var fam TokenFamily
	if err := json.Unmarshal(data, &fam); err != nil {
		return nil, fmt.Errorf("failed to decode token family: %w", err)
	}
	return &fam, nil
}

// scan walks every key matching pattern.
func (s *RedisStorage) scan(ctx context.Context, pattern string, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// PurgeExpired trims the per-user code indexes. Records themselves expire
// through their Redis TTLs.
func (s *RedisStorage) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	maxScore := strconv.FormatInt(now.UnixMilli(), 10)
	err := s.scan(ctx, s.key(KeyTypeUserCodes, "*"), func(keys []string) error {
		for _, k := range keys {
			n, err := s.client.ZRemRangeByScore(ctx, k, "-inf", maxScore).Result()
			if err != nil {
				return err
			}
			removed += int(n)
		}
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to purge expired codes: %w", err)
	}
	return removed, nil
}

// Purge implements ShardStorage.
func (s *RedisStorage) Purge(ctx context.Context) error {
	err := s.scan(ctx, s.keyPrefix+"*", func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to purge shard: %w", err)
	}
	return nil
}

// Stats implements ShardStorage.
func (s *RedisStorage) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.scan(ctx, s.key(KeyTypeCode, "*"), func(keys []string) error {
		for _, k := range keys {
			var c AuthorizationCode
			if err := s.getJSON(ctx, k, &c); err != nil {
				continue
			}
			st.AuthorizationCodes++
			if c.IsConsumed() {
				st.ConsumedCodes++
			}
		}
		return nil
	})
	if err != nil {
		return st, err
	}
	err = s.scan(ctx, s.key(KeyTypeToken, "*"), func(keys []string) error {
		st.RefreshTokens += len(keys)
		return nil
	})
	if err != nil {
		return st, err
	}
	err = s.scan(ctx, s.key(KeyTypeFamily, "*"), func(keys []string) error {
		for _, k := range keys {
			var f TokenFamily
			if err := s.getJSON(ctx, k, &f); err != nil {
				continue
			}
			st.Families++
			if f.IsRevoked() {
				st.RevokedFamilies++
			}
		}
		return nil
	})
	return st, err
}

// Close is a no-op; the client belongs to the backend.
func (*RedisStorage) Close() error {
	return nil
}

// RedisBackend scopes one shared client to each placement.
type RedisBackend struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisBackend wraps client. Keys take the form
// {keyPrefix}{generation}:{region}:{shard}:{type}:{id}.
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *RedisBackend {
	return &RedisBackend{client: client, keyPrefix: keyPrefix}
}

// Open implements Backend.
func (b *RedisBackend) Open(_ context.Context, p shard.Placement) (ShardStorage, error) {
	return NewRedisStorageWithClient(b.client, b.keyPrefix+p.String()+":"), nil
}

// Close closes the Redis client connection.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

// Compile-time interface checks
var (
	_ ShardStorage = (*RedisStorage)(nil)
	_ Backend      = (*RedisBackend)(nil)
)
