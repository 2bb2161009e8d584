// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/shard"
)

// timedEntry wraps a value with the time it stops being useful.
type timedEntry[T any] struct {
	value     T
	createdAt time.Time
	expiresAt time.Time
}

func (e *timedEntry[T]) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// MemoryStorage keeps one shard in process memory.
//
// Stored values are copied on the way in and on the way out, so callers may
// keep mutating what they pass or receive without affecting the shard.
type MemoryStorage struct {
	mu sync.RWMutex

	// codes maps authorization code -> code record, consumed or not.
	codes map[string]*timedEntry[*AuthorizationCode]

	// userCodes maps user ID -> set of codes issued to that user on this shard.
	userCodes map[string]map[string]struct{}

	// tokens maps jti -> refresh token.
	tokens map[string]*timedEntry[*RefreshToken]

	// families maps family ID -> family. A family outlives its members'
	// individual expiries until the newest member expires.
	families map[string]*timedEntry[*TokenFamily]
}

// NewMemoryStorage creates an empty shard.
func NewMemoryStorage() *MemoryStorage {
	s := &MemoryStorage{}
	s.reset()
	return s
}

func (s *MemoryStorage) reset() {
	s.codes = make(map[string]*timedEntry[*AuthorizationCode])
	s.userCodes = make(map[string]map[string]struct{})
	s.tokens = make(map[string]*timedEntry[*RefreshToken])
	s.families = make(map[string]*timedEntry[*TokenFamily])
}

// CreateAuthorizationCode implements AuthorizationCodeStorage.
func (s *MemoryStorage) CreateAuthorizationCode(_ context.Context, code *AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return errors.New("authorization code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[code.Code]; ok {
		return fmt.Errorf("%w: authorization code", ErrAlreadyExists)
	}
	s.codes[code.Code] = &timedEntry[*AuthorizationCode]{
		value:     code.Clone(),
		createdAt: code.IssuedAt,
		expiresAt: code.ExpiresAt,
	}
	set, ok := s.userCodes[code.UserID]
	if !ok {
		set = make(map[string]struct{})
		s.userCodes[code.UserID] = set
	}
	set[code.Code] = struct{}{}
	return nil
}

// GetAuthorizationCode implements AuthorizationCodeStorage.
func (s *MemoryStorage) GetAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.codes[code]
	if !ok {
		return nil, notFound("authorization code", code)
	}
	return entry.value.Clone(), nil
}

// ConsumeAuthorizationCode implements AuthorizationCodeStorage.
func (s *MemoryStorage) ConsumeAuthorizationCode(_ context.Context, code string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return notFound("authorization code", code)
	}
	if entry.value.IsConsumed() {
		return fmt.Errorf("%w: authorization code already consumed", ErrConflict)
	}
	consumed := at
	entry.value.ConsumedAt = &consumed
	s.dropUserCode(entry.value.UserID, code)
	return nil
}

// DeleteAuthorizationCode implements AuthorizationCodeStorage.
func (s *MemoryStorage) DeleteAuthorizationCode(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.codes[code]
	if !ok {
		return nil
	}
	delete(s.codes, code)
	s.dropUserCode(entry.value.UserID, code)
	return nil
}

func (s *MemoryStorage) dropUserCode(userID, code string) {
	set, ok := s.userCodes[userID]
	if !ok {
		return
	}
	delete(set, code)
	if len(set) == 0 {
		delete(s.userCodes, userID)
	}
}

// CountOutstandingCodes implements AuthorizationCodeStorage.
func (s *MemoryStorage) CountOutstandingCodes(_ context.Context, userID string, now time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for code := range s.userCodes[userID] {
		if entry, ok := s.codes[code]; ok && !entry.expired(now) && !entry.value.IsConsumed() {
			n++
		}
	}
	return n, nil
}

// CreateTokenFamily implements RefreshTokenStorage.
func (s *MemoryStorage) CreateTokenFamily(_ context.Context, family *TokenFamily, initial *RefreshToken) error {
	if family == nil || initial == nil {
		return errors.New("family and initial token are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.families[family.ID]; ok {
		return fmt.Errorf("%w: token family", ErrAlreadyExists)
	}
	if _, ok := s.tokens[initial.JTI]; ok {
		return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
	}
	s.putFamily(family)
	s.putToken(initial)
	return nil
}

// GetTokenFamily implements RefreshTokenStorage.
func (s *MemoryStorage) GetTokenFamily(_ context.Context, familyID string) (*TokenFamily, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.families[familyID]
	if !ok {
		return nil, notFound("token family", familyID)
	}
	return entry.value.Clone(), nil
}

// GetRefreshToken implements RefreshTokenStorage.
func (s *MemoryStorage) GetRefreshToken(_ context.Context, jti string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.tokens[jti]
	if !ok {
		return nil, notFound("refresh token", jti)
	}
	return entry.value.Clone(), nil
}

// CommitRotation implements RefreshTokenStorage.
func (s *MemoryStorage) CommitRotation(_ context.Context, family *TokenFamily, rotated, next *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.families[family.ID]
	if !ok {
		return notFound("token family", family.ID)
	}
	if stored.value.IsRevoked() || stored.value.ActiveJTI != rotated.JTI {
		return fmt.Errorf("%w: refresh token %s is no longer active", ErrConflict, rotated.JTI)
	}
	if _, ok := s.tokens[next.JTI]; ok {
		return fmt.Errorf("%w: refresh token", ErrAlreadyExists)
	}
	s.putFamily(family)
	s.putToken(rotated)
	s.putToken(next)
	return nil
}

// CommitRevocation implements RefreshTokenStorage.
func (s *MemoryStorage) CommitRevocation(_ context.Context, family *TokenFamily) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.families[family.ID]
	if !ok {
		return notFound("token family", family.ID)
	}
	merged := mergeRevocation(stored.value, family)
	s.putFamily(merged)
	for _, jti := range merged.Members {
		if entry, ok := s.tokens[jti]; ok {
			entry.value.Status = TokenRevoked
		}
	}
	return nil
}

func (s *MemoryStorage) putFamily(f *TokenFamily) {
	s.families[f.ID] = &timedEntry[*TokenFamily]{value: f.Clone(), createdAt: f.CreatedAt, expiresAt: f.ExpiresAt}
}

func (s *MemoryStorage) putToken(t *RefreshToken) {
	s.tokens[t.JTI] = &timedEntry[*RefreshToken]{value: t.Clone(), createdAt: t.IssuedAt, expiresAt: t.ExpiresAt}
}

// PurgeExpired removes expired entries using a collect-then-delete pass so
// the write lock is held only for the deletions.
func (s *MemoryStorage) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.RLock()
	var expiredCodes, expiredTokens, expiredFamilies []string
	for k, v := range s.codes {
		if v.expired(now) {
			expiredCodes = append(expiredCodes, k)
		}
	}
	for k, v := range s.tokens {
		if v.expired(now) {
			expiredTokens = append(expiredTokens, k)
		}
	}
	for k, v := range s.families {
		if v.expired(now) {
			expiredFamilies = append(expiredFamilies, k)
		}
	}
	s.mu.RUnlock()

	removed := len(expiredCodes) + len(expiredTokens) + len(expiredFamilies)
	if removed == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range expiredCodes {
		if entry, ok := s.codes[k]; ok {
			s.dropUserCode(entry.value.UserID, k)
			delete(s.codes, k)
		}
	}
	for _, k := range expiredTokens {
		delete(s.tokens, k)
	}
	for _, k := range expiredFamilies {
		delete(s.families, k)
	}
	return removed, nil
}

// Purge implements ShardStorage.
func (s *MemoryStorage) Purge(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

// Stats implements ShardStorage.
func (s *MemoryStorage) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		AuthorizationCodes: len(s.codes),
		RefreshTokens:      len(s.tokens),
		Families:           len(s.families),
	}
	for _, v := range s.codes {
		if v.value.IsConsumed() {
			st.ConsumedCodes++
		}
	}
	for _, v := range s.families {
		if v.value.IsRevoked() {
			st.RevokedFamilies++
		}
	}
	return st, nil
}

// Close implements ShardStorage.
func (*MemoryStorage) Close() error {
	return nil
}

// MemoryBackend hands out one MemoryStorage per placement.
type MemoryBackend struct {
	mu     sync.Mutex
	shards map[shard.Placement]*MemoryStorage
}

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{shards: make(map[shard.Placement]*MemoryStorage)}
}

// Open implements Backend.
func (b *MemoryBackend) Open(_ context.Context, p shard.Placement) (ShardStorage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.shards[p]
	if !ok {
		s = NewMemoryStorage()
		b.shards[p] = s
	}
	return s, nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.shards)
	return nil
}

// Compile-time interface checks
var (
	_ ShardStorage = (*MemoryStorage)(nil)
	_ Backend      = (*MemoryBackend)(nil)
)
