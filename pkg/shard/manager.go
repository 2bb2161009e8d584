// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

const (
	// DefaultHistoryCap is how many previous generations stay routable.
	DefaultHistoryCap = 5
	// DefaultStateCacheTTL bounds how stale a node's view of the current
	// generation may be.
	DefaultStateCacheTTL = 10 * time.Second

	maxSaveAttempts = 3
)

// Transition describes one generation change.
type Transition struct {
	Previous *Generation
	Next     *Generation
	// Evicted generations fell off the history ring and are now retired.
	Evicted []*Generation
}

// Manager tracks the generations of one shard group. Reads go through a
// short-lived cache; writes always load fresh state and rely on the store's
// version check.
type Manager struct {
	groupKey   string
	store      StateStore
	clock      clock.PassiveClock
	historyCap int
	cacheTTL   time.Duration
	logger     *slog.Logger

	mu       sync.RWMutex
	cached   *GroupState
	cachedAt time.Time
	sf       singleflight.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHistoryCap sets the number of retained previous generations.
func WithHistoryCap(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.historyCap = n
		}
	}
}

// WithStateCacheTTL sets how long a loaded state is trusted. Zero disables caching.
func WithStateCacheTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.cacheTTL = d
	}
}

// WithClock overrides the wall clock.
func WithClock(c clock.PassiveClock) ManagerOption {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a manager for groupKey backed by store.
func NewManager(groupKey string, store StateStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		groupKey:   groupKey,
		store:      store,
		clock:      clock.RealClock{},
		historyCap: DefaultHistoryCap,
		cacheTTL:   DefaultStateCacheTTL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GroupKey returns the managed group's key.
func (m *Manager) GroupKey() string {
	return m.groupKey
}

// HistoryCap returns the size of the history ring.
func (m *Manager) HistoryCap() int {
	return m.historyCap
}

// Bootstrap creates generation 1 from cfg unless the group already has
// state, in which case the stored state wins.
func (m *Manager) Bootstrap(ctx context.Context, cfg *GroupConfig) (*GroupState, error) {
	if err := Validate(cfg).Err(); err != nil {
		return nil, err
	}

	for range maxSaveAttempts {
		st, err := m.store.Load(ctx, m.groupKey)
		if err == nil {
			m.remember(st)
			return st.Clone(), nil
		}
		if !errors.Is(err, ErrStateNotFound) {
			return nil, err
		}

		st = &GroupState{
			Config:  cfg.Clone(),
			Current: NewGeneration(1, cfg, 0, m.clock.Now()),
		}
		err = m.store.Save(ctx, m.groupKey, st, 0)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m.logger.Info("bootstrapped shard group", "group", m.groupKey, "generation", 1, "total_shards", cfg.TotalShards)
		m.remember(st)
		return st.Clone(), nil
	}
	return nil, ErrVersionConflict
}

// State returns the group state, served from cache while fresh.
func (m *Manager) State(ctx context.Context) (*GroupState, error) {
	if st := m.fromCache(); st != nil {
		return st, nil
	}

	v, err, _ := m.sf.Do(m.groupKey, func() (any, error) {
		if st := m.fromCache(); st != nil {
			return st, nil
		}
		st, err := m.loadWithRetry(ctx)
		if err != nil {
			return nil, err
		}
		m.remember(st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*GroupState), nil
}

// Refresh drops the cache and reloads.
func (m *Manager) Refresh(ctx context.Context) (*GroupState, error) {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
	return m.State(ctx)
}

// Current returns the current generation as cached. Writers use
// WriteGeneration instead.
func (m *Manager) Current(ctx context.Context) (*Generation, error) {
	st, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	return st.Current, nil
}

// WriteGeneration returns the generation new writes must target, read from
// the state store rather than the cache so an activation made by another
// node is never missed. The loaded state refreshes the cache.
func (m *Manager) WriteGeneration(ctx context.Context) (*Generation, error) {
	st, err := m.loadWithRetry(ctx)
	if err != nil {
		return nil, err
	}
	m.remember(st)
	return st.Current.Clone(), nil
}

// Resolve returns generation id if it is still retained. A generation newer
// than the cached current one forces a reload, since another node may have
// activated it.
func (m *Manager) Resolve(ctx context.Context, id int) (*Generation, error) {
	st, err := m.State(ctx)
	if err != nil {
		return nil, err
	}
	if g, ok := st.Lookup(id); ok {
		return g, nil
	}
	if id > st.Current.ID {
		if st, err = m.Refresh(ctx); err != nil {
			return nil, err
		}
		if g, ok := st.Lookup(id); ok {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: group %s generation %d", ErrGenerationNotRetained, m.groupKey, id)
}

// Advance activates a new generation built from cfg. The caller is expected
// to have validated cfg; Advance validates again and fails on conflict
// rather than retrying, so a concurrent activation is never silently
// layered over.
func (m *Manager) Advance(ctx context.Context, cfg *GroupConfig) (*Transition, error) {
	if err := Validate(cfg).Err(); err != nil {
		return nil, err
	}

	st, err := m.store.Load(ctx, m.groupKey)
	if err != nil {
		return nil, err
	}
	expected := st.Version
	now := m.clock.Now()

	prev := st.Current
	next := NewGeneration(prev.ID+1, cfg, prev.ID, now)

	history := append([]*Generation{prev}, st.History...)
	var evicted []*Generation
	if len(history) > m.historyCap {
		evicted = slices.Clone(history[m.historyCap:])
		history = history[:m.historyCap]
	}
	for _, g := range evicted {
		st.Retired = append(st.Retired, RetiredGeneration{Generation: g, RetiredAt: now.UTC()})
	}

	st.Config = cfg.Clone()
	st.Current = next
	st.History = history

	if err := m.store.Save(ctx, m.groupKey, st, expected); err != nil {
		return nil, err
	}
	m.remember(st)

	return &Transition{Previous: prev.Clone(), Next: next.Clone(), Evicted: evicted}, nil
}

// Release forgets retired generations whose shard state has been purged.
func (m *Manager) Release(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	for range maxSaveAttempts {
		st, err := m.store.Load(ctx, m.groupKey)
		if err != nil {
			return err
		}
		expected := st.Version
		st.Retired = slices.DeleteFunc(st.Retired, func(r RetiredGeneration) bool {
			return slices.Contains(ids, r.Generation.ID)
		})
		err = m.store.Save(ctx, m.groupKey, st, expected)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		m.remember(st)
		return nil
	}
	return ErrVersionConflict
}

// loadWithRetry retries transient store failures. Only reads go through
// here; writers must see the failure.
func (m *Manager) loadWithRetry(ctx context.Context) (*GroupState, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 20 * time.Millisecond
	expBackoff.MaxInterval = 250 * time.Millisecond
	expBackoff.Reset()

	return backoff.Retry(ctx, func() (*GroupState, error) {
		st, err := m.store.Load(ctx, m.groupKey)
		if errors.Is(err, ErrStateNotFound) {
			return nil, backoff.Permanent(err)
		}
		return st, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(3),
		backoff.WithNotify(func(err error, d time.Duration) {
			m.logger.Warn("retrying shard group state load", "group", m.groupKey, "error", err, "delay", d)
		}),
	)
}

func (m *Manager) fromCache() *GroupState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cached == nil || m.clock.Since(m.cachedAt) >= m.cacheTTL {
		return nil
	}
	return m.cached
}

// remember stores a private copy. Cached states are shared between readers
// and must not be mutated.
func (m *Manager) remember(st *GroupState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = st.Clone()
	m.cachedAt = m.clock.Now()
}
