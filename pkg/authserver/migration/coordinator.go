// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package migration validates and activates shard group configurations and
// reclaims the shards of retired generations.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/sgrastar/authrim/pkg/authserver/storage"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
	"github.com/sgrastar/authrim/pkg/telemetry"
)

// Retirer releases everything held for a generation. partition.Pool is
// the production implementation.
type Retirer interface {
	RetireGeneration(ctx context.Context, gen *shard.Generation) error
}

// ValidationError reports a rejected configuration together with every
// check that ran.
type ValidationError struct {
	Result *shard.ValidationResult
}

func (e *ValidationError) Error() string {
	return e.Result.Err().Error()
}

// Unwrap exposes the typed error so callers can map it to a status code.
func (e *ValidationError) Unwrap() error {
	return autherrors.NewValidationFailedError("shard group configuration is invalid", e.Result.Err())
}

// Result describes a completed migration.
type Result struct {
	Previous *shard.Generation   `json:"previous"`
	Current  *shard.Generation   `json:"current"`
	Layout   []shard.RegionRange `json:"layout"`
	// Evicted lists generations pushed out of the history ring.
	Evicted []int `json:"evicted,omitempty"`
}

// Description is a read-only view of a group.
type Description struct {
	Group   string                    `json:"group"`
	Config  *shard.GroupConfig        `json:"config"`
	Current *shard.Generation         `json:"current"`
	History []*shard.Generation       `json:"history"`
	Retired []shard.RetiredGeneration `json:"retired,omitempty"`
}

type group struct {
	manager  *shard.Manager
	retirers []Retirer
	// activate is held for the whole of an activation so two activations
	// on one node never race to the state store.
	activate sync.Mutex
}

// Coordinator drives generation changes for the registered groups.
type Coordinator struct {
	clock   clock.PassiveClock
	grace   time.Duration
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	groups map[string]*group
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetirementGrace sets how long a retired generation is kept before
// its shards are purged. It should be at least the longest token TTL.
func WithRetirementGrace(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithMetrics records activations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// New creates an empty Coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		clock:  clock.RealClock{},
		grace:  storage.DefaultRefreshTokenTTL,
		logger: slog.Default(),
		groups: make(map[string]*group),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds the group managed by manager. Retirers are told about
// every generation whose grace period has elapsed.
func (c *Coordinator) Register(manager *shard.Manager, retirers ...Retirer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[manager.GroupKey()] = &group{manager: manager, retirers: retirers}
}

// Groups returns the registered group keys, sorted.
func (c *Coordinator) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.groups))
	for k := range c.groups {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Manager returns the generation manager of key.
func (c *Coordinator) Manager(key string) (*shard.Manager, error) {
	g, err := c.group(key)
	if err != nil {
		return nil, err
	}
	return g.manager, nil
}

func (c *Coordinator) group(key string) (*group, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.groups[key]
	if !ok {
		return nil, autherrors.NewNotFoundError(fmt.Sprintf("shard group %q not found", key), nil)
	}
	return g, nil
}

// Healthy reports whether the state of every registered group can be read.
func (c *Coordinator) Healthy(ctx context.Context) error {
	for _, key := range c.Groups() {
		g, err := c.group(key)
		if err != nil {
			return err
		}
		if _, err := g.manager.State(ctx); err != nil {
			return autherrors.NewUnavailableError(fmt.Sprintf("shard group %q state is unreadable", key), err)
		}
	}
	return nil
}

// Validate checks cfg without touching any state.
func (*Coordinator) Validate(cfg *shard.GroupConfig) *shard.ValidationResult {
	return shard.Validate(cfg)
}

// ValidateCurrent re-validates the configuration currently active for key.
func (c *Coordinator) ValidateCurrent(ctx context.Context, key string) (*shard.ValidationResult, error) {
	g, err := c.group(key)
	if err != nil {
		return nil, err
	}
	st, err := g.manager.State(ctx)
	if err != nil {
		return nil, autherrors.NewInternalError("failed to load shard group state", err)
	}
	return shard.Validate(st.Config), nil
}

// Describe returns the configuration and generations of key.
func (c *Coordinator) Describe(ctx context.Context, key string) (*Description, error) {
	g, err := c.group(key)
	if err != nil {
		return nil, err
	}
	st, err := g.manager.State(ctx)
	if err != nil {
		return nil, autherrors.NewInternalError("failed to load shard group state", err)
	}
	st = st.Clone()
	return &Description{
		Group:   key,
		Config:  st.Config,
		Current: st.Current,
		History: st.History,
		Retired: st.Retired,
	}, nil
}

// Activate makes cfg the current configuration of key. An invalid cfg
// leaves the group untouched and returns a *ValidationError.
func (c *Coordinator) Activate(ctx context.Context, key string, cfg *shard.GroupConfig) (*shard.Generation, error) {
	res, err := c.Migrate(ctx, key, cfg)
	if err != nil {
		return nil, err
	}
	return res.Current, nil
}

// Migrate activates cfg and reports the generation change.
func (c *Coordinator) Migrate(ctx context.Context, key string, cfg *shard.GroupConfig) (*Result, error) {
	g, err := c.group(key)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, autherrors.NewInvalidArgumentError("configuration is required", nil)
	}
	if cfg.Key() != key {
		return nil, autherrors.NewInvalidArgumentError(
			fmt.Sprintf("configuration is for group %q, not %q", cfg.Key(), key), nil)
	}
	vr := shard.Validate(cfg)
	if !vr.Valid {
		c.logger.Warn("rejected shard group configuration", "group", key, "failures", vr.Failures())
		return nil, &ValidationError{Result: vr}
	}

	g.activate.Lock()
	defer g.activate.Unlock()

	tr, err := g.manager.Advance(ctx, cfg)
	if errors.Is(err, shard.ErrVersionConflict) {
		return nil, autherrors.NewConflictError("shard group changed concurrently, retry", err)
	}
	if err != nil {
		return nil, autherrors.NewInternalError("failed to activate generation", err)
	}

	evicted := make([]int, 0, len(tr.Evicted))
	for _, e := range tr.Evicted {
		evicted = append(evicted, e.ID)
	}
	c.metrics.GenerationActivated(ctx, key, tr.Next.ID)
	c.logger.Info("activated shard generation",
		"group", key,
		"previous", tr.Previous.ID,
		"generation", tr.Next.ID,
		"total_shards", tr.Next.TotalShards,
		"evicted", evicted)

	return &Result{
		Previous: tr.Previous,
		Current:  tr.Next,
		Layout:   tr.Next.RegionLayout,
		Evicted:  evicted,
	}, nil
}

// CleanupRetired purges retired generations whose grace period has
// elapsed and returns how many were released. A generation stays retired
// until every retirer has succeeded for it.
func (c *Coordinator) CleanupRetired(ctx context.Context) (int, error) {
	released := 0
	var errs []error
	for _, key := range c.Groups() {
		g, err := c.group(key)
		if err != nil {
			continue
		}
		n, err := c.cleanupGroup(ctx, key, g)
		released += n
		if err != nil {
			errs = append(errs, fmt.Errorf("group %s: %w", key, err))
		}
	}
	return released, errors.Join(errs...)
}

func (c *Coordinator) cleanupGroup(ctx context.Context, key string, g *group) (int, error) {
	st, err := g.manager.Refresh(ctx)
	if err != nil {
		return 0, err
	}
	now := c.clock.Now()

	var (
		ready []int
		errs  []error
	)
	for _, r := range st.Retired {
		if now.Sub(r.RetiredAt) < c.grace {
			continue
		}
		var failed bool
		for _, rt := range g.retirers {
			if err := rt.RetireGeneration(ctx, r.Generation); err != nil {
				errs = append(errs, fmt.Errorf("generation %d: %w", r.Generation.ID, err))
				failed = true
			}
		}
		if !failed {
			ready = append(ready, r.Generation.ID)
		}
	}
	if len(ready) > 0 {
		if err := g.manager.Release(ctx, ready); err != nil {
			return 0, errors.Join(append(errs, err)...)
		}
		c.logger.Info("released retired shard generations", "group", key, "generations", ready)
	}
	return len(ready), errors.Join(errs...)
}

// Run calls CleanupRetired every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.CleanupRetired(ctx); err != nil {
				c.logger.Warn("retired generation cleanup failed", "error", err, "released", n)
			}
		}
	}
}
