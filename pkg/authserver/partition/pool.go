// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package partition runs every shard behind a single goroutine.
//
// All reads and writes for a placement are funnelled through that
// placement's mailbox and executed one at a time, which makes each task a
// critical section for the shard without any cross-shard locking. Callers
// block until their task has run; once a task is queued it runs to
// completion even if the caller gives up waiting.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/authserver/storage"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
	"github.com/sgrastar/authrim/pkg/telemetry"
)

// DefaultQueueSize is the mailbox capacity of each shard worker.
const DefaultQueueSize = 64

// ErrPoolClosed is returned once Close has been called.
var ErrPoolClosed = autherrors.NewUnavailableError("shard pool is closed", nil)

// Task runs inside a shard worker with exclusive access to the shard.
type Task func(ctx context.Context, s storage.ShardStorage) error

// Pool owns the workers of one shard group.
type Pool struct {
	name      string
	backend   storage.Backend
	queueSize int
	metrics   *telemetry.Metrics
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[shard.Placement]*worker
	retired map[int]struct{}
	closed  bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithQueueSize sets the per-shard mailbox capacity.
func WithQueueSize(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithMetrics records queue latency.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = l
	}
}

// NewPool creates a pool whose shards are opened from backend on first use.
func NewPool(name string, backend storage.Backend, opts ...Option) *Pool {
	p := &Pool{
		name:      name,
		backend:   backend,
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
		workers:   make(map[shard.Placement]*worker),
		retired:   make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// Do runs fn on the worker for placement and returns its error.
//
// ctx bounds only the wait for a mailbox slot. Once queued, fn receives a
// context that is not cancelled with ctx, so a multi-step commit is never
// abandoned half way.
func (p *Pool) Do(ctx context.Context, placement shard.Placement, fn Task) error {
	w, err := p.worker(ctx, placement)
	if err != nil {
		return err
	}

	t := &task{
		ctx:        context.WithoutCancel(ctx),
		fn:         fn,
		enqueuedAt: time.Now(),
		result:     make(chan error, 1),
	}
	if err := w.submit(ctx, t); err != nil {
		return err
	}
	return <-t.result
}

// Each runs fn on every live worker, in placement order, and joins the errors.
func (p *Pool) Each(ctx context.Context, fn func(ctx context.Context, placement shard.Placement, s storage.ShardStorage) error) error {
	var errs []error
	for _, placement := range p.Placements() {
		err := p.Do(ctx, placement, func(ctx context.Context, s storage.ShardStorage) error {
			return fn(ctx, placement, s)
		})
		if err != nil && !errors.Is(err, errWorkerStopped) {
			errs = append(errs, fmt.Errorf("%s: %w", placement, err))
		}
	}
	return errors.Join(errs...)
}

// Placements lists placements with a running worker.
func (p *Pool) Placements() []shard.Placement {
	p.mu.Lock()
	out := make([]shard.Placement, 0, len(p.workers))
	for placement := range p.workers {
		out = append(out, placement)
	}
	p.mu.Unlock()

	slices.SortFunc(out, comparePlacements)
	return out
}

// Stats reports per-shard counts for every live worker.
func (p *Pool) Stats(ctx context.Context) (map[shard.Placement]storage.Stats, error) {
	out := make(map[shard.Placement]storage.Stats)
	err := p.Each(ctx, func(ctx context.Context, placement shard.Placement, s storage.ShardStorage) error {
		st, err := s.Stats(ctx)
		if err != nil {
			return err
		}
		out[placement] = st
		return nil
	})
	return out, err
}

// RetireGeneration stops the workers of gen and purges every one of its
// shards. Tasks already queued finish first. Placements of a retired
// generation can no longer be opened.
func (p *Pool) RetireGeneration(ctx context.Context, gen *shard.Generation) error {
	p.mu.Lock()
	p.retired[gen.ID] = struct{}{}
	var stopping []*worker
	for placement, w := range p.workers {
		if placement.Generation == gen.ID {
			stopping = append(stopping, w)
			delete(p.workers, placement)
		}
	}
	p.mu.Unlock()

	var errs []error
	for _, w := range stopping {
		w.stop()
		if err := w.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.placement, err))
		}
	}

	for _, placement := range gen.Placements() {
		s, err := p.backend.Open(ctx, placement)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.Purge(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", placement, err))
		}
		_ = s.Close()
	}
	p.logger.Info("retired shard generation", "pool", p.name, "generation", gen.ID, "shards", gen.TotalShards)
	return errors.Join(errs...)
}

// Close stops every worker after draining its mailbox.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := make([]*worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	clear(p.workers)
	p.mu.Unlock()

	var errs []error
	for _, w := range workers {
		w.stop()
		if err := w.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) worker(ctx context.Context, placement shard.Placement) (*worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	if w, ok := p.workers[placement]; ok {
		return w, nil
	}
	if _, ok := p.retired[placement.Generation]; ok {
		return nil, autherrors.NewUnavailableError(
			fmt.Sprintf("generation %d has been retired", placement.Generation), nil)
	}

	s, err := p.backend.Open(ctx, placement)
	if err != nil {
		return nil, fmt.Errorf("failed to open shard %s: %w", placement, err)
	}
	w := newWorker(p, placement, s)
	p.workers[placement] = w
	go w.run()
	return w, nil
}

func comparePlacements(a, b shard.Placement) int {
	if a.Generation != b.Generation {
		return a.Generation - b.Generation
	}
	return a.Shard - b.Shard
}
