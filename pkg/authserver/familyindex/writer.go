// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package familyindex

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/authserver/storage"
	"github.com/sgrastar/authrim/pkg/telemetry"
)

// DefaultWriterQueueSize bounds the number of pending index writes.
const DefaultWriterQueueSize = 1024

const writeTimeout = 5 * time.Second

// ErrWriterClosed is returned by Flush after Close.
var ErrWriterClosed = errors.New("index writer closed")

type writeOp struct {
	ctx   context.Context
	apply func(ctx context.Context, idx Index) error
	// barrier is closed once every op queued before it has been applied.
	barrier chan struct{}
}

// AsyncWriter applies index writes on a single background goroutine. When
// the queue is full writes are dropped and counted, so the shards never
// wait on the index.
type AsyncWriter struct {
	index   Index
	queue   chan writeOp
	done    chan struct{}
	metrics *telemetry.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// WriterOption configures an AsyncWriter.
type WriterOption func(*AsyncWriter)

// WithWriterQueueSize sets the queue bound.
func WithWriterQueueSize(n int) WriterOption {
	return func(w *AsyncWriter) {
		if n > 0 {
			w.queue = make(chan writeOp, n)
		}
	}
}

// WithWriterMetrics records write outcomes.
func WithWriterMetrics(m *telemetry.Metrics) WriterOption {
	return func(w *AsyncWriter) {
		w.metrics = m
	}
}

// WithWriterLogger sets the logger.
func WithWriterLogger(l *slog.Logger) WriterOption {
	return func(w *AsyncWriter) {
		w.logger = l
	}
}

// NewAsyncWriter starts a writer in front of index.
func NewAsyncWriter(index Index, opts ...WriterOption) *AsyncWriter {
	w := &AsyncWriter{
		index:  index,
		queue:  make(chan writeOp, DefaultWriterQueueSize),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	go w.run()
	return w
}

// FamilyIssued queues the row for a new family.
func (w *AsyncWriter) FamilyIssued(ctx context.Context, fam *storage.TokenFamily, tok *storage.RefreshToken) {
	e := Entry{
		JTI:        tok.JTI,
		FamilyID:   fam.ID,
		UserID:     fam.UserID,
		ClientID:   fam.ClientID,
		Generation: fam.Placement.Generation,
		IssuedAt:   tok.IssuedAt,
		ExpiresAt:  tok.ExpiresAt,
	}
	w.enqueue(ctx, "record", func(ctx context.Context, idx Index) error {
		return idx.Record(ctx, e)
	})
}

// FamilyRevoked queues the revocation of a family.
func (w *AsyncWriter) FamilyRevoked(ctx context.Context, fam *storage.TokenFamily) {
	familyID := fam.ID
	at := time.Now()
	if fam.RevokedAt != nil {
		at = *fam.RevokedAt
	}
	w.enqueue(ctx, "revoke", func(ctx context.Context, idx Index) error {
		_, err := idx.MarkFamilyRevoked(ctx, familyID, at)
		return err
	})
}

func (w *AsyncWriter) enqueue(ctx context.Context, kind string, apply func(context.Context, Index) error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.metrics.IndexWrite(ctx, telemetry.OutcomeDropped)
		return
	}
	select {
	case w.queue <- writeOp{ctx: context.WithoutCancel(ctx), apply: apply}:
	default:
		w.metrics.IndexWrite(ctx, telemetry.OutcomeDropped)
		w.logger.Warn("family index queue full, dropping write", "op", kind)
	}
}

// Flush waits until every write queued before the call has been applied.
func (w *AsyncWriter) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrWriterClosed
	}
	select {
	case w.queue <- writeOp{barrier: barrier}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the queue and stops the writer. The index itself is left
// open.
func (w *AsyncWriter) Close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
	return nil
}

func (w *AsyncWriter) run() {
	defer close(w.done)
	for op := range w.queue {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		ctx, cancel := context.WithTimeout(op.ctx, writeTimeout)
		err := op.apply(ctx, w.index)
		cancel()
		if err != nil {
			w.metrics.IndexWrite(op.ctx, telemetry.OutcomeFailure)
			w.logger.Warn("family index write failed", "error", err)
			continue
		}
		w.metrics.IndexWrite(op.ctx, telemetry.OutcomeSuccess)
	}
}
