// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package partition

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/authserver/storage"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
)

var errWorkerStopped = autherrors.NewUnavailableError("shard worker stopped", nil)

type task struct {
	ctx        context.Context
	fn         Task
	enqueuedAt time.Time
	result     chan error
}

type worker struct {
	pool      *Pool
	placement shard.Placement
	store     storage.ShardStorage
	mailbox   chan *task
	done      chan struct{}

	// mu guards closing the mailbox against concurrent sends.
	mu     sync.RWMutex
	closed bool
}

func newWorker(p *Pool, placement shard.Placement, s storage.ShardStorage) *worker {
	return &worker{
		pool:      p,
		placement: placement,
		store:     s,
		mailbox:   make(chan *task, p.queueSize),
		done:      make(chan struct{}),
	}
}

func (w *worker) submit(ctx context.Context, t *task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return errWorkerStopped
	}
	select {
	case w.mailbox <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop closes the mailbox and waits for queued tasks to drain.
func (w *worker) stop() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.mailbox)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *worker) run() {
	defer close(w.done)
	for t := range w.mailbox {
		w.pool.metrics.QueueWait(t.ctx, w.pool.name, time.Since(t.enqueuedAt))
		t.result <- w.execute(t)
	}
}

func (w *worker) execute(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.pool.logger.Error("shard task panicked", "pool", w.pool.name, "placement", w.placement.String(), "panic", r)
			err = autherrors.NewInternalError(fmt.Sprintf("shard task panicked: %v", r), nil)
		}
	}()
	return t.fn(t.ctx, w.store)
}
