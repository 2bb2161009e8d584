// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/utils/clock"
)

const (
	maxLimiterEntries = 10000
	limiterIdle       = 10 * time.Minute
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyedLimiter keeps one token bucket per key. Idle buckets are dropped
// once the table grows past maxLimiterEntries.
type keyedLimiter struct {
	limit rate.Limit
	burst int
	clock clock.PassiveClock

	mu      sync.Mutex
	entries map[string]*limiterEntry
}

func newKeyedLimiter(limit rate.Limit, burst int, clk clock.PassiveClock) *keyedLimiter {
	return &keyedLimiter{
		limit:   limit,
		burst:   burst,
		clock:   clk,
		entries: make(map[string]*limiterEntry),
	}
}

func (l *keyedLimiter) allow(key string) bool {
	if l == nil || l.limit == rate.Inf {
		return true
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= maxLimiterEntries {
			l.prune(now)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *keyedLimiter) prune(now time.Time) {
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(l.entries, k)
		}
	}
}
