// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package partition

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/sgrastar/authrim/pkg/authserver/storage"
	"github.com/sgrastar/authrim/pkg/shard"
)

// Sweep purges expired state from every live shard and returns how many
// records were removed.
func (p *Pool) Sweep(ctx context.Context, now time.Time) (int, error) {
	total := 0
	err := p.Each(ctx, func(ctx context.Context, _ shard.Placement, s storage.ShardStorage) error {
		n, err := s.PurgeExpired(ctx, now)
		total += n
		return err
	})
	return total, err
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (p *Pool) RunSweeper(ctx context.Context, interval time.Duration, clk clock.PassiveClock) {
	if interval <= 0 {
		interval = storage.DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Sweep(ctx, clk.Now())
			if err != nil {
				p.logger.Warn("shard sweep failed", "pool", p.name, "error", err)
				continue
			}
			if n > 0 {
				p.logger.Debug("swept expired shard state", "pool", p.name, "removed", n)
			}
		}
	}
}
