// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"slices"
	"time"
)

// Generation is an immutable, numbered snapshot of a group's layout.
type Generation struct {
	ID           int           `json:"id"`
	TotalShards  int           `json:"totalShards"`
	RegionLayout []RegionRange `json:"regionLayout"`
	CreatedAt    time.Time     `json:"createdAt"`
	// Supersedes is the ID of the generation this one replaced, 0 for the first.
	Supersedes int `json:"supersedes,omitempty"`
}

// NewGeneration freezes cfg into generation id.
func NewGeneration(id int, cfg *GroupConfig, supersedes int, now time.Time) *Generation {
	return &Generation{
		ID:           id,
		TotalShards:  cfg.TotalShards,
		RegionLayout: ComputeLayout(cfg.TotalShards, cfg.RegionDistribution),
		CreatedAt:    now.UTC(),
		Supersedes:   supersedes,
	}
}

// RegionFor returns the region owning shard.
func (g *Generation) RegionFor(shard int) RegionKey {
	for _, r := range g.RegionLayout {
		if r.Contains(shard) {
			return r.Region
		}
	}
	return ""
}

// Owns reports whether p is a placement this generation could have produced.
func (g *Generation) Owns(p Placement) bool {
	return p.Generation == g.ID &&
		p.Shard >= 0 && p.Shard < g.TotalShards &&
		g.RegionFor(p.Shard) == p.Region
}

// Placements enumerates every shard of the generation.
func (g *Generation) Placements() []Placement {
	out := make([]Placement, 0, g.TotalShards)
	for _, r := range g.RegionLayout {
		for s := r.StartShard; s <= r.EndShard; s++ {
			out = append(out, Placement{Generation: g.ID, Region: r.Region, Shard: s})
		}
	}
	return out
}

// Clone returns a deep copy.
func (g *Generation) Clone() *Generation {
	if g == nil {
		return nil
	}
	out := *g
	out.RegionLayout = slices.Clone(g.RegionLayout)
	return &out
}
