// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"cmp"
	"fmt"
	"slices"
)

// RegionRange is the inclusive span of shard indexes owned by a region.
type RegionRange struct {
	Region     RegionKey `json:"region"`
	StartShard int       `json:"startShard"`
	EndShard   int       `json:"endShard"`
}

// Count returns the number of shards in the range.
func (r RegionRange) Count() int {
	return r.EndShard - r.StartShard + 1
}

// Contains reports whether shard falls inside the range.
func (r RegionRange) Contains(shard int) bool {
	return shard >= r.StartShard && shard <= r.EndShard
}

func (r RegionRange) String() string {
	return fmt.Sprintf("%s[%d,%d]", r.Region, r.StartShard, r.EndShard)
}

// AllocateShards splits total across the regions of dist.
//
// Each region first receives floor(total*percent/100). The shards left over
// go one at a time to the regions with the largest fractional remainder,
// ties broken by region key. Regions with a zero percentage are skipped.
func AllocateShards(total int, dist map[RegionKey]int) map[RegionKey]int {
	type share struct {
		region    RegionKey
		count     int
		remainder int
	}

	shares := make([]share, 0, len(dist))
	assigned := 0
	for region, pct := range dist {
		if pct <= 0 {
			continue
		}
		exact := total * pct
		s := share{region: region, count: exact / 100, remainder: exact % 100}
		assigned += s.count
		shares = append(shares, s)
	}

	slices.SortFunc(shares, func(a, b share) int {
		if c := cmp.Compare(b.remainder, a.remainder); c != 0 {
			return c
		}
		return cmp.Compare(a.region, b.region)
	})
	for i := 0; assigned < total && len(shares) > 0; i = (i + 1) % len(shares) {
		shares[i].count++
		assigned++
	}

	out := make(map[RegionKey]int, len(shares))
	for _, s := range shares {
		out[s.region] = s.count
	}
	return out
}

// ComputeLayout lays regions out as contiguous ranges in region key order.
// Regions allocated zero shards are omitted.
func ComputeLayout(total int, dist map[RegionKey]int) []RegionRange {
	counts := AllocateShards(total, dist)
	regions := make([]RegionKey, 0, len(counts))
	for r := range counts {
		regions = append(regions, r)
	}
	slices.Sort(regions)

	layout := make([]RegionRange, 0, len(regions))
	next := 0
	for _, r := range regions {
		n := counts[r]
		if n == 0 {
			continue
		}
		layout = append(layout, RegionRange{Region: r, StartShard: next, EndShard: next + n - 1})
		next += n
	}
	return layout
}
