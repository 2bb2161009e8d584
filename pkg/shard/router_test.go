// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testGeneration(t *testing.T, id, total int) *Generation {
	t.Helper()
	cfg := DefaultGroupConfig()
	cfg.TotalShards = total
	require.NoError(t, Validate(cfg).Err())
	return NewGeneration(id, cfg, id-1, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestStableHashIsFNV1a(t *testing.T) {
	t.Parallel()

	// Reference values for 32-bit FNV-1a.
	assert.Equal(t, uint32(0x811c9dc5), StableHash(""))
	assert.Equal(t, uint32(0xe40c292c), StableHash("a"))
	assert.Equal(t, uint32(0xbf9cf968), StableHash("foobar"))
}

func TestRouteIsDeterministic(t *testing.T) {
	t.Parallel()

	gen := testGeneration(t, 1, 20)
	key := EntityKey("user-42", "client-a")

	first := Route(key, gen)
	for range 100 {
		assert.Equal(t, first, Route(key, gen))
	}

	// An equivalent generation built independently routes identically.
	assert.Equal(t, first, Route(key, testGeneration(t, 1, 20)))
	assert.Equal(t, int(StableHash(key)%20), first.Shard)
	assert.Equal(t, gen.RegionFor(first.Shard), first.Region)
	assert.True(t, gen.Owns(first))
}

func TestRouteSpreadsKeys(t *testing.T) {
	t.Parallel()

	gen := testGeneration(t, 1, 16)
	seen := make(map[int]int)
	for i := range 4000 {
		p := Route(EntityKey(fmt.Sprintf("user-%d", i), "client"), gen)
		require.GreaterOrEqual(t, p.Shard, 0)
		require.Less(t, p.Shard, 16)
		seen[p.Shard]++
	}
	assert.Len(t, seen, 16)
	for shard, n := range seen {
		assert.Greater(t, n, 100, "shard %d is underused", shard)
	}
}

func TestPlacementString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "g3:apac:7", Placement{Generation: 3, Region: "apac", Shard: 7}.String())
}

func TestGenerationOwns(t *testing.T) {
	t.Parallel()

	gen := testGeneration(t, 2, 20)
	assert.True(t, gen.Owns(Placement{Generation: 2, Region: "apac", Shard: 3}))
	assert.False(t, gen.Owns(Placement{Generation: 2, Region: "enam", Shard: 3}), "wrong region")
	assert.False(t, gen.Owns(Placement{Generation: 1, Region: "apac", Shard: 3}), "wrong generation")
	assert.False(t, gen.Owns(Placement{Generation: 2, Region: "weur", Shard: 20}), "out of range")
	assert.Len(t, gen.Placements(), 20)
}
