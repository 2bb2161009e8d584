// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"fmt"
	"hash/fnv"
)

// Placement pins an entity to one shard of one generation.
type Placement struct {
	Generation int       `json:"generation"`
	Region     RegionKey `json:"region"`
	Shard      int       `json:"shard"`
}

func (p Placement) String() string {
	return fmt.Sprintf("g%d:%s:%d", p.Generation, p.Region, p.Shard)
}

// StableHash is 32-bit FNV-1a over the UTF-8 bytes of key.
func StableHash(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

// EntityKey builds the routing key for a (user, client) pair.
func EntityKey(userID, clientID string) string {
	return userID + ":" + clientID
}

// Route maps entityKey to its placement within gen. The result depends only
// on the key and the generation, never on process state.
func Route(entityKey string, gen *Generation) Placement {
	shard := int(StableHash(entityKey) % uint32(gen.TotalShards)) // #nosec G115 - TotalShards is validated positive
	return Placement{
		Generation: gen.ID,
		Region:     gen.RegionFor(shard),
		Shard:      shard,
	}
}
