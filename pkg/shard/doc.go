// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package shard decides where token state lives.
//
// A shard group is a set of colocated stores that share one routing
// decision. Its configuration is frozen into numbered generations; each
// generation fixes the total shard count and the contiguous shard range
// owned by every region. Entities are routed by hashing a stable key with
// FNV-1a and taking the result modulo the generation's shard count, and
// every identifier minted for an entity embeds the generation, region and
// shard so that later lookups never have to hash again.
package shard
