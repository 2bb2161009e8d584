// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// RegionKey is a short region name such as "apac" or "enam".
type RegionKey string

// StoreType names a store that participates in a shard group.
type StoreType string

// Known store types.
const (
	StoreAuthorizationCode StoreType = "authorization_code"
	StoreRefreshToken      StoreType = "refresh_token"
	StoreRevocation        StoreType = "revocation"
	StoreDPoPProof         StoreType = "dpop_proof"
)

// DefaultGroupID is the group holding per-(user, client) token state.
const DefaultGroupID = "user-client"

// GroupConfig describes a shard group. Percentages in RegionDistribution
// must sum to exactly 100.
type GroupConfig struct {
	GroupID            string            `json:"groupId" yaml:"groupId" mapstructure:"groupId"`
	TenantID           string            `json:"tenantId,omitempty" yaml:"tenantId,omitempty" mapstructure:"tenantId"`
	TotalShards        int               `json:"totalShards" yaml:"totalShards" mapstructure:"totalShards"`
	RegionDistribution map[RegionKey]int `json:"regionDistribution" yaml:"regionDistribution" mapstructure:"regionDistribution"`
	Members            []StoreType       `json:"members" yaml:"members" mapstructure:"members"`
	// MemberShards overrides TotalShards for individual members. Colocated
	// groups must resolve every member to the same count.
	MemberShards map[StoreType]int `json:"memberShards,omitempty" yaml:"memberShards,omitempty" mapstructure:"memberShards"`
	Colocated    bool              `json:"colocated" yaml:"colocated" mapstructure:"colocated"`
}

// DefaultGroupConfig returns the configuration used when none is supplied.
func DefaultGroupConfig() *GroupConfig {
	return &GroupConfig{
		GroupID:     DefaultGroupID,
		TotalShards: 32,
		RegionDistribution: map[RegionKey]int{
			"apac": 20,
			"enam": 40,
			"weur": 40,
		},
		Members:   []StoreType{StoreAuthorizationCode, StoreRefreshToken},
		Colocated: true,
	}
}

// Key identifies the group in state storage and the admin API.
func (c *GroupConfig) Key() string {
	if c.TenantID == "" {
		return c.GroupID
	}
	return c.TenantID + ":" + c.GroupID
}

// ShardsFor returns the shard count a member resolves to.
func (c *GroupConfig) ShardsFor(member StoreType) int {
	if n, ok := c.MemberShards[member]; ok {
		return n
	}
	return c.TotalShards
}

// Regions returns the configured regions in routing order.
func (c *GroupConfig) Regions() []RegionKey {
	return slices.Sorted(maps.Keys(c.RegionDistribution))
}

// Clone returns a deep copy.
func (c *GroupConfig) Clone() *GroupConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.RegionDistribution = maps.Clone(c.RegionDistribution)
	out.Members = slices.Clone(c.Members)
	out.MemberShards = maps.Clone(c.MemberShards)
	return &out
}

// LoadGroupConfig reads a YAML group configuration from path.
func LoadGroupConfig(path string) (*GroupConfig, error) {
	// #nosec G304 - path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shard config %s: %w", path, err)
	}
	return ParseGroupConfig(data)
}

// ParseGroupConfig decodes a YAML (or JSON) group configuration.
func ParseGroupConfig(data []byte) (*GroupConfig, error) {
	var cfg GroupConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shard config: %w", err)
	}
	return &cfg, nil
}
