// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Check names.
const (
	CheckGroupID         = "group_id"
	CheckTotalShards     = "total_shards"
	CheckRegionKeys      = "region_keys"
	CheckDistributionSum = "distribution_sum"
	CheckRegionCapacity  = "region_capacity"
	CheckMemberShards    = "member_shards"
	CheckColocation      = "colocation"
)

// Check is the outcome of one validation rule.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Message string `json:"message,omitempty"`
}

// ValidationResult collects every check run against a configuration.
type ValidationResult struct {
	Valid  bool          `json:"valid"`
	Checks []Check       `json:"checks"`
	Layout []RegionRange `json:"layout,omitempty"`
}

// Failures returns the messages of failed checks.
func (r *ValidationResult) Failures() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Message)
		}
	}
	return out
}

// Err returns nil for a valid result and a joined error otherwise.
func (r *ValidationResult) Err() error {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}
	return errors.New("shard group validation failed:\n  - " + strings.Join(failures, "\n  - "))
}

func (r *ValidationResult) add(name string, passed bool, format string, args ...any) {
	c := Check{Name: name, Passed: passed}
	if !passed {
		c.Message = fmt.Sprintf(format, args...)
	}
	r.Checks = append(r.Checks, c)
}

// Validate runs every rule against cfg. It never stops at the first failure.
func Validate(cfg *GroupConfig) *ValidationResult {
	r := &ValidationResult{}
	if cfg == nil {
		r.add(CheckGroupID, false, "shard group configuration is required")
		return r
	}

	r.add(CheckGroupID, cfg.GroupID != "", "groupId is required")
	r.add(CheckTotalShards, cfg.TotalShards > 0, "totalShards must be positive, got %d", cfg.TotalShards)

	var badKeys []string
	sum := 0
	for _, region := range cfg.Regions() {
		pct := cfg.RegionDistribution[region]
		if !ValidRegionKey(region) || pct < 0 {
			badKeys = append(badKeys, string(region))
		}
		sum += pct
	}
	r.add(CheckRegionKeys, len(cfg.RegionDistribution) > 0 && len(badKeys) == 0,
		"region keys must be lowercase alphanumeric with non-negative percentages: %v", badKeys)
	r.add(CheckDistributionSum, sum == 100, "region distribution must sum to 100, got %d", sum)

	if cfg.TotalShards > 0 {
		counts := AllocateShards(cfg.TotalShards, cfg.RegionDistribution)
		var starved []string
		for _, region := range cfg.Regions() {
			if cfg.RegionDistribution[region] > 0 && counts[region] == 0 {
				starved = append(starved, string(region))
			}
		}
		r.add(CheckRegionCapacity, len(starved) == 0,
			"regions %v receive no shards out of %d", starved, cfg.TotalShards)
	}

	var badMembers []string
	for member, n := range cfg.MemberShards {
		if n <= 0 {
			badMembers = append(badMembers, string(member))
		}
	}
	slices.Sort(badMembers)
	r.add(CheckMemberShards, len(badMembers) == 0, "member shard counts must be positive: %v", badMembers)

	if cfg.Colocated {
		var counts []int
		for _, member := range cfg.Members {
			n := cfg.ShardsFor(member)
			if !slices.Contains(counts, n) {
				counts = append(counts, n)
			}
		}
		r.add(CheckColocation, len(counts) <= 1,
			"%s group members have mismatched shard counts: [%s]", cfg.GroupID, joinInts(counts))
	}

	r.Valid = len(r.Failures()) == 0
	if r.Valid {
		r.Layout = ComputeLayout(cfg.TotalShards, cfg.RegionDistribution)
	}
	return r
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
