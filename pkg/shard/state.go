// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStateNotFound is returned when a group has never been bootstrapped.
	ErrStateNotFound = errors.New("shard group state not found")
	// ErrVersionConflict is returned by StateStore.Save when another writer
	// committed first.
	ErrVersionConflict = errors.New("shard group state was modified concurrently")
	// ErrGenerationNotRetained is returned when a generation has aged out of
	// the history ring or never existed.
	ErrGenerationNotRetained = errors.New("generation is not retained")
)

// RetiredGeneration is a generation evicted from the ring whose shard state
// has not yet been released.
type RetiredGeneration struct {
	Generation *Generation `json:"generation"`
	RetiredAt  time.Time   `json:"retiredAt"`
}

// GroupState is everything persisted for one shard group.
type GroupState struct {
	Config  *GroupConfig `json:"config"`
	Current *Generation  `json:"current"`
	// History holds previous generations, most recent first.
	History []*Generation       `json:"history"`
	Retired []RetiredGeneration `json:"retired,omitempty"`
	Version int64               `json:"version"`
}

// Lookup finds a retained generation, trying the current one first.
func (s *GroupState) Lookup(id int) (*Generation, bool) {
	if s.Current != nil && s.Current.ID == id {
		return s.Current, true
	}
	for _, g := range s.History {
		if g.ID == id {
			return g, true
		}
	}
	return nil, false
}

// Retained returns the current generation followed by the history ring.
func (s *GroupState) Retained() []*Generation {
	out := make([]*Generation, 0, len(s.History)+1)
	if s.Current != nil {
		out = append(out, s.Current)
	}
	return append(out, s.History...)
}

// Clone returns a deep copy.
func (s *GroupState) Clone() *GroupState {
	if s == nil {
		return nil
	}
	out := &GroupState{
		Config:  s.Config.Clone(),
		Current: s.Current.Clone(),
		Version: s.Version,
	}
	for _, g := range s.History {
		out.History = append(out.History, g.Clone())
	}
	for _, r := range s.Retired {
		out.Retired = append(out.Retired, RetiredGeneration{Generation: r.Generation.Clone(), RetiredAt: r.RetiredAt})
	}
	return out
}

// StateStore persists GroupState with optimistic concurrency.
type StateStore interface {
	// Load returns ErrStateNotFound for unknown groups.
	Load(ctx context.Context, groupKey string) (*GroupState, error)
	// Save writes state if the stored version still equals expectedVersion
	// (0 meaning absent) and returns ErrVersionConflict otherwise. On
	// success state.Version is set to expectedVersion+1.
	Save(ctx context.Context, groupKey string, state *GroupState, expectedVersion int64) error
	// Close releases resources held by the store.
	Close() error
}
