// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package shard

import (
	"context"
	"sync"
)

// MemoryStateStore keeps group state in process. It suits single-node
// deployments and tests.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*GroupState
}

// NewMemoryStateStore creates an empty store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*GroupState)}
}

// Load implements StateStore.
func (s *MemoryStateStore) Load(_ context.Context, groupKey string) (*GroupState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[groupKey]
	if !ok {
		return nil, ErrStateNotFound
	}
	return st.Clone(), nil
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(_ context.Context, groupKey string, state *GroupState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int64
	if st, ok := s.states[groupKey]; ok {
		version = st.Version
	}
	if version != expectedVersion {
		return ErrVersionConflict
	}

	stored := state.Clone()
	stored.Version = expectedVersion + 1
	s.states[groupKey] = stored
	state.Version = stored.Version
	return nil
}

// Close implements StateStore.
func (*MemoryStateStore) Close() error {
	return nil
}

var _ StateStore = (*MemoryStateStore)(nil)
