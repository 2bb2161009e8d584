// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sgrastar/authrim/pkg/authserver/authcode"
	"github.com/sgrastar/authrim/pkg/authserver/partition"
	"github.com/sgrastar/authrim/pkg/authserver/storage"
	autherrors "github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
)

const testGroup = shard.DefaultGroupID

type harness struct {
	clock   *testingclock.FakeClock
	manager *shard.Manager
	backend *storage.MemoryBackend
	pool    *partition.Pool
	coord   *Coordinator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	clk := testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	manager := shard.NewManager(testGroup, shard.NewMemoryStateStore(), shard.WithClock(clk), shard.WithHistoryCap(2))
	_, err := manager.Bootstrap(context.Background(), withShards(20))
	require.NoError(t, err)

	backend := storage.NewMemoryBackend()
	pool := partition.NewPool("test", backend)
	t.Cleanup(func() { _ = pool.Close() })

	opts = append([]Option{WithClock(clk), WithRetirementGrace(time.Hour)}, opts...)
	c := New(opts...)
	c.Register(manager, pool)
	return &harness{clock: clk, manager: manager, backend: backend, pool: pool, coord: c}
}

func withShards(n int) *shard.GroupConfig {
	cfg := shard.DefaultGroupConfig()
	cfg.TotalShards = n
	cfg.RegionDistribution = map[shard.RegionKey]int{"apac": 20, "enam": 40, "weur": 40}
	return cfg
}

func TestMigrateBumpsGeneration(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.coord.Migrate(ctx, testGroup, withShards(64))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Previous.ID)
	assert.Equal(t, 2, res.Current.ID)
	assert.Equal(t, 1, res.Current.Supersedes)
	assert.Empty(t, res.Evicted)

	total := 0
	for _, r := range res.Layout {
		total += r.Count()
	}
	assert.Equal(t, 64, total)

	desc, err := h.coord.Describe(ctx, testGroup)
	require.NoError(t, err)
	assert.Equal(t, 2, desc.Current.ID)
	require.Len(t, desc.History, 1)
	assert.Equal(t, 1, desc.History[0].ID)
	assert.Equal(t, 20, desc.History[0].TotalShards)
	assert.Equal(t, 64, desc.Config.TotalShards)

	want := []shard.RegionRange{
		{Region: "apac", StartShard: 0, EndShard: 3},
		{Region: "enam", StartShard: 4, EndShard: 11},
		{Region: "weur", StartShard: 12, EndShard: 19},
	}
	if diff := cmp.Diff(want, desc.History[0].RegionLayout); diff != "" {
		t.Errorf("previous layout mismatch (-want +got):\n%s", diff)
	}
}

func TestMigrateRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	cfg := withShards(64)
	cfg.MemberShards = map[shard.StoreType]int{shard.StoreRefreshToken: 32}

	_, err := h.coord.Activate(ctx, testGroup, cfg)
	require.Error(t, err)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.False(t, verr.Result.Valid)
	assert.Contains(t, verr.Result.Failures(), "user-client group members have mismatched shard counts: [64, 32]")
	assert.True(t, autherrors.IsValidationFailed(err))
	assert.Equal(t, http.StatusUnprocessableEntity, autherrors.Code(err))

	gen, err := h.manager.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, gen.ID, "rejected config must not change state")
}

func TestMigrateErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.coord.Migrate(ctx, "missing", withShards(8))
	assert.True(t, autherrors.IsNotFound(err))

	other := withShards(8)
	other.GroupID = "revocation"
	_, err = h.coord.Migrate(ctx, testGroup, other)
	assert.Equal(t, http.StatusBadRequest, autherrors.Code(err))

	_, err = h.coord.Migrate(ctx, testGroup, nil)
	assert.Equal(t, http.StatusBadRequest, autherrors.Code(err))
}

func TestConcurrentMigrationsAreSerialized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.Migrate(ctx, testGroup, withShards(21+i))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	gen, err := h.manager.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, gen.ID)
}

func TestValidateCurrent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	vr, err := h.coord.ValidateCurrent(context.Background(), testGroup)
	require.NoError(t, err)
	assert.True(t, vr.Valid)
	assert.NotEmpty(t, vr.Checks)

	_, err = h.coord.ValidateCurrent(context.Background(), "missing")
	assert.True(t, autherrors.IsNotFound(err))

	assert.Equal(t, []string{testGroup}, h.coord.Groups())
}

func TestCleanupRetiredHonoursGrace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	codes := authcode.New(h.manager, h.pool, authcode.WithClock(h.clock))
	code, err := codes.Issue(ctx, authcode.IssueRequest{ClientID: "c", UserID: "u", RedirectURI: "https://cb"})
	require.NoError(t, err)
	id, err := shard.ParseIdentifier(code)
	require.NoError(t, err)

	// History cap 2: the third migration evicts generation 1.
	for _, n := range []int{21, 22, 23} {
		_, err := h.coord.Migrate(ctx, testGroup, withShards(n))
		require.NoError(t, err)
	}
	desc, err := h.coord.Describe(ctx, testGroup)
	require.NoError(t, err)
	require.Len(t, desc.Retired, 1)
	assert.Equal(t, 1, desc.Retired[0].Generation.ID)

	n, err := h.coord.CleanupRetired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "grace period has not elapsed")

	h.clock.Step(time.Hour)
	n, err = h.coord.CleanupRetired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	desc, err = h.coord.Describe(ctx, testGroup)
	require.NoError(t, err)
	assert.Empty(t, desc.Retired)

	st, err := h.backend.Open(ctx, id.Placement)
	require.NoError(t, err)
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.AuthorizationCodes)

	_, err = codes.Redeem(ctx, code, "c", "https://cb")
	assert.True(t, autherrors.IsInvalidGrant(err))
}

type failingRetirer struct{}

func (failingRetirer) RetireGeneration(context.Context, *shard.Generation) error {
	return errors.New("backend unavailable")
}

func TestCleanupKeepsGenerationWhenRetirerFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clk := testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	manager := shard.NewManager(testGroup, shard.NewMemoryStateStore(), shard.WithClock(clk), shard.WithHistoryCap(1))
	_, err := manager.Bootstrap(ctx, withShards(4))
	require.NoError(t, err)

	c := New(WithClock(clk), WithRetirementGrace(0))
	c.Register(manager, failingRetirer{})

	for _, n := range []int{5, 6} {
		_, err := c.Migrate(ctx, testGroup, withShards(n))
		require.NoError(t, err)
	}

	n, err := c.CleanupRetired(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)

	desc, err := c.Describe(ctx, testGroup)
	require.NoError(t, err)
	assert.Len(t, desc.Retired, 1)
}

func TestHealthy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.coord.Healthy(ctx))

	// A group whose state was never written cannot be served.
	h.coord.Register(shard.NewManager("tenant-a:user-client", shard.NewMemoryStateStore()))
	err := h.coord.Healthy(ctx)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, autherrors.Code(err))
}
