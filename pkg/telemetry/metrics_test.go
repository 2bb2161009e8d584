// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
)

func TestMetricsExportedThroughPrometheus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, err := NewProvider(ctx, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })
	require.NotNil(t, p.PrometheusHandler())

	m, err := NewMetrics(p.MeterProvider())
	require.NoError(t, err)

	placement := shard.Placement{Generation: 1, Region: "apac", Shard: 3}
	m.CodeIssued(ctx, placement)
	m.CodeRedeemed(ctx, errors.ReasonNone)
	m.CodeRedeemed(ctx, errors.ReasonCodeAlreadyUsed)
	m.FamilyIssued(ctx, placement)
	m.Rotated(ctx, errors.ReasonReuseDetected)
	m.FamilyRevoked(ctx, "reuse detected")
	m.QueueWait(ctx, "tokens", 3*time.Millisecond)
	m.GenerationActivated(ctx, shard.DefaultGroupID, 2)
	m.IndexWrite(ctx, OutcomeDropped)

	rec := httptest.NewRecorder()
	p.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, name := range []string{
		"authrim_authorization_codes_issued",
		"authrim_authorization_code_redemptions",
		"authrim_refresh_families_issued",
		"authrim_refresh_rotations",
		"authrim_refresh_family_revocations",
		"authrim_shard_queue_wait",
		"authrim_generation_activations",
		"authrim_family_index_writes",
	} {
		assert.Contains(t, body, name)
	}
	assert.Contains(t, body, `reason="code already used"`)
}

func TestDisabledProviderIsNoop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	p, err := NewProvider(ctx, Config{})
	require.NoError(t, err)
	assert.Nil(t, p.PrometheusHandler())

	m, err := NewMetrics(p.MeterProvider())
	require.NoError(t, err)
	m.CodeIssued(ctx, shard.Placement{})
	require.NoError(t, p.Shutdown(ctx))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CodeIssued(context.Background(), shard.Placement{})
		m.Rotated(context.Background(), errors.ReasonExpired)
		m.QueueWait(context.Background(), "x", time.Second)
	})
	assert.NotNil(t, NewNoopMetrics())
}
