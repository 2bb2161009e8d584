// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/pkg/shard"
)

func TestNewProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		config        Config
		expectHandler bool
		errorContains string
	}{
		{name: "disabled", config: Config{}},
		{name: "defaults", config: DefaultConfig(), expectHandler: true},
		{
			name: "runtime metrics",
			config: Config{
				ServiceName:                 "authrim-tokens",
				EnablePrometheusMetricsPath: true,
				IncludeRuntimeMetrics:       true,
			},
			expectHandler: true,
		},
		{
			name: "bad resource attributes",
			config: Config{
				EnablePrometheusMetricsPath: true,
				ResourceAttributes:          "cell",
			},
			errorContains: "invalid resource attributes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			p, err := NewProvider(ctx, tt.config)
			if tt.errorContains != "" {
				require.ErrorContains(t, err, tt.errorContains)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = p.Shutdown(ctx) })

			require.NotNil(t, p.MeterProvider())
			assert.Equal(t, tt.expectHandler, p.PrometheusHandler() != nil)
		})
	}
}

func TestResourceAttributesAreExported(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.ResourceAttributes = "cell=enam-1"
	p, err := NewProvider(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	m, err := NewMetrics(p.MeterProvider())
	require.NoError(t, err)
	m.CodeIssued(ctx, shard.Placement{Generation: 1, Region: "enam", Shard: 4})

	rec := httptest.NewRecorder()
	p.PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cell="enam-1"`)
	assert.Contains(t, rec.Body.String(), `service_name="authrim-tokens"`)
}
