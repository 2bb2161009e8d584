// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/sgrastar/authrim/pkg/telemetry/providers/prometheus"
)

// Config holds the configuration for metrics.
type Config struct {
	// ServiceName is the service name for telemetry
	ServiceName string `mapstructure:"serviceName"`

	// ServiceVersion is the service version for telemetry
	ServiceVersion string `mapstructure:"serviceVersion"`

	// EnablePrometheusMetricsPath controls whether to expose a Prometheus /metrics endpoint
	EnablePrometheusMetricsPath bool `mapstructure:"enablePrometheusMetricsPath"`

	// IncludeRuntimeMetrics adds Go runtime and process collectors to /metrics
	IncludeRuntimeMetrics bool `mapstructure:"includeRuntimeMetrics"`

	// ResourceAttributes are extra "key=value,..." resource attributes.
	ResourceAttributes string `mapstructure:"resourceAttributes"`
}

// DefaultConfig returns a config with Prometheus enabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:                 "authrim-tokens",
		EnablePrometheusMetricsPath: true,
	}
}

// Provider bundles the meter provider with its optional scrape handler.
type Provider struct {
	meterProvider metric.MeterProvider
	handler       http.Handler
	shutdown      func(context.Context) error
}

// NewProvider builds a meter provider from cfg. With Prometheus disabled
// the provider is a no-op.
func NewProvider(_ context.Context, cfg Config) (*Provider, error) {
	if !cfg.EnablePrometheusMetricsPath {
		return &Provider{
			meterProvider: noop.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	extra, err := ParseResourceAttributes(cfg.ResourceAttributes)
	if err != nil {
		return nil, fmt.Errorf("invalid resource attributes: %w", err)
	}

	reader, handler, err := prometheus.NewReader(prometheus.Config{
		EnableMetricsPath:     true,
		IncludeRuntimeMetrics: cfg.IncludeRuntimeMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus reader: %w", err)
	}

	res := resource.NewSchemaless(append(extra,
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)...)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return &Provider{meterProvider: mp, handler: handler, shutdown: mp.Shutdown}, nil
}

// MeterProvider returns the configured provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the scrape handler, or nil when disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.shutdown(ctx)
}
