// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sgrastar/authrim/pkg/errors"
	"github.com/sgrastar/authrim/pkg/shard"
)

const instrumentationName = "github.com/sgrastar/authrim/pkg/authserver"

// Attribute keys.
var (
	attrOutcome    = attribute.Key("outcome")
	attrReason     = attribute.Key("reason")
	attrRegion     = attribute.Key("shard.region")
	attrGeneration = attribute.Key("shard.generation")
	attrPool       = attribute.Key("shard.pool")
	attrGroup      = attribute.Key("shard.group")
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDropped = "dropped"
)

// Metrics records token lifecycle events. A nil *Metrics records nothing.
type Metrics struct {
	codesIssued       metric.Int64Counter
	codeRedemptions   metric.Int64Counter
	familiesIssued    metric.Int64Counter
	rotations         metric.Int64Counter
	familyRevocations metric.Int64Counter
	queueWait         metric.Float64Histogram
	activations       metric.Int64Counter
	indexWrites       metric.Int64Counter
}

// NewMetrics creates the instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	if m.codesIssued, err = meter.Int64Counter(
		"authrim_authorization_codes_issued",
		metric.WithDescription("Authorization codes issued, by region")); err != nil {
		return nil, fmt.Errorf("failed to create codes issued counter: %w", err)
	}
	if m.codeRedemptions, err = meter.Int64Counter(
		"authrim_authorization_code_redemptions",
		metric.WithDescription("Authorization code redemption attempts, by outcome and reason")); err != nil {
		return nil, fmt.Errorf("failed to create redemptions counter: %w", err)
	}
	if m.familiesIssued, err = meter.Int64Counter(
		"authrim_refresh_families_issued",
		metric.WithDescription("Refresh token families started, by region")); err != nil {
		return nil, fmt.Errorf("failed to create families counter: %w", err)
	}
	if m.rotations, err = meter.Int64Counter(
		"authrim_refresh_rotations",
		metric.WithDescription("Refresh token rotation attempts, by outcome and reason")); err != nil {
		return nil, fmt.Errorf("failed to create rotations counter: %w", err)
	}
	if m.familyRevocations, err = meter.Int64Counter(
		"authrim_refresh_family_revocations",
		metric.WithDescription("Refresh token families revoked, by reason")); err != nil {
		return nil, fmt.Errorf("failed to create revocations counter: %w", err)
	}
	if m.queueWait, err = meter.Float64Histogram(
		"authrim_shard_queue_wait",
		metric.WithDescription("Time an operation waited for its shard worker"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create queue wait histogram: %w", err)
	}
	if m.activations, err = meter.Int64Counter(
		"authrim_generation_activations",
		metric.WithDescription("Shard generations activated, by group")); err != nil {
		return nil, fmt.Errorf("failed to create activations counter: %w", err)
	}
	if m.indexWrites, err = meter.Int64Counter(
		"authrim_family_index_writes",
		metric.WithDescription("User family index writes, by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create index writes counter: %w", err)
	}
	return m, nil
}

// NewNoopMetrics returns instruments backed by the no-op provider.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

func placementAttrs(p shard.Placement) metric.MeasurementOption {
	return metric.WithAttributes(attrRegion.String(string(p.Region)), attrGeneration.Int(p.Generation))
}

func outcomeAttrs(reason errors.Reason) metric.MeasurementOption {
	if reason == errors.ReasonNone {
		return metric.WithAttributes(attrOutcome.String(OutcomeSuccess))
	}
	return metric.WithAttributes(attrOutcome.String(OutcomeFailure), attrReason.String(string(reason)))
}

// CodeIssued records a new authorization code.
func (m *Metrics) CodeIssued(ctx context.Context, p shard.Placement) {
	if m == nil {
		return
	}
	m.codesIssued.Add(ctx, 1, placementAttrs(p))
}

// CodeRedeemed records a redemption; ReasonNone means success.
func (m *Metrics) CodeRedeemed(ctx context.Context, reason errors.Reason) {
	if m == nil {
		return
	}
	m.codeRedemptions.Add(ctx, 1, outcomeAttrs(reason))
}

// FamilyIssued records a new refresh token family.
func (m *Metrics) FamilyIssued(ctx context.Context, p shard.Placement) {
	if m == nil {
		return
	}
	m.familiesIssued.Add(ctx, 1, placementAttrs(p))
}

// Rotated records a rotation attempt; ReasonNone means success.
func (m *Metrics) Rotated(ctx context.Context, reason errors.Reason) {
	if m == nil {
		return
	}
	m.rotations.Add(ctx, 1, outcomeAttrs(reason))
}

// FamilyRevoked records a family revocation.
func (m *Metrics) FamilyRevoked(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.familyRevocations.Add(ctx, 1, metric.WithAttributes(attrReason.String(reason)))
}

// QueueWait records how long a task sat in a shard mailbox.
func (m *Metrics) QueueWait(ctx context.Context, pool string, d time.Duration) {
	if m == nil {
		return
	}
	m.queueWait.Record(ctx, d.Seconds(), metric.WithAttributes(attrPool.String(pool)))
}

// GenerationActivated records a generation change.
func (m *Metrics) GenerationActivated(ctx context.Context, group string, generation int) {
	if m == nil {
		return
	}
	m.activations.Add(ctx, 1, metric.WithAttributes(attrGroup.String(group), attrGeneration.Int(generation)))
}

// IndexWrite records an attempt to update the user family index.
func (m *Metrics) IndexWrite(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.indexWrites.Add(ctx, 1, metric.WithAttributes(attrOutcome.String(outcome)))
}
