// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics collects Prometheus-compatible metrics for supervisor and
// forwarding activity. A nil *Metrics is safe: every Record method
// no-ops, so callers don't guard on tracing being enabled.
type Metrics struct {
	invocationsTotal   metric.Int64Counter
	invocationDuration metric.Float64Histogram
	ensuresTotal       metric.Int64Counter
	stateTransitions   metric.Int64Counter
}

// NewMetrics creates the collector on the given meter provider.
func NewMetrics(meterProvider metric.MeterProvider) (*Metrics, error) {
	meter := meterProvider.Meter("warden")

	m := &Metrics{}

	var err error

	m.invocationsTotal, err = meter.Int64Counter(
		"warden_invocations_total",
		metric.WithDescription("Total number of forwarded tool invocations"),
		metric.WithUnit("{invocation}"),
	)
	if err != nil {
		return nil, err
	}

	m.invocationDuration, err = meter.Float64Histogram(
		"warden_invocation_duration_seconds",
		metric.WithDescription("Forwarded invocation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ensuresTotal, err = meter.Int64Counter(
		"warden_ensure_running_total",
		metric.WithDescription("Total number of EnsureRunning cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	m.stateTransitions, err = meter.Int64Counter(
		"warden_server_state_transitions_total",
		metric.WithDescription("Total number of server state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordInvocation records one forwarded invocation outcome.
func (m *Metrics) RecordInvocation(ctx context.Context, tool, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.invocationsTotal.Add(ctx, 1, attrs)
	m.invocationDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordEnsure records one EnsureRunning cycle outcome.
func (m *Metrics) RecordEnsure(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ensuresTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordStateTransition records the server entering a state.
func (m *Metrics) RecordStateTransition(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.stateTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
