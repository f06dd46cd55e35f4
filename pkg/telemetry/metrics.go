// SPDX-License-Identifier: Apache-2.0
// Package telemetry provides observability for the Loom run engine.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RunMetrics tracks run outcomes, tool-call behavior and provider fallbacks
// for production monitoring.
type RunMetrics struct {
	runCounter        metric.Int64Counter
	runLatencyMs      metric.Float64Histogram
	toolCallLatencyMs metric.Float64Histogram
	quotaExhausted    metric.Int64Counter
	providerFallbacks metric.Int64Counter
}

var (
	globalRunMetrics     *RunMetrics
	globalRunMetricsOnce sync.Once
)

// InitRunMetrics initializes the global run metrics. Safe to call more than
// once; only the first call creates instruments. Returns nil if instrument
// creation fails (graceful degradation).
func InitRunMetrics() *RunMetrics {
	globalRunMetricsOnce.Do(func() {
		meter := otel.Meter("loom/run")

		runCounter, err := meter.Int64Counter(
			"loom.runs.total",
			metric.WithDescription("Total runs by skill and status"),
		)
		if err != nil {
			return
		}
		runLatencyMs, err := meter.Float64Histogram(
			"loom.run.latency_ms",
			metric.WithDescription("End-to-end run latency in milliseconds"),
		)
		if err != nil {
			return
		}
		toolCallLatencyMs, err := meter.Float64Histogram(
			"loom.tool.latency_ms",
			metric.WithDescription("Tool call latency in milliseconds by tool"),
		)
		if err != nil {
			return
		}
		quotaExhausted, err := meter.Int64Counter(
			"loom.tool.quota_exhausted",
			metric.WithDescription("Per-tool quota exhaustions"),
		)
		if err != nil {
			return
		}
		providerFallbacks, err := meter.Int64Counter(
			"loom.provider.fallbacks",
			metric.WithDescription("Runs retried against the fallback provider"),
		)
		if err != nil {
			return
		}

		globalRunMetrics = &RunMetrics{
			runCounter:        runCounter,
			runLatencyMs:      runLatencyMs,
			toolCallLatencyMs: toolCallLatencyMs,
			quotaExhausted:    quotaExhausted,
			providerFallbacks: providerFallbacks,
		}
	})
	return globalRunMetrics
}

// GetRunMetrics returns the global run metrics, or nil if uninitialized.
func GetRunMetrics() *RunMetrics {
	return globalRunMetrics
}

// RecordRun records a terminated run with its status and latency.
func (m *RunMetrics) RecordRun(ctx context.Context, skill, status string, latencyMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("skill", skill),
		attribute.String("status", status),
	)
	m.runCounter.Add(ctx, 1, attrs)
	m.runLatencyMs.Record(ctx, latencyMs, attrs)
}

// RecordToolCall records one sandbox dispatch.
func (m *RunMetrics) RecordToolCall(ctx context.Context, tool string, latencyMs float64, ok bool) {
	if m == nil {
		return
	}
	m.toolCallLatencyMs.Record(ctx, latencyMs, metric.WithAttributes(
		attribute.String("tool.name", tool),
		attribute.Bool("tool.ok", ok),
	))
}

// RecordQuotaExhausted records a structured quota refusal for a tool.
func (m *RunMetrics) RecordQuotaExhausted(ctx context.Context, tool string) {
	if m == nil {
		return
	}
	m.quotaExhausted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool.name", tool),
	))
}

// RecordProviderFallback records a loop restart against the fallback provider.
func (m *RunMetrics) RecordProviderFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.providerFallbacks.Add(ctx, 1)
}
