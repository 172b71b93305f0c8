// Package telemetry provides OpenTelemetry instrumentation for sync cycles.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync metrics meter
	SyncMetricsMeterName = "github.com/roach88/offsync/sync"

	// SyncTracerName is the name used for the sync cycle tracer
	SyncTracerName = "github.com/roach88/offsync/sync"
)

// SyncMetrics holds the OpenTelemetry instruments for sync cycles.
//
// A nil *SyncMetrics is valid and records nothing.
type SyncMetrics struct {
	cycleDuration metric.Float64Histogram
	cycles        metric.Int64Counter
	records       metric.Int64Counter
	conflicts     metric.Int64Counter
	pending       metric.Int64Gauge
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"offsync_cycle_duration_seconds",
		metric.WithDescription("Duration of sync cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	cycles, err := meter.Int64Counter(
		"offsync_cycles_total",
		metric.WithDescription("Sync cycles by outcome"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	records, err := meter.Int64Counter(
		"offsync_records_total",
		metric.WithDescription("Records moved by sync, by direction"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	conflicts, err := meter.Int64Counter(
		"offsync_conflicts_total",
		metric.WithDescription("Remote changes that overwrote local state"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	pending, err := meter.Int64Gauge(
		"offsync_pending_mutations",
		metric.WithDescription("Local mutations waiting to be pushed"),
		metric.WithUnit("{mutation}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		cycleDuration: cycleDuration,
		cycles:        cycles,
		records:       records,
		conflicts:     conflicts,
		pending:       pending,
	}, nil
}

// RecordCycle records a finished cycle. failedAt is empty for successful and
// skipped cycles.
func (m *SyncMetrics) RecordCycle(ctx context.Context, outcome, failedAt string, duration time.Duration) {
	if m == nil || m.cycles == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
	}
	if failedAt != "" {
		attrs = append(attrs, attribute.String("failed_at", failedAt))
	}

	m.cycles.Add(ctx, 1, metric.WithAttributes(attrs...))
	if m.cycleDuration != nil && outcome != "skipped" {
		m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordPulled records records applied from a pull.
func (m *SyncMetrics) RecordPulled(ctx context.Context, n int) {
	m.recordRecords(ctx, "pulled", n)
}

// RecordPushed records records acknowledged by a push.
func (m *SyncMetrics) RecordPushed(ctx context.Context, n int) {
	m.recordRecords(ctx, "pushed", n)
}

func (m *SyncMetrics) recordRecords(ctx context.Context, direction string, n int) {
	if m == nil || m.records == nil || n <= 0 {
		return
	}
	m.records.Add(ctx, int64(n), metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordConflicts records remote-wins overwrites.
func (m *SyncMetrics) RecordConflicts(ctx context.Context, n int) {
	if m == nil || m.conflicts == nil || n <= 0 {
		return
	}
	m.conflicts.Add(ctx, int64(n))
}

// RecordPending records the current mutation log size.
func (m *SyncMetrics) RecordPending(ctx context.Context, n int) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Record(ctx, int64(n))
}
