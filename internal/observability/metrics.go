package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetrics tracks sync cycle outcomes through OpenTelemetry instruments.
type SyncMetrics struct {
	uploaded      metric.Int64Counter
	downloaded    metric.Int64Counter
	conflicts     metric.Int64Counter
	failures      metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

// NewSyncMetrics constructs the sync instruments on the global meter provider.
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter("fieldsync.sync")

	uploaded, err := meter.Int64Counter("fieldsync_sync_uploaded_total",
		metric.WithDescription("Outbox entries acknowledged by the backend"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create uploaded counter: %w", err)
	}
	downloaded, err := meter.Int64Counter("fieldsync_sync_downloaded_total",
		metric.WithDescription("Remote changes applied to the local replica"),
		metric.WithUnit("{change}"))
	if err != nil {
		return nil, fmt.Errorf("create downloaded counter: %w", err)
	}
	conflicts, err := meter.Int64Counter("fieldsync_sync_conflicts_total",
		metric.WithDescription("Mutations parked as version conflicts"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create conflicts counter: %w", err)
	}
	failures, err := meter.Int64Counter("fieldsync_sync_failures_total",
		metric.WithDescription("Mutations parked as terminal failures"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}
	cycleDuration, err := meter.Float64Histogram("fieldsync_sync_cycle_seconds",
		metric.WithDescription("Wall time of one sync cycle"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create cycle histogram: %w", err)
	}

	return &SyncMetrics{
		uploaded:      uploaded,
		downloaded:    downloaded,
		conflicts:     conflicts,
		failures:      failures,
		cycleDuration: cycleDuration,
	}, nil
}

// RecordCycle publishes the counters for one completed sync cycle.
func (m *SyncMetrics) RecordCycle(ctx context.Context, uploaded, downloaded, conflicts, failures int, elapsed time.Duration, result string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("result", result))
	if uploaded > 0 {
		m.uploaded.Add(ctx, int64(uploaded), attrs)
	}
	if downloaded > 0 {
		m.downloaded.Add(ctx, int64(downloaded), attrs)
	}
	if conflicts > 0 {
		m.conflicts.Add(ctx, int64(conflicts), attrs)
	}
	if failures > 0 {
		m.failures.Add(ctx, int64(failures), attrs)
	}
	m.cycleDuration.Record(ctx, elapsed.Seconds(), attrs)
}
