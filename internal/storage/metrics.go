package storage

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ollyllm/ollyllm/internal/telemetry"
)

// queueDepthTimeout bounds the COUNT query run on each metric collection.
const queueDepthTimeout = 5 * time.Second

// RegisterMetrics registers observable OTEL gauges for pool health and queue
// depth. Call after telemetry.Init so the global meter provider is in place.
func (db *DB) RegisterMetrics() {
	meter := telemetry.Meter("ollyllm/storage")

	_, _ = meter.Int64ObservableGauge("ollyllm.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("ollyllm.db.pool.idle_conns",
		metric.WithDescription("Idle connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableCounter("ollyllm.db.pool.empty_acquire_total",
		metric.WithDescription("Acquires that had to wait because the pool was empty"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(db.pool.Stat().EmptyAcquireCount())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("ollyllm.queue.depth",
		metric.WithDescription("Test execution queue entries by status"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			ctx, cancel := context.WithTimeout(ctx, queueDepthTimeout)
			defer cancel()
			depth, err := db.QueueDepth(ctx)
			if err != nil {
				db.logger.Debug("storage: queue depth metric", "error", err)
				return nil
			}
			for status, n := range depth {
				o.Observe(n, metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		}),
	)
}
