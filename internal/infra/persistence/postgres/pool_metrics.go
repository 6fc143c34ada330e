package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ObservePoolMetrics registers observable gauges that report pgx pool health:
// total, idle, acquired, and constructing connection counts.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := metric.WithAttributes(attribute.String("db_pool", normalized))

	gauges := []struct {
		name        string
		description string
		read        func(*pgxpool.Stat) int32
	}{
		{"weaver_db_pool_connections_total", "Total connections (idle + acquired + constructing)", (*pgxpool.Stat).TotalConns},
		{"weaver_db_pool_connections_idle", "Idle connections ready for checkout", (*pgxpool.Stat).IdleConns},
		{"weaver_db_pool_connections_acquired", "Connections currently acquired by callers", (*pgxpool.Stat).AcquiredConns},
		{"weaver_db_pool_connections_constructing", "Connections currently being constructed", (*pgxpool.Stat).ConstructingConns},
	}

	meter := otel.Meter("postgres.pool")
	for _, g := range gauges {
		read := g.read
		if _, err := meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.description),
			metric.WithUnit("{connection}"),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				stat := pool.Stat()
				observer.Observe(int64(read(stat)), attrs)
				return nil
			}),
		); err != nil {
			return
		}
	}
}
