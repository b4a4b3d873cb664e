package middleware

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hyp3rd/replimap"
	"github.com/hyp3rd/replimap/internal/telemetry/attrs"
	"github.com/hyp3rd/replimap/pkg/cluster"
)

// OTelMetricsMiddleware emits OpenTelemetry metrics for service methods.
type OTelMetricsMiddleware[K comparable, V any] struct {
	next  replimap.Service[K, V]
	meter metric.Meter

	// instruments
	calls     metric.Int64Counter
	durations metric.Float64Histogram
	backups   metric.Int64Histogram
}

// NewOTelMetricsMiddleware constructs a metrics middleware using the provided meter.
func NewOTelMetricsMiddleware[K comparable, V any](next replimap.Service[K, V], meter metric.Meter) (replimap.Service[K, V], error) {
	calls, err := meter.Int64Counter("replimap.calls")
	if err != nil {
		return nil, fmt.Errorf("create counter: %w", err)
	}

	durations, err := meter.Float64Histogram("replimap.duration.ms")
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}

	backups, err := meter.Int64Histogram("replimap.put.backups")
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}

	return &OTelMetricsMiddleware[K, V]{next: next, meter: meter, calls: calls, durations: durations, backups: backups}, nil
}

// Put implements Service.Put with metrics.
func (mw *OTelMetricsMiddleware[K, V]) Put(ctx context.Context, key K, value V) ([]cluster.Member, error) {
	start := time.Now()
	backups, err := mw.next.Put(ctx, key, value)
	mw.rec(ctx, "Put", start, attribute.Int(attrs.AttrBackupCount, len(backups)))
	mw.backups.Record(ctx, int64(len(backups)))

	return backups, err
}

// Get implements Service.Get with metrics.
func (mw *OTelMetricsMiddleware[K, V]) Get(ctx context.Context, key K) (V, bool) {
	start := time.Now()
	v, ok := mw.next.Get(ctx, key)
	mw.rec(ctx, "Get", start, attribute.Bool(attrs.AttrHit, ok))

	return v, ok
}

// Remove implements Service.Remove with metrics.
func (mw *OTelMetricsMiddleware[K, V]) Remove(ctx context.Context, key K) (V, bool) {
	start := time.Now()
	v, ok := mw.next.Remove(ctx, key)
	mw.rec(ctx, "Remove", start, attribute.Bool(attrs.AttrHit, ok))

	return v, ok
}

// Replicate implements Service.Replicate with metrics.
func (mw *OTelMetricsMiddleware[K, V]) Replicate(ctx context.Context, key K, complete bool) error {
	start := time.Now()
	err := mw.next.Replicate(ctx, key, complete)
	mw.rec(ctx, "Replicate", start, attribute.Bool(attrs.AttrComplete, complete))

	return err
}

// Len returns the number of local entries.
func (mw *OTelMetricsMiddleware[K, V]) Len() int { return mw.next.Len() }

// Stats returns the engine counters.
func (mw *OTelMetricsMiddleware[K, V]) Stats() replimap.Stats { return mw.next.Stats() }

// Stop stops the underlying service.
func (mw *OTelMetricsMiddleware[K, V]) Stop(ctx context.Context) error { return mw.next.Stop(ctx) }

// rec records call count and duration with attributes.
func (mw *OTelMetricsMiddleware[K, V]) rec(ctx context.Context, method string, start time.Time, attributes ...attribute.KeyValue) {
	base := []attribute.KeyValue{attribute.String(attrs.AttrMethod, method)}
	if len(attributes) > 0 {
		base = append(base, attributes...)
	}

	mw.calls.Add(ctx, 1, metric.WithAttributes(base...))
	mw.durations.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(base...))
}
