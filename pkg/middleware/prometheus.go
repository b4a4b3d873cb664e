package middleware

import (
	"context"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hyp3rd/replimap"
	"github.com/hyp3rd/replimap/pkg/cluster"
)

// PrometheusMiddleware counts service calls and their latency per method.
// Must implement the replimap.Service interface.
type PrometheusMiddleware[K comparable, V any] struct {
	next      replimap.Service[K, V]
	calls     *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

// NewPrometheusMiddleware registers its collectors on reg and returns the wrapped service.
func NewPrometheusMiddleware[K comparable, V any](next replimap.Service[K, V], reg prometheus.Registerer) (replimap.Service[K, V], error) {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "replimap_service_calls_total",
		Help: "Service calls by method and outcome.",
	}, []string{"method", "outcome"})

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replimap_service_duration_seconds",
		Help:    "Service call latency by method.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	for _, c := range []prometheus.Collector{calls, durations} {
		err := reg.Register(c)
		if err != nil {
			return nil, ewrap.Wrap(err, "register service collectors")
		}
	}

	return &PrometheusMiddleware[K, V]{next: next, calls: calls, durations: durations}, nil
}

// Put collects stats for the Put method.
func (mw PrometheusMiddleware[K, V]) Put(ctx context.Context, key K, value V) ([]cluster.Member, error) {
	start := time.Now()

	backups, err := mw.next.Put(ctx, key, value)

	outcome := "replicated"

	switch {
	case err != nil:
		outcome = "error"
	case len(backups) == 0:
		outcome = "local"
	}

	mw.observe("put", outcome, start)

	return backups, err
}

// Get collects stats for the Get method.
func (mw PrometheusMiddleware[K, V]) Get(ctx context.Context, key K) (V, bool) {
	start := time.Now()

	v, ok := mw.next.Get(ctx, key)
	mw.observe("get", hitOutcome(ok), start)

	return v, ok
}

// Remove collects stats for the Remove method.
func (mw PrometheusMiddleware[K, V]) Remove(ctx context.Context, key K) (V, bool) {
	start := time.Now()

	v, ok := mw.next.Remove(ctx, key)
	mw.observe("remove", hitOutcome(ok), start)

	return v, ok
}

// Replicate collects stats for the Replicate method.
func (mw PrometheusMiddleware[K, V]) Replicate(ctx context.Context, key K, complete bool) error {
	start := time.Now()

	err := mw.next.Replicate(ctx, key, complete)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	mw.observe("replicate", outcome, start)

	return err
}

// Len returns the number of local entries.
func (mw PrometheusMiddleware[K, V]) Len() int { return mw.next.Len() }

// Stats returns the engine counters.
func (mw PrometheusMiddleware[K, V]) Stats() replimap.Stats { return mw.next.Stats() }

// Stop stops the underlying service.
func (mw PrometheusMiddleware[K, V]) Stop(ctx context.Context) error { return mw.next.Stop(ctx) }

func (mw PrometheusMiddleware[K, V]) observe(method, outcome string, start time.Time) {
	mw.calls.WithLabelValues(method, outcome).Inc()
	mw.durations.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func hitOutcome(ok bool) string {
	if ok {
		return "hit"
	}

	return "miss"
}
