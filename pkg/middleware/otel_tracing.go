package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/replimap"
	"github.com/hyp3rd/replimap/internal/telemetry/attrs"
	"github.com/hyp3rd/replimap/pkg/cluster"
)

// OTelTracingMiddleware wraps replimap.Service methods with OpenTelemetry spans.
type OTelTracingMiddleware[K comparable, V any] struct {
	next   replimap.Service[K, V]
	tracer trace.Tracer
	// static attributes applied to all spans
	commonAttrs []attribute.KeyValue
}

// OTelTracingOption allows configuring the tracing middleware.
type OTelTracingOption func(*[]attribute.KeyValue)

// WithCommonAttributes sets attributes applied to all spans.
func WithCommonAttributes(attributes ...attribute.KeyValue) OTelTracingOption {
	return func(common *[]attribute.KeyValue) { *common = append(*common, attributes...) }
}

// NewOTelTracingMiddleware creates a tracing middleware.
func NewOTelTracingMiddleware[K comparable, V any](next replimap.Service[K, V], tracer trace.Tracer, opts ...OTelTracingOption) replimap.Service[K, V] {
	mw := &OTelTracingMiddleware[K, V]{next: next, tracer: tracer}
	for _, o := range opts {
		o(&mw.commonAttrs)
	}

	return mw
}

// Put implements Service.Put with tracing.
func (mw OTelTracingMiddleware[K, V]) Put(ctx context.Context, key K, value V) ([]cluster.Member, error) {
	ctx, span := mw.startSpan(ctx, "replimap.Put", keyLen(key))
	defer span.End()

	backups, err := mw.next.Put(ctx, key, value)
	span.SetAttributes(attribute.Int(attrs.AttrBackupCount, len(backups)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return backups, err
}

// Get implements Service.Get with tracing.
func (mw OTelTracingMiddleware[K, V]) Get(ctx context.Context, key K) (V, bool) {
	ctx, span := mw.startSpan(ctx, "replimap.Get", keyLen(key))
	defer span.End()

	v, ok := mw.next.Get(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))

	return v, ok
}

// Remove implements Service.Remove with tracing.
func (mw OTelTracingMiddleware[K, V]) Remove(ctx context.Context, key K) (V, bool) {
	ctx, span := mw.startSpan(ctx, "replimap.Remove", keyLen(key))
	defer span.End()

	v, ok := mw.next.Remove(ctx, key)
	span.SetAttributes(attribute.Bool(attrs.AttrHit, ok))

	return v, ok
}

// Replicate implements Service.Replicate with tracing.
func (mw OTelTracingMiddleware[K, V]) Replicate(ctx context.Context, key K, complete bool) error {
	ctx, span := mw.startSpan(ctx, "replimap.Replicate", keyLen(key), attribute.Bool(attrs.AttrComplete, complete))
	defer span.End()

	err := mw.next.Replicate(ctx, key, complete)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// Len returns the number of local entries.
func (mw OTelTracingMiddleware[K, V]) Len() int { return mw.next.Len() }

// Stats returns the engine counters.
func (mw OTelTracingMiddleware[K, V]) Stats() replimap.Stats { return mw.next.Stats() }

// Stop stops the service with a span.
func (mw OTelTracingMiddleware[K, V]) Stop(ctx context.Context) error {
	ctx, span := mw.startSpan(ctx, "replimap.Stop", attribute.Int(attrs.AttrEntries, mw.next.Len()))
	defer span.End()

	return mw.next.Stop(ctx)
}

// startSpan starts a span with common and provided attributes.
func (mw OTelTracingMiddleware[K, V]) startSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := mw.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	if len(mw.commonAttrs) > 0 {
		span.SetAttributes(mw.commonAttrs...)
	}

	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}

	return ctx, span
}

func keyLen(key any) attribute.KeyValue {
	return attribute.Int(attrs.AttrKeyLength, len(fmt.Sprint(key)))
}
