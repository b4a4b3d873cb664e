// Package middleware provides middleware implementations for the replimap service.
// This package includes logging middleware that wraps the service to provide
// execution time logging and method call tracing for debugging and monitoring purposes.
package middleware

import (
	"context"
	"time"

	"github.com/hyp3rd/replimap"
	"github.com/hyp3rd/replimap/pkg/cluster"
)

// Logger describes a logging interface allowing to implement different external, or custom logger.
// Tested with Uber's Zap (high-performance) through a small adapter, but should work with any other logger that matches the interface.
type Logger interface {
	Printf(format string, v ...any)
}

// LoggingMiddleware is a middleware that logs the time it takes to execute the next middleware.
// Must implement the replimap.Service interface.
type LoggingMiddleware[K comparable, V any] struct {
	next   replimap.Service[K, V]
	logger Logger
}

// NewLoggingMiddleware returns a new LoggingMiddleware.
func NewLoggingMiddleware[K comparable, V any](next replimap.Service[K, V], logger Logger) replimap.Service[K, V] {
	return &LoggingMiddleware[K, V]{next: next, logger: logger}
}

// Put logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware[K, V]) Put(ctx context.Context, key K, value V) ([]cluster.Member, error) {
	defer func(begin time.Time) {
		mw.logger.Printf("method Put took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Put method called with key: %v", key)

	backups, err := mw.next.Put(ctx, key, value)
	if err != nil {
		mw.logger.Printf("Put %v failed: %v", key, err)
	} else if len(backups) == 0 {
		mw.logger.Printf("Put %v is held locally only", key)
	}

	return backups, err
}

// Get logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware[K, V]) Get(ctx context.Context, key K) (V, bool) {
	defer func(begin time.Time) {
		mw.logger.Printf("method Get took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Get method called with key: %v", key)

	return mw.next.Get(ctx, key)
}

// Remove logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware[K, V]) Remove(ctx context.Context, key K) (V, bool) {
	defer func(begin time.Time) {
		mw.logger.Printf("method Remove took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Remove method invoked with key: %v", key)

	return mw.next.Remove(ctx, key)
}

// Replicate logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware[K, V]) Replicate(ctx context.Context, key K, complete bool) error {
	defer func(begin time.Time) {
		mw.logger.Printf("method Replicate took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Replicate method invoked with key: %v complete: %t", key, complete)

	return mw.next.Replicate(ctx, key, complete)
}

// Len returns the number of local entries.
func (mw LoggingMiddleware[K, V]) Len() int {
	return mw.next.Len()
}

// Stats logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware[K, V]) Stats() replimap.Stats {
	defer func(begin time.Time) {
		mw.logger.Printf("method Stats took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Stats method invoked")

	return mw.next.Stats()
}

// Stop logs the time it takes to execute the next middleware.
func (mw LoggingMiddleware[K, V]) Stop(ctx context.Context) error {
	defer func(begin time.Time) {
		mw.logger.Printf("method Stop took: %s", time.Since(begin))
	}(time.Now())

	mw.logger.Printf("Stop method invoked")

	return mw.next.Stop(ctx)
}
