package replimap

import (
	"context"

	"github.com/hyp3rd/replimap/pkg/cluster"
)

// Service is the application-facing surface of a replicated map.
// It enables middleware to be added to the map.
type Service[K comparable, V any] interface {
	// Put stores the value with the local node as primary and returns the members holding a copy
	Put(ctx context.Context, key K, value V) ([]cluster.Member, error)
	// Get returns the local value for the key
	Get(ctx context.Context, key K) (V, bool)
	// Remove deletes the key locally and on the peers that hold it
	Remove(ctx context.Context, key K) (V, bool)
	// Replicate pushes the changes of a local primary to its backups
	Replicate(ctx context.Context, key K, complete bool) error
	// Len returns the number of local entries
	Len() int
	// Stats returns the engine counters
	Stats() Stats
	// Stop detaches the map from its transport
	Stop(ctx context.Context) error
}

// Middleware describes a service middleware.
type Middleware[K comparable, V any] func(Service[K, V]) Service[K, V]

// ApplyMiddleware applies middlewares to a service.
func ApplyMiddleware[K comparable, V any](svc Service[K, V], mw ...Middleware[K, V]) Service[K, V] {
	// Apply each middleware in the chain
	for _, m := range mw {
		svc = m(svc)
	}
	// Return the decorated service
	return svc
}

var _ Service[string, string] = (*Map[string, string])(nil)
