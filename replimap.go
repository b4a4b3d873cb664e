// Package replimap implements a cluster-replicated map. Every node owns a subset of
// the keys as primary and pushes its writes to peers, either to one backup per key
// (SingleBackup) or to every member (FullMesh), so work can continue when a node
// disappears. There is no coordinator: ownership is relocated by each node reacting
// to membership events on its own.
//
// The map consumes a transport.Transport for delivery and membership, and registers
// itself as the transport.Receiver for its name.
package replimap

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/entry"
	"github.com/hyp3rd/replimap/pkg/transport"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// Map is a replicated map instance for one map context.
//
// Lock order: mu, then an entry's mu, then the value's own lock.
type Map[K comparable, V any] struct {
	name      string
	transport transport.Transport
	local     cluster.Member
	codec     wire.Codec
	logger    Logger
	owner     Owner[K, V]

	sendOptions  transport.SendOptions
	stateTimeout time.Duration
	kind         Strategy
	strategy     replicator[K, V]

	// mu guards the entry set and the tracker as a whole.
	mu      sync.RWMutex
	entries map[K]*mapEntry[K, V]
	tracker *cluster.Membership

	stateMu      sync.Mutex
	stateWaiters map[string]chan *wire.Message

	metrics metrics
	started atomic.Bool
}

// New creates a map named name on top of t. The map receives nothing until Start.
func New[K comparable, V any](name string, t transport.Transport, opts ...Option) (*Map[K, V], error) {
	if name == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "map name")
	}

	if t == nil {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "transport")
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	m := &Map[K, V]{
		name:         name,
		transport:    t,
		local:        t.LocalMember(),
		codec:        cfg.codec,
		logger:       cfg.logger,
		sendOptions:  cfg.sendOptions,
		stateTimeout: cfg.stateTimeout,
		kind:         cfg.strategy,
		entries:      map[K]*mapEntry[K, V]{},
		tracker:      cluster.NewMembership(),
		stateWaiters: map[string]chan *wire.Message{},
	}

	if m.codec == nil {
		m.codec = wire.DefaultCodec()

		if cfg.serializer != "" {
			codec, err := wire.NewCodec(cfg.serializer)
			if err != nil {
				return nil, err
			}

			m.codec = codec
		}
	}

	if cfg.owner != nil {
		owner, ok := cfg.owner.(Owner[K, V])
		if !ok {
			return nil, ewrap.Wrapf(sentinel.ErrInvalidConfig, "owner %T does not match the map types", cfg.owner)
		}

		m.owner = owner
	}

	strategy, err := newReplicator(cfg.strategy, m)
	if err != nil {
		return nil, err
	}

	m.strategy = strategy

	return m, nil
}

// Start subscribes the map to its transport, seeds membership from the transport's
// view and pulls the current state from the oldest member. A state transfer that
// fails or times out is logged and the map starts empty.
func (m *Map[K, V]) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return nil
	}

	err := m.transport.Subscribe(m.name, m)
	if err != nil {
		m.started.Store(false)

		return err
	}

	m.mu.Lock()

	now := time.Now()
	for _, member := range m.transport.Members() {
		if member != m.local {
			m.tracker.Add(member, now)
		}
	}

	m.mu.Unlock()

	m.transferState(ctx)

	return nil
}

// Stop unsubscribes the map. Local entries are kept.
func (m *Map[K, V]) Stop(_ context.Context) error {
	if !m.started.CompareAndSwap(true, false) {
		return nil
	}

	m.transport.Unsubscribe(m.name)

	return nil
}

// Put stores value under key with the local node as primary and publishes it through
// the strategy. It returns the members that now hold a copy. A key or value the codec
// refuses is kept locally only: the result is empty and no error is returned.
// Under FullMesh an error is returned only when no member could be reached.
func (m *Map[K, V]) Put(ctx context.Context, key K, value V) ([]cluster.Member, error) {
	m.metrics.puts.Add(1)

	m.mu.Lock()

	e, ok := m.entries[key]
	if !ok {
		e = newMapEntry[K, V](key)
		m.entries[key] = e
	}

	e.mu.Lock()
	e.value = value
	e.hasValue = true
	e.makePrimary(m.local)
	e.forceComplete = false
	e.mu.Unlock()

	members := m.tracker.Members()

	m.mu.Unlock()

	out, err := m.encodeWhole(key, value)
	if err != nil {
		m.metrics.serializationSkips.Add(1)
		m.logger.Printf("replimap %s: put %v kept local: %v", m.name, key, err)

		e.mu.Lock()
		e.backupNodes = nil
		e.proxyNodes = nil
		e.mu.Unlock()

		return []cluster.Member{}, nil
	}

	backups, proxies, err := m.strategy.publish(ctx, out, members)

	e.mu.Lock()
	if e.isPrimary {
		e.backupNodes = backups
		e.proxyNodes = proxies
		// the encode cleared pending changes; nobody holds them yet
		e.forceComplete = len(backups) == 0
	}
	e.mu.Unlock()

	if err != nil {
		return []cluster.Member{}, err
	}

	if len(backups) > 0 {
		markReplicated(value)
	}

	return slices.Clone(backups), nil
}

// Get returns the local value for key. It never consults peers: a proxy entry answers
// with whatever value it last cached, if any.
func (m *Map[K, V]) Get(_ context.Context, key K) (V, bool) {
	m.metrics.gets.Add(1)

	var zero V

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return zero, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.hasValue {
		return zero, false
	}

	m.metrics.getHits.Add(1)

	return e.value, true
}

// Remove deletes key locally and tells the peers the strategy selects.
// Failures to reach them are logged.
func (m *Map[K, V]) Remove(ctx context.Context, key K) (V, bool) {
	var zero V

	m.mu.Lock()

	e, ok := m.entries[key]
	if !ok {
		m.mu.Unlock()

		return zero, false
	}

	delete(m.entries, key)

	members := m.tracker.Members()

	e.mu.Lock()
	value, hasValue := e.value, e.hasValue
	targets := m.strategy.removeTargets(e, members)
	e.mu.Unlock()

	m.mu.Unlock()

	m.metrics.removes.Add(1)

	if len(targets) > 0 {
		rawKey, err := m.codec.Marshal(key)
		if err != nil {
			m.logger.Printf("replimap %s: remove %v not propagated: %v", m.name, key, err)
		} else {
			msg := wire.NewMessage(m.name, wire.KindRemove, m.local)
			msg.Key = rawKey

			_, _ = m.send(ctx, targets, msg, &m.metrics.removesSent) //nolint:errcheck // logged in send
		}
	}

	if !hasValue {
		return zero, false
	}

	return value, true
}

// Len returns the number of local entries, including proxies.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

// Keys returns the local keys in no particular order.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]K, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}

	return keys
}

// Describe returns the ownership state of key.
func (m *Map[K, V]) Describe(key K) (EntryInfo, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return EntryInfo{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.info(), true
}

// Members returns the tracked peers, oldest first.
func (m *Map[K, V]) Members() []cluster.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.tracker.Members()
}

// LocalMember returns the member this map speaks for.
func (m *Map[K, V]) LocalMember() cluster.Member { return m.local }

// Name returns the map context name.
func (m *Map[K, V]) Name() string { return m.name }

// Strategy returns the replication strategy.
func (m *Map[K, V]) Strategy() Strategy { return m.kind }

// lookup returns the entry for key, if any.
func (m *Map[K, V]) lookup(key K) (*mapEntry[K, V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]

	return e, ok
}

// entryFor returns the entry for key, creating an empty one if needed.
func (m *Map[K, V]) entryFor(key K) *mapEntry[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = newMapEntry[K, V](key)
		m.entries[key] = e
	}

	return e
}

// send delivers msg and counts each reached target on counter. It returns the members
// that received it along with the transport error, which is also logged.
func (m *Map[K, V]) send(ctx context.Context, targets []cluster.Member, msg *wire.Message, counter *atomic.Int64) ([]cluster.Member, error) {
	if len(targets) == 0 {
		return []cluster.Member{}, nil
	}

	err := m.transport.Send(ctx, targets, msg, m.sendOptions)
	delivered := transport.Delivered(targets, err)

	counter.Add(int64(len(delivered)))

	if err != nil {
		m.metrics.sendFailures.Add(int64(len(targets) - len(delivered)))
		m.logger.Printf("replimap %s: %s to %d member(s): %v", m.name, msg.Kind, len(targets), err)
	}

	return delivered, err
}

// markReplicated records a successful whole-value replication on value. Pending
// changes were already cleared under the value lock by the encode.
func markReplicated(value any) {
	if v, ok := value.(entry.Versioned); ok {
		v.SetLastTimeReplicated(time.Now())
	}
}

var _ transport.Receiver = (*Map[string, string])(nil)
