package replimap

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/entry"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// Replicate pushes the current state of a local primary to its backups. A diffable
// dirty value ships only its diff; complete forces the whole value. A clean value
// that asks for an access refresh gets an ACCESS message. Replicas and clean values
// are left alone.
//
// Under SingleBackup a key whose backup is gone is published again, electing a new one.
func (m *Map[K, V]) Replicate(ctx context.Context, key K, complete bool) error {
	m.mu.RLock()
	e, ok := m.entries[key]
	members := m.tracker.Members()
	m.mu.RUnlock()

	if !ok {
		return ewrap.Wrapf(sentinel.ErrKeyNotFound, "%v", key)
	}

	e.mu.Lock()

	if !e.isPrimary || !e.hasValue {
		e.mu.Unlock()

		return nil
	}

	value := e.value
	complete = complete || e.forceComplete
	targets := intersect(e.backupNodes, members)

	e.mu.Unlock()

	if len(targets) == 0 {
		if m.kind == SingleBackup && len(members) > 0 {
			return m.reelect(ctx, key, e, value, members)
		}

		return nil
	}

	rawKey, err := m.codec.Marshal(key)
	if err != nil {
		m.metrics.serializationSkips.Add(1)

		return nil
	}

	msg, counter, whole, err := m.replicationMessage(value, complete)
	if err != nil {
		m.metrics.serializationSkips.Add(1)
		m.logger.Printf("replimap %s: replicate %v skipped: %v", m.name, key, err)

		return nil
	}

	if msg == nil {
		return nil
	}

	msg.Key = rawKey
	msg.Primary = m.local
	msg.Nodes = targets

	delivered, err := m.send(ctx, targets, msg, counter)
	if len(delivered) == 0 {
		e.mu.Lock()
		e.forceComplete = true
		e.mu.Unlock()

		return fmt.Errorf("%w: %w", sentinel.ErrAllTargetsFailed, err)
	}

	if whole {
		e.mu.Lock()
		e.forceComplete = false
		e.mu.Unlock()
	}

	if v, ok := any(value).(entry.Versioned); ok {
		v.SetLastTimeReplicated(time.Now())
	}

	return nil
}

// replicationMessage picks what to ship for value. It returns a nil message when
// there is nothing to replicate.
func (m *Map[K, V]) replicationMessage(value V, complete bool) (*wire.Message, *atomic.Int64, bool, error) {
	counter := &m.metrics.backupsSent
	if m.kind == FullMesh {
		counter = &m.metrics.copiesSent
	}

	kind := m.strategy.replicateKind()
	dirty := entry.IsDirty(value)

	if d, ok := entry.AsDiffable(value); ok && dirty && !complete {
		d.Lock()
		diff, err := d.GetDiff()
		if err == nil {
			d.ResetDiff()
		}
		d.Unlock()

		if err != nil {
			return nil, nil, false, ewrap.Wrap(sentinel.ErrNotSerializable, err.Error())
		}

		msg := wire.NewMessage(m.name, kind, m.local)
		msg.Value = diff
		msg.Diff = true

		return msg, counter, false, nil
	}

	if dirty || complete {
		raw, err := m.encodeValue(value, true)
		if err != nil {
			return nil, nil, false, err
		}

		msg := wire.NewMessage(m.name, kind, m.local)
		msg.Value = raw

		return msg, counter, true, nil
	}

	if a, ok := any(value).(entry.AccessReplicated); ok && a.IsAccessReplicate() {
		a.AccessEntry()

		return wire.NewMessage(m.name, wire.KindAccess, m.local), &m.metrics.accessSent, false, nil
	}

	return nil, nil, false, nil
}

// reelect publishes a single-backup key whose backup departed.
func (m *Map[K, V]) reelect(ctx context.Context, key K, e *mapEntry[K, V], value V, members []cluster.Member) error {
	out, err := m.encodeWhole(key, value)
	if err != nil {
		m.metrics.serializationSkips.Add(1)

		return nil
	}

	backups, proxies, err := m.strategy.publish(ctx, out, members)

	e.mu.Lock()
	if e.isPrimary {
		e.backupNodes = backups
		e.proxyNodes = proxies
		e.forceComplete = len(backups) == 0
	}
	e.mu.Unlock()

	if err != nil {
		return err
	}

	if len(backups) > 0 {
		markReplicated(value)
	}

	return nil
}

// ReplicateAll calls Replicate for every local primary and collects the failures.
func (m *Map[K, V]) ReplicateAll(ctx context.Context, complete bool) error {
	m.mu.RLock()

	keys := make([]K, 0, len(m.entries))
	for key, e := range m.entries {
		e.mu.Lock()
		if e.isPrimary {
			keys = append(keys, key)
		}
		e.mu.Unlock()
	}

	m.mu.RUnlock()

	eg := ewrap.NewErrorGroup()

	for _, key := range keys {
		err := m.Replicate(ctx, key, complete)
		if err != nil {
			eg.Add(err)
		}
	}

	return eg.ErrorOrNil()
}

// intersect keeps the members of set that are also in members, in set order.
func intersect(set, members []cluster.Member) []cluster.Member {
	return slices.DeleteFunc(slices.Clone(set), func(c cluster.Member) bool {
		return !cluster.Contains(members, c)
	})
}
