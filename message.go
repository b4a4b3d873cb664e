package replimap

import (
	"context"
	"fmt"
	"slices"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/entry"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// OnMessage applies an inbound message. Decode and diff failures are returned to the
// transport and nothing is partially applied.
func (m *Map[K, V]) OnMessage(ctx context.Context, msg *wire.Message) error {
	if msg.Context != m.name {
		return ewrap.Wrap(sentinel.ErrUnknownContext, msg.Context)
	}

	m.metrics.messagesReceived.Add(1)

	var err error

	switch msg.Kind {
	case wire.KindState, wire.KindStateCopy:
		if msg.Response {
			m.deliverState(msg)

			return nil
		}

		err = m.replyState(ctx, msg)
	case wire.KindBackup, wire.KindCopy:
		err = m.applyReplica(msg)
	case wire.KindProxy:
		err = m.applyProxy(msg)
	case wire.KindRemove:
		err = m.applyRemove(msg)
	case wire.KindAccess:
		err = m.applyAccess(msg)
	case wire.KindNotifyMapMember:
		err = m.applyNotify(msg)
	default:
		err = ewrap.Wrap(sentinel.ErrUnknownMessageKind, msg.Kind.String())
	}

	if err != nil {
		m.metrics.applyErrors.Add(1)

		return err
	}

	return nil
}

// applyReplica stores a BACKUP or COPY. A diff is applied to the local value under
// the value's lock; a whole value replaces it and is handed the map as its owner.
func (m *Map[K, V]) applyReplica(msg *wire.Message) error {
	key, err := m.decodeKey(msg.Key)
	if err != nil {
		return err
	}

	var e *mapEntry[K, V]

	if msg.Diff {
		var ok bool

		e, ok = m.lookup(key)
		if !ok {
			return ewrap.Wrapf(sentinel.ErrDiffWithoutBase, "%s %v", msg.Kind, key)
		}

		e.mu.Lock()
		defer e.mu.Unlock()

		err = applyDiff(e, msg)
		if err != nil {
			return err
		}
	} else {
		value, err := m.decodeValue(msg.Value)
		if err != nil {
			return err
		}

		if owned, ok := any(value).(entry.Owned); ok {
			owned.SetOwner(m)
		}

		e = m.entryFor(key)

		e.mu.Lock()
		defer e.mu.Unlock()

		e.value = value
		e.hasValue = true
	}

	e.isPrimary = false
	e.isProxy = false
	e.isBackup = msg.Kind == wire.KindBackup
	e.isCopy = msg.Kind == wire.KindCopy
	e.primary = msg.Primary
	e.backupNodes = slices.Clone(msg.Nodes)
	e.proxyNodes = nil

	return nil
}

func applyDiff[K comparable, V any](e *mapEntry[K, V], msg *wire.Message) error {
	if !e.hasValue {
		return ewrap.Wrapf(sentinel.ErrDiffWithoutBase, "%s %v", msg.Kind, e.key)
	}

	d, ok := any(e.value).(entry.Diffable)
	if !ok {
		return ewrap.Wrapf(sentinel.ErrNotDiffable, "%T", e.value)
	}

	d.Lock()
	defer d.Unlock()

	err := d.ApplyDiff(msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %w", sentinel.ErrDecode, err)
	}

	return nil
}

// applyProxy records where a key lives. A previously cached value is kept.
func (m *Map[K, V]) applyProxy(msg *wire.Message) error {
	key, err := m.decodeKey(msg.Key)
	if err != nil {
		return err
	}

	e := m.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.isProxy = true
	e.isPrimary = false
	e.isBackup = false
	e.isCopy = false
	e.primary = msg.Primary
	e.backupNodes = slices.Clone(msg.Nodes)
	e.proxyNodes = nil

	return nil
}

func (m *Map[K, V]) applyRemove(msg *wire.Message) error {
	key, err := m.decodeKey(msg.Key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()

	return nil
}

// applyAccess refreshes the replica's access bookkeeping without touching its value.
func (m *Map[K, V]) applyAccess(msg *wire.Message) error {
	key, err := m.decodeKey(msg.Key)
	if err != nil {
		return err
	}

	e, ok := m.lookup(key)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.primary = msg.Primary
	e.backupNodes = slices.Clone(msg.Nodes)

	if a, ok := any(e.value).(entry.AccessReplicated); ok && e.hasValue {
		a.AccessEntry()
	}

	return nil
}

// applyNotify takes over a relocation announced by a new primary.
func (m *Map[K, V]) applyNotify(msg *wire.Message) error {
	key, err := m.decodeKey(msg.Key)
	if err != nil {
		return err
	}

	e, ok := m.lookup(key)
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.primary = msg.Primary
	e.backupNodes = slices.Clone(msg.Nodes)

	if msg.Primary != m.local {
		e.isPrimary = false
	}

	if m.kind == FullMesh && e.hasValue && !e.isPrimary {
		e.isCopy = true
		e.isProxy = false
	}

	return nil
}

// snapshot encodes every entry with a known primary for a state response. Entries the
// codec refuses are left out.
func (m *Map[K, V]) snapshot(withValues bool) []wire.EntryState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]wire.EntryState, 0, len(m.entries))

	for key, e := range m.entries {
		e.mu.Lock()
		state, ok := m.entryState(key, e, withValues)
		e.mu.Unlock()

		if ok {
			out = append(out, state)
		}
	}

	return out
}

func (m *Map[K, V]) entryState(key K, e *mapEntry[K, V], withValues bool) (wire.EntryState, bool) {
	if e.primary.IsZero() || (withValues && !e.hasValue) {
		return wire.EntryState{}, false
	}

	rawKey, err := m.codec.Marshal(key)
	if err != nil {
		return wire.EntryState{}, false
	}

	state := wire.EntryState{Key: rawKey, Primary: e.primary, Nodes: slices.Clone(e.backupNodes)}

	if withValues {
		state.Value, err = m.encodeValue(e.value, false)
		if err != nil {
			return wire.EntryState{}, false
		}
	}

	return state, true
}

func (m *Map[K, V]) replyState(ctx context.Context, req *wire.Message) error {
	entries := m.snapshot(req.Kind == wire.KindStateCopy)

	err := m.transport.Send(ctx, []cluster.Member{req.Sender}, req.Reply(m.local, entries), m.sendOptions)
	if err != nil {
		m.metrics.sendFailures.Add(1)

		return ewrap.Wrapf(err, "state reply to %s", req.Sender)
	}

	m.metrics.stateRequestsServed.Add(1)

	return nil
}
