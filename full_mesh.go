package replimap

import (
	"context"
	"fmt"
	"slices"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/transport"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// fullMesh copies every key to every tracked member. When a primary leaves, the
// survivor listed first in the key's backup set promotes itself; every survivor runs
// the same rule on the same list.
type fullMesh[K comparable, V any] struct {
	m *Map[K, V]
}

func (f *fullMesh[K, V]) publish(ctx context.Context, out outbound, members []cluster.Member) ([]cluster.Member, []cluster.Member, error) {
	if len(members) == 0 {
		return []cluster.Member{}, nil, nil
	}

	m := f.m

	msg := wire.NewMessage(m.name, wire.KindCopy, m.local)
	msg.Key = out.key
	msg.Value = out.value
	msg.Diff = out.diff
	msg.Primary = m.local
	msg.Nodes = slices.Clone(members)

	err := m.transport.Send(ctx, members, msg, m.sendOptions)
	delivered := transport.Delivered(members, err)

	m.metrics.copiesSent.Add(int64(len(delivered)))

	if err == nil {
		return delivered, nil, nil
	}

	m.metrics.sendFailures.Add(int64(len(members) - len(delivered)))

	if len(delivered) == 0 {
		return []cluster.Member{}, nil, fmt.Errorf("%w: %w", sentinel.ErrAllTargetsFailed, err)
	}

	m.logger.Printf("replimap %s: copy reached %d/%d member(s): %v", m.name, len(delivered), len(members), err)

	return delivered, nil, nil
}

func (*fullMesh[K, V]) removeTargets(_ *mapEntry[K, V], members []cluster.Member) []cluster.Member {
	return members
}

func (*fullMesh[K, V]) replicateKind() wire.Kind { return wire.KindCopy }

func (*fullMesh[K, V]) stateKind() wire.Kind { return wire.KindStateCopy }

func (*fullMesh[K, V]) snapshotKind() wire.Kind { return wire.KindCopy }

// memberAdded lists the new member as a backup of every local primary. Nothing is sent:
// the next replication of each key reaches it, shipping the whole value.
func (f *fullMesh[K, V]) memberAdded(_ context.Context, member cluster.Member) {
	for _, e := range f.m.entries {
		e.mu.Lock()
		if e.isPrimary && !cluster.Contains(e.backupNodes, member) {
			e.backupNodes = append(e.backupNodes, member)
			e.forceComplete = true
		}
		e.mu.Unlock()
	}
}

// memberRemoved re-announces the local primaries to the survivors, orphans the keys
// the departed member owned, then promotes the orphans this node is first in line for.
func (f *fullMesh[K, V]) memberRemoved(ctx context.Context, member cluster.Member) []promotion[K, V] {
	m := f.m
	survivors := m.tracker.Members()

	var orphans []K

	for key, e := range m.entries {
		e.mu.Lock()

		switch {
		case e.isPrimary:
			e.backupNodes = slices.Clone(survivors)
			e.mu.Unlock()

			f.notify(ctx, key, survivors)

			continue
		case e.primary == member:
			e.primary = cluster.Member{}
		}

		if e.primary.IsZero() {
			orphans = append(orphans, key)
		}

		e.mu.Unlock()
	}

	var promoted []promotion[K, V]

	for _, key := range orphans {
		e := m.entries[key]

		e.mu.Lock()

		if !e.isCopy || len(e.backupNodes) == 0 || e.backupNodes[0] != m.local {
			e.mu.Unlock()

			continue
		}

		e.makePrimary(m.local)
		e.backupNodes = slices.Clone(survivors)
		e.proxyNodes = nil
		value := e.value
		e.mu.Unlock()

		m.metrics.promotions.Add(1)
		m.logger.Printf("replimap %s: promoted to primary for %v after %s left", m.name, key, member)

		f.notify(ctx, key, survivors)

		promoted = append(promoted, promotion[K, V]{key: key, value: value})
	}

	return promoted
}

// notify announces the local node as primary of key with the given backup set.
func (f *fullMesh[K, V]) notify(ctx context.Context, key K, backups []cluster.Member) {
	m := f.m
	if len(backups) == 0 {
		return
	}

	rawKey, err := m.codec.Marshal(key)
	if err != nil {
		m.logger.Printf("replimap %s: notify %v skipped: %v", m.name, key, err)

		return
	}

	msg := wire.NewMessage(m.name, wire.KindNotifyMapMember, m.local)
	msg.Key = rawKey
	msg.Primary = m.local
	msg.Nodes = slices.Clone(backups)

	_, _ = m.send(ctx, backups, msg, &m.metrics.notifiesSent) //nolint:errcheck // logged in send
}
