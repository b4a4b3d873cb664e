package replimap

import (
	"context"
	"slices"
	"sync"

	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/transport"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// singleBackup keeps exactly one backup per key. Backups are picked round-robin over
// the tracked members; every other member gets a PROXY pointing at the backup.
// A departed backup is replaced only on the key's next publish.
type singleBackup[K comparable, V any] struct {
	m *Map[K, V]

	idxMu   sync.Mutex
	current int
}

// nextIndex returns the ring position to start the next backup search from.
func (s *singleBackup[K, V]) nextIndex(size int) int {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()

	idx := s.current
	s.current++

	if idx >= size {
		idx = 0
		s.current = 1
	}

	return idx
}

func (s *singleBackup[K, V]) publish(ctx context.Context, out outbound, members []cluster.Member) ([]cluster.Member, []cluster.Member, error) {
	if len(members) == 0 {
		return []cluster.Member{}, []cluster.Member{}, nil
	}

	m := s.m

	first := s.nextIndex(len(members))
	next := first

	for {
		candidate := members[next]

		msg := wire.NewMessage(m.name, wire.KindBackup, m.local)
		msg.Key = out.key
		msg.Value = out.value
		msg.Diff = out.diff
		msg.Primary = m.local
		msg.Nodes = []cluster.Member{candidate}

		err := m.transport.Send(ctx, []cluster.Member{candidate}, msg, m.sendOptions)
		if len(transport.Delivered(msg.Nodes, err)) == 1 {
			m.metrics.backupsSent.Add(1)

			return []cluster.Member{candidate}, s.announce(ctx, out.key, candidate, members), nil
		}

		m.metrics.sendFailures.Add(1)
		m.logger.Printf("replimap %s: backup candidate %s failed: %v", m.name, candidate, err)

		next = (next + 1) % len(members)
		if next == first {
			m.logger.Printf("replimap %s: no backup reachable among %d member(s)", m.name, len(members))

			return []cluster.Member{}, []cluster.Member{}, nil
		}
	}
}

// announce sends a PROXY to every member but the backup. Failures are logged only.
func (s *singleBackup[K, V]) announce(ctx context.Context, rawKey []byte, backup cluster.Member, members []cluster.Member) []cluster.Member {
	m := s.m

	others := cluster.Exclude(members, backup)
	if len(others) == 0 {
		return []cluster.Member{}
	}

	msg := wire.NewMessage(m.name, wire.KindProxy, m.local)
	msg.Key = rawKey
	msg.Primary = m.local
	msg.Nodes = []cluster.Member{backup}

	delivered, _ := m.send(ctx, others, msg, &m.metrics.proxiesSent) //nolint:errcheck // proxy failures are logged only

	return delivered
}

// removeTargets is everyone who may hold state for the key: its backup, the members
// told about it and, on a replica, its primary.
func (s *singleBackup[K, V]) removeTargets(e *mapEntry[K, V], members []cluster.Member) []cluster.Member {
	candidates := slices.Concat(e.backupNodes, e.proxyNodes)
	if !e.primary.IsZero() {
		candidates = append(candidates, e.primary)
	}

	out := make([]cluster.Member, 0, len(candidates))
	for _, c := range candidates {
		if c == s.m.local || cluster.Contains(out, c) || !cluster.Contains(members, c) {
			continue
		}

		out = append(out, c)
	}

	return out
}

func (*singleBackup[K, V]) replicateKind() wire.Kind { return wire.KindBackup }

func (*singleBackup[K, V]) stateKind() wire.Kind { return wire.KindState }

func (*singleBackup[K, V]) snapshotKind() wire.Kind { return wire.KindProxy }

// memberAdded publishes again every primary entry that has no backup, so the new
// member can become one. Entries that already have a backup are left alone.
func (s *singleBackup[K, V]) memberAdded(ctx context.Context, _ cluster.Member) {
	m := s.m
	members := m.tracker.Members()

	for key, e := range m.entries {
		e.mu.Lock()
		due := e.isPrimary && e.hasValue && len(e.backupNodes) == 0
		value := e.value
		e.mu.Unlock()

		if !due {
			continue
		}

		out, err := m.encodeWhole(key, value)
		if err != nil {
			m.metrics.serializationSkips.Add(1)

			continue
		}

		backups, proxies, _ := s.publish(ctx, out, members)

		e.mu.Lock()
		if e.isPrimary {
			e.backupNodes = backups
			e.proxyNodes = proxies
			e.forceComplete = len(backups) == 0
		}
		e.mu.Unlock()

		if len(backups) > 0 {
			markReplicated(value)
		}
	}
}

// memberRemoved leaves every entry as is. Keys whose backup departed stay without one
// until they are published again.
func (s *singleBackup[K, V]) memberRemoved(_ context.Context, member cluster.Member) []promotion[K, V] {
	m := s.m
	uncovered := 0

	for _, e := range m.entries {
		e.mu.Lock()
		if e.isPrimary && cluster.Contains(e.backupNodes, member) {
			uncovered++
		}
		e.mu.Unlock()
	}

	if uncovered > 0 {
		m.logger.Printf("replimap %s: %d key(s) lost their backup %s until their next put", m.name, uncovered, member)
	}

	return nil
}
