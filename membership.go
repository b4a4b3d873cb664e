package replimap

import (
	"context"
	"time"

	"github.com/hyp3rd/replimap/pkg/cluster"
)

// OnMemberAdded tracks a joining member and lets the strategy extend coverage to it.
// The map lock is held for the whole relocation pass.
func (m *Map[K, V]) OnMemberAdded(ctx context.Context, member cluster.Member) {
	if member == m.local {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tracker.Add(member, time.Now()) {
		return
	}

	m.metrics.membersAdded.Add(1)
	m.logger.Printf("replimap %s: member added %s (%d tracked)", m.name, member, m.tracker.Len())

	m.strategy.memberAdded(ctx, member)
}

// OnMemberRemoved drops a departed member and relocates ownership through the strategy.
// Owner callbacks for self-promotions run after the map lock is released, on the
// calling goroutine, once per promoted key.
func (m *Map[K, V]) OnMemberRemoved(ctx context.Context, member cluster.Member) {
	if member == m.local {
		return
	}

	m.mu.Lock()

	if !m.tracker.Remove(member) {
		m.mu.Unlock()

		return
	}

	m.metrics.membersRemoved.Add(1)
	m.logger.Printf("replimap %s: member removed %s (%d tracked)", m.name, member, m.tracker.Len())

	promoted := m.strategy.memberRemoved(ctx, member)

	m.mu.Unlock()

	if m.owner == nil {
		return
	}

	for _, p := range promoted {
		m.owner.ObjectMadePrimary(p.key, p.value)
	}
}
