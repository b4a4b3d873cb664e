package replimap

import (
	"context"
	"slices"
	"time"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// transferState asks the oldest member for its snapshot and applies it. Every failure
// is logged: a map that could not fetch state simply starts empty.
func (m *Map[K, V]) transferState(ctx context.Context) {
	m.mu.RLock()
	oldest, ok := m.tracker.Oldest()
	m.mu.RUnlock()

	if !ok {
		return
	}

	req := wire.NewStateRequest(m.name, m.strategy.stateKind(), m.local)
	ch := make(chan *wire.Message, 1)

	m.stateMu.Lock()
	m.stateWaiters[req.ID] = ch
	m.stateMu.Unlock()

	defer func() {
		m.stateMu.Lock()
		delete(m.stateWaiters, req.ID)
		m.stateMu.Unlock()
	}()

	err := m.transport.Send(ctx, []cluster.Member{oldest}, req, m.sendOptions)
	if err != nil {
		m.logger.Printf("replimap %s: state request to %s: %v", m.name, oldest, err)

		return
	}

	timer := time.NewTimer(m.stateTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		applied := m.applyState(resp)
		m.metrics.stateTransfers.Add(1)
		m.logger.Printf("replimap %s: state from %s: %d/%d entries", m.name, resp.Sender, applied, len(resp.Entries))
	case <-timer.C:
		m.logger.Printf("replimap %s: %v after %s waiting for %s", m.name, sentinel.ErrStateTransferTimeout, m.stateTimeout, oldest)
	case <-ctx.Done():
		m.logger.Printf("replimap %s: state transfer: %v", m.name, ctx.Err())
	}
}

// deliverState hands a state response to the Start waiting for it. Late or unknown
// responses are dropped.
func (m *Map[K, V]) deliverState(msg *wire.Message) {
	m.stateMu.Lock()
	ch, ok := m.stateWaiters[msg.ID]
	delete(m.stateWaiters, msg.ID)
	m.stateMu.Unlock()

	if !ok {
		return
	}

	select {
	case ch <- msg:
	default:
	}
}

// applyState applies each snapshot entry as the PROXY or COPY message it stands for
// and returns how many were applied. Keys already present were written by messages
// that arrived during the transfer and are kept.
func (m *Map[K, V]) applyState(resp *wire.Message) int {
	kind := m.strategy.snapshotKind()
	applied := 0

	for _, state := range resp.Entries {
		if state.Primary == m.local {
			continue
		}

		key, err := m.decodeKey(state.Key)
		if err != nil {
			m.metrics.applyErrors.Add(1)

			continue
		}

		if _, exists := m.lookup(key); exists {
			continue
		}

		msg := &wire.Message{
			Context: m.name,
			Kind:    kind,
			Key:     state.Key,
			Value:   state.Value,
			Sender:  resp.Sender,
			Primary: state.Primary,
			Nodes:   slices.Clone(state.Nodes),
		}

		if kind == wire.KindCopy {
			err = m.applyReplica(msg)
		} else {
			err = m.applyProxy(msg)
		}

		if err != nil {
			m.metrics.applyErrors.Add(1)
			m.logger.Printf("replimap %s: state entry from %s: %v", m.name, resp.Sender, err)

			continue
		}

		applied++
	}

	return applied
}
