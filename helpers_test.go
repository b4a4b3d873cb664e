package replimap

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/transport"
	"github.com/hyp3rd/replimap/pkg/wire"
)

const testMap = "sessions"

type node[V any] struct {
	member cluster.Member
	ep     *transport.InProcess
	m      *Map[string, V]
}

func member(i int) cluster.Member {
	return cluster.NewMember(fmt.Sprintf("n%d", i), "10.0.0.1", 7000+i)
}

// join attaches member i to the hub and starts a map on it.
func join[V any](t *testing.T, hub *transport.Hub, i int, opts ...Option) *node[V] {
	t.Helper()

	mem := member(i)
	ep := hub.Join(mem)

	opts = append([]Option{WithStateTransferTimeout(2 * time.Second)}, opts...)

	m, err := New[string, V](testMap, ep, opts...)
	if err != nil {
		t.Fatalf("new map on %s: %v", mem, err)
	}

	err = m.Start(context.Background())
	if err != nil {
		t.Fatalf("start map on %s: %v", mem, err)
	}

	hub.Flush()

	return &node[V]{member: mem, ep: ep, m: m}
}

// startCluster joins n nodes one after the other, all with the same options.
func startCluster[V any](t *testing.T, hub *transport.Hub, n int, opts ...Option) []*node[V] {
	t.Helper()

	nodes := make([]*node[V], 0, n)
	for i := range n {
		nodes = append(nodes, join[V](t, hub, i, opts...))
	}

	return nodes
}

func describe[V any](t *testing.T, n *node[V], key string) EntryInfo {
	t.Helper()

	info, ok := n.m.Describe(key)
	if !ok {
		t.Fatalf("%s has no entry for %q", n.member, key)
	}

	return info
}

// promotions records owner callbacks.
type promotions[V any] struct {
	mu    sync.Mutex
	calls map[string]int
	last  map[string]V
}

func newPromotions[V any]() *promotions[V] {
	return &promotions[V]{calls: map[string]int{}, last: map[string]V{}}
}

func (p *promotions[V]) ObjectMadePrimary(key string, value V) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[key]++
	p.last[key] = value
}

func (p *promotions[V]) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls[key]
}

// sniffer is a bare receiver standing in for a member that runs no map.
type sniffer struct {
	mu       sync.Mutex
	messages []*wire.Message
}

func (s *sniffer) OnMessage(_ context.Context, msg *wire.Message) error {
	s.mu.Lock()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	return nil
}

func (*sniffer) OnMemberAdded(context.Context, cluster.Member) {}

func (*sniffer) OnMemberRemoved(context.Context, cluster.Member) {}

func (s *sniffer) kinds() []wire.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]wire.Kind, 0, len(s.messages))
	for _, msg := range s.messages {
		out = append(out, msg.Kind)
	}

	return out
}
