package discovery

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/replimap/pkg/cluster"
)

type joins struct {
	mu      sync.Mutex
	added   []cluster.Member
	removed []cluster.Member
}

func (j *joins) AddPeer(m cluster.Member) {
	j.mu.Lock()
	j.added = append(j.added, m)
	j.mu.Unlock()
}

func (j *joins) RemovePeer(m cluster.Member) {
	j.mu.Lock()
	j.removed = append(j.removed, m)
	j.mu.Unlock()
}

func (j *joins) counts() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	return len(j.added), len(j.removed)
}

func encode(t *testing.T, m cluster.Member) []byte {
	t.Helper()

	b, err := json.Marshal(m)
	assert.NoError(t, err)

	return b
}

func TestApplyTracksPeers(t *testing.T) {
	t.Parallel()

	local := cluster.NewMember("a", "127.0.0.1", 7001)
	peer := cluster.NewMember("b", "127.0.0.1", 7002)
	e := New(nil, "/replimap", "sessions", local)
	j := &joins{}

	assert.Equal(t, "/replimap/sessions/nodes/b", e.key(peer.ID))

	// the local key never reaches the joiner
	e.apply(true, e.key(local.ID), encode(t, local), j)

	e.apply(true, e.key(peer.ID), encode(t, peer), j)
	// a lease refresh rewrites the same value
	e.apply(true, e.key(peer.ID), encode(t, peer), j)

	added, removed := j.counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 0, removed)

	moved := cluster.NewMember("b", "127.0.0.1", 7012)
	e.apply(true, e.key(peer.ID), encode(t, moved), j)

	added, removed = j.counts()
	assert.Equal(t, 2, added)
	assert.Equal(t, 1, removed)

	e.apply(false, e.key(peer.ID), nil, j)
	// unknown deletions are ignored
	e.apply(false, e.key("zz"), nil, j)

	added, removed = j.counts()
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, removed)
	assert.Equal(t, moved, j.removed[1])
}

func TestApplySkipsMalformedValues(t *testing.T) {
	t.Parallel()

	e := New(nil, "/replimap", "sessions", cluster.NewMember("a", "127.0.0.1", 7001))
	j := &joins{}

	e.apply(true, e.key("b"), []byte("{"), j)
	e.apply(true, e.key("c"), []byte(`{"host":"x","port":1}`), j)

	added, _ := j.counts()
	assert.Equal(t, 0, added)
}

func TestWithTTLIgnoresSubSecond(t *testing.T) {
	t.Parallel()

	e := New(nil, "/p", "g", cluster.Member{ID: "a"}, WithTTL(time.Millisecond))
	assert.Equal(t, defaultTTL, e.ttl)

	e = New(nil, "/p", "g", cluster.Member{ID: "a"}, WithTTL(3*time.Second))
	assert.Equal(t, 3*time.Second, e.ttl)
}

// TestEtcdRoundTrip needs a live etcd at REPLIMAP_ETCD_ENDPOINTS (comma separated).
func TestEtcdRoundTrip(t *testing.T) {
	endpoints := os.Getenv("REPLIMAP_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("REPLIMAP_ETCD_ENDPOINTS not set")
	}

	cli, err := NewClient(strings.Split(endpoints, ","))
	assert.NoError(t, err)

	t.Cleanup(func() { _ = cli.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	group := "test-" + t.Name()
	a := New(cli, "/replimap", group, cluster.NewMember("a", "127.0.0.1", 7001))
	b := New(cli, "/replimap", group, cluster.NewMember("b", "127.0.0.1", 7002))

	assert.NoError(t, a.Register(ctx))
	assert.NoError(t, b.Register(ctx))

	peers, err := a.Peers(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(peers))
	assert.Equal(t, cluster.MemberID("b"), peers[0].ID)

	j := &joins{}
	watchCtx, stop := context.WithCancel(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)

		_ = a.Watch(watchCtx, j) //nolint:errcheck // cancelled below
	}()

	assert.NoError(t, b.Deregister(ctx))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, removed := j.counts(); removed == 1 {
			break
		}

		time.Sleep(50 * time.Millisecond)
	}

	stop()
	<-done

	added, removed := j.counts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
	assert.NoError(t, a.Deregister(ctx))
}
