package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// recorder is a Receiver that remembers what it saw.
type recorder struct {
	mu       sync.Mutex
	messages []*wire.Message
	added    []cluster.Member
	removed  []cluster.Member
	fail     error
}

func (r *recorder) OnMessage(_ context.Context, msg *wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, msg)

	return r.fail
}

func (r *recorder) OnMemberAdded(_ context.Context, m cluster.Member) {
	r.mu.Lock()
	r.added = append(r.added, m)
	r.mu.Unlock()
}

func (r *recorder) OnMemberRemoved(_ context.Context, m cluster.Member) {
	r.mu.Lock()
	r.removed = append(r.removed, m)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.messages)
}

func TestHubMembershipEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	defer hub.Close()

	a := cluster.NewMember("a", "10.0.0.1", 1)
	b := cluster.NewMember("b", "10.0.0.2", 1)

	ta := hub.Join(a)
	ra := &recorder{}
	assert.NoError(t, ta.Subscribe("m", ra))

	tb := hub.Join(b)
	hub.Flush()

	assert.Equal(t, []cluster.Member{b}, ta.Members())
	assert.Equal(t, []cluster.Member{a}, tb.Members())
	assert.Equal(t, []cluster.Member{b}, ra.added)

	hub.Leave(b)
	hub.Flush()

	assert.Equal(t, []cluster.Member{}, ta.Members())
	assert.Equal(t, []cluster.Member{b}, ra.removed)
}

func TestHubSendPartialFailure(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	defer hub.Close()

	a := cluster.NewMember("a", "10.0.0.1", 1)
	b := cluster.NewMember("b", "10.0.0.2", 1)
	c := cluster.NewMember("c", "10.0.0.3", 1)

	ta := hub.Join(a)
	tb := hub.Join(b)
	tc := hub.Join(c)

	rb, rc := &recorder{}, &recorder{}
	assert.NoError(t, tb.Subscribe("m", rb))
	assert.NoError(t, tc.Subscribe("m", rc))

	hub.Unregister(c)

	msg := wire.NewMessage("m", wire.KindCopy, a)
	err := ta.Send(context.Background(), []cluster.Member{b, c}, msg, SendOptions{})
	hub.Flush()

	var ce *ChannelError

	assert.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, len(ce.Faulty))
	assert.Equal(t, c, ce.Faulty[0].Member)
	assert.True(t, errors.Is(err, sentinel.ErrMemberUnreachable))
	assert.Equal(t, []cluster.Member{b}, Delivered([]cluster.Member{b, c}, err))
	assert.Equal(t, 1, rb.count())
	assert.Equal(t, 0, rc.count())

	hub.Register(c)
	assert.NoError(t, ta.Send(context.Background(), []cluster.Member{c}, msg, SendOptions{}))
	hub.Flush()
	assert.Equal(t, 1, rc.count())
}

func TestSubscribeTwiceFails(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	defer hub.Close()

	ta := hub.Join(cluster.NewMember("a", "10.0.0.1", 1))

	assert.NoError(t, ta.Subscribe("m", &recorder{}))
	assert.True(t, errors.Is(ta.Subscribe("m", &recorder{}), sentinel.ErrContextInUse))

	ta.Unsubscribe("m")
	assert.NoError(t, ta.Subscribe("m", &recorder{}))
}

func TestDeliveredTreatsRemoteProcessAsDelivered(t *testing.T) {
	t.Parallel()

	a := cluster.NewMember("a", "h", 1)
	b := cluster.NewMember("b", "h", 2)

	err := NewChannelError([]FaultyMember{
		{Member: a, Cause: sentinel.ErrRemoteProcess},
		{Member: b, Cause: sentinel.ErrMemberUnreachable},
	})

	assert.Equal(t, []cluster.Member{b}, Undelivered(err))
	assert.Equal(t, []cluster.Member{a}, Delivered([]cluster.Member{a, b}, err))
	assert.Equal(t, []cluster.Member{}, Delivered([]cluster.Member{a, b}, errors.New("boom")))
	assert.Nil(t, NewChannelError(nil))
}

func TestHubParksMessagesUntilSubscribe(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	defer hub.Close()

	a := cluster.NewMember("a", "10.0.0.1", 1)
	b := cluster.NewMember("b", "10.0.0.2", 1)

	ta := hub.Join(a)
	tb := hub.Join(b)

	msg := wire.NewMessage("m", wire.KindBackup, a)
	assert.NoError(t, ta.Send(context.Background(), []cluster.Member{b}, msg, SendOptions{}))
	hub.Flush()

	rb := &recorder{}
	assert.NoError(t, tb.Subscribe("m", rb))
	hub.Flush()

	assert.Equal(t, 1, rb.count())
	assert.Equal(t, wire.KindBackup, rb.messages[0].Kind)
}
