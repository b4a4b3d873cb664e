package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/wire"
)

func startHTTP(t *testing.T, id string) *HTTP {
	t.Helper()

	tr := NewHTTP(
		cluster.NewMember(id, "127.0.0.1", 0),
		WithHTTPHeartbeat(20*time.Millisecond, 60*time.Millisecond, 150*time.Millisecond),
		WithHTTPTimeout(200*time.Millisecond),
		WithHTTPFrameCodec(wire.NewFrameCodec(wire.WithCompression(16))),
	)

	err := tr.Start(context.Background())
	if err != nil {
		t.Fatalf("start %s: %v", id, err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		_ = tr.Stop(ctx) //nolint:errcheck // best-effort
	})

	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func TestHTTPTransportHeartbeatAndSend(t *testing.T) {
	t.Parallel()

	t1 := startHTTP(t, "n1")
	t2 := startHTTP(t, "n2")

	r1, r2 := &recorder{}, &recorder{}
	assert.NoError(t, t1.Subscribe("m", r1))
	assert.NoError(t, t2.Subscribe("m", r2))

	t1.AddPeer(t2.LocalMember())
	t2.AddPeer(t1.LocalMember())

	waitFor(t, "membership", func() bool { return len(t1.Members()) == 1 && len(t2.Members()) == 1 })

	msg := wire.NewMessage("m", wire.KindBackup, t1.LocalMember())
	msg.Key = []byte("k")
	msg.Value = []byte("a value long enough to be compressed")

	err := t1.Send(context.Background(), t1.Members(), msg, SendOptions{})
	assert.NoError(t, err)

	waitFor(t, "delivery", func() bool { return r2.count() == 1 })

	r2.mu.Lock()
	got := r2.messages[0]
	r2.mu.Unlock()

	assert.Equal(t, msg.Value, got.Value)
	assert.Equal(t, t1.LocalMember(), got.Sender)
	assert.True(t, t1.Metrics().FramesSent >= 1)
}

func TestHTTPTransportAckReportsRemoteProcess(t *testing.T) {
	t.Parallel()

	t1 := startHTTP(t, "n1")
	t2 := startHTTP(t, "n2")

	assert.NoError(t, t2.Subscribe("m", &recorder{fail: sentinel.ErrDecode}))

	msg := wire.NewMessage("m", wire.KindCopy, t1.LocalMember())
	err := t1.Send(context.Background(), []cluster.Member{t2.LocalMember()}, msg, SendOptions{Ack: true})

	assert.True(t, errors.Is(err, sentinel.ErrRemoteProcess))
	assert.Equal(t, []cluster.Member{t2.LocalMember()}, Delivered([]cluster.Member{t2.LocalMember()}, err))
}

func TestHTTPTransportDeadPeerRemoved(t *testing.T) {
	t.Parallel()

	t1 := startHTTP(t, "n1")
	t2 := startHTTP(t, "n2")

	r1 := &recorder{}
	assert.NoError(t, t1.Subscribe("m", r1))

	t1.AddPeer(t2.LocalMember())
	waitFor(t, "member added", func() bool { return len(t1.Members()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, t2.Stop(ctx))

	waitFor(t, "member removed", func() bool { return len(t1.Members()) == 0 })
	waitFor(t, "removal event", func() bool {
		r1.mu.Lock()
		defer r1.mu.Unlock()

		return len(r1.removed) == 1
	})

	err := t1.Send(context.Background(), []cluster.Member{t2.LocalMember()}, wire.NewMessage("m", wire.KindCopy, t1.LocalMember()), SendOptions{})
	assert.True(t, errors.Is(err, sentinel.ErrMemberUnreachable))
}
