package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// TestRedisTransport needs a reachable Redis; set REPLIMAP_REDIS_ADDR to run it.
func TestRedisTransport(t *testing.T) {
	addr := os.Getenv("REPLIMAP_REDIS_ADDR")
	if addr == "" {
		t.Skip("REPLIMAP_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := NewRedisClient(addr, "", 0)

	defer func() { _ = client.Close() }() //nolint:errcheck // best-effort

	group := "test-" + uuid.NewString()

	t1 := NewRedis(client, group, cluster.NewMember("r1", "127.0.0.1", 1), WithRedisHeartbeat(20*time.Millisecond, 200*time.Millisecond))
	t2 := NewRedis(client, group, cluster.NewMember("r2", "127.0.0.1", 2), WithRedisHeartbeat(20*time.Millisecond, 200*time.Millisecond))

	r2 := &recorder{}
	assert.NoError(t, t2.Subscribe("m", r2))

	assert.NoError(t, t1.Start(ctx))
	assert.NoError(t, t2.Start(ctx))

	waitFor(t, "membership", func() bool { return len(t1.Members()) == 1 && len(t2.Members()) == 1 })

	msg := wire.NewMessage("m", wire.KindCopy, t1.LocalMember())
	assert.NoError(t, t1.Send(ctx, t1.Members(), msg, SendOptions{}))

	waitFor(t, "delivery", func() bool { return r2.count() == 1 })

	assert.NoError(t, t2.Stop(ctx))
	waitFor(t, "departure", func() bool { return len(t1.Members()) == 0 })

	err := t1.Send(ctx, []cluster.Member{t2.LocalMember()}, msg, SendOptions{})
	assert.True(t, err != nil)

	assert.NoError(t, t1.Stop(ctx))
}
