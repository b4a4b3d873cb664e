package replimap

import (
	"context"
	"errors"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/entry"
	"github.com/hyp3rd/replimap/pkg/transport"
	"github.com/hyp3rd/replimap/pkg/wire"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	ep := hub.Join(member(0))

	tests := []struct {
		name string
		mapN string
		tr   transport.Transport
		opts []Option
		want error
	}{
		{name: "empty name", mapN: "", tr: ep, want: sentinel.ErrParamCannotBeEmpty},
		{name: "nil transport", mapN: testMap, tr: nil, want: sentinel.ErrParamCannotBeEmpty},
		{name: "unknown strategy", mapN: testMap, tr: ep, opts: []Option{WithStrategy(Strategy(42))}, want: sentinel.ErrUnknownStrategy},
		{name: "unknown serializer", mapN: testMap, tr: ep, opts: []Option{WithSerializer("xml")}, want: sentinel.ErrSerializerNotFound},
		{
			name: "owner type mismatch",
			mapN: testMap,
			tr:   ep,
			opts: []Option{WithOwner[string, int](OwnerFunc[string, int](func(string, int) {}))},
			want: sentinel.ErrInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := New[string, string](tt.mapN, tt.tr, tt.opts...)
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Strategy
		err  bool
	}{
		{in: "single-backup", want: SingleBackup},
		{in: "full-mesh", want: FullMesh},
		{in: "quorum", err: true},
	}

	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if tt.err {
			assert.True(t, errors.Is(err, sentinel.ErrUnknownStrategy))

			continue
		}

		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.in, got.String())
	}
}

func TestPutWithoutMembers(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	n := join[string](t, hub, 0)
	ctx := context.Background()

	backups, err := n.m.Put(ctx, "k", "v")
	assert.NoError(t, err)
	assert.Equal(t, 0, len(backups))

	value, ok := n.m.Get(ctx, "k")
	assert.True(t, ok)
	assert.Equal(t, "v", value)

	_, ok = n.m.Get(ctx, "missing")
	assert.False(t, ok)

	stats := n.m.Stats()
	assert.Equal(t, int64(2), stats.Gets)
	assert.Equal(t, int64(1), stats.GetHits)
	assert.Equal(t, 1, stats.Entries)
}

func TestPutSkipsUnserializableValues(t *testing.T) {
	t.Parallel()

	for _, strategy := range []Strategy{SingleBackup, FullMesh} {
		t.Run(strategy.String(), func(t *testing.T) {
			t.Parallel()

			hub := transport.NewHub()
			defer hub.Close()

			nodes := startCluster[any](t, hub, 2, WithStrategy(strategy))
			ctx := context.Background()

			ch := make(chan int)

			backups, err := nodes[0].m.Put(ctx, "k", ch)
			assert.NoError(t, err)
			assert.Equal(t, []cluster.Member{}, backups)
			hub.Flush()

			value, ok := nodes[0].m.Get(ctx, "k")
			assert.True(t, ok)
			assert.Equal(t, any(ch), value)
			assert.True(t, describe(t, nodes[0], "k").IsPrimary)

			_, reached := nodes[1].m.Describe("k")
			assert.False(t, reached)
			assert.Equal(t, int64(1), nodes[0].m.Stats().SerializationSkips)
		})
	}
}

func TestOnMessageErrors(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	n := join[string](t, hub, 0)
	ctx := context.Background()
	sender := member(5)

	_, err := n.m.Put(ctx, "plain", "v")
	assert.NoError(t, err)

	rawKey := func(k string) []byte {
		b, err := wire.DefaultCodec().Marshal(k)
		assert.NoError(t, err)

		return b
	}

	tests := []struct {
		name string
		msg  *wire.Message
		want error
	}{
		{
			name: "foreign context",
			msg:  wire.NewMessage("other", wire.KindBackup, sender),
			want: sentinel.ErrUnknownContext,
		},
		{
			name: "unknown kind",
			msg:  wire.NewMessage(testMap, wire.Kind(99), sender),
			want: sentinel.ErrUnknownMessageKind,
		},
		{
			name: "garbage key",
			msg:  &wire.Message{Context: testMap, Kind: wire.KindBackup, Key: []byte{0xc1}, Sender: sender},
			want: sentinel.ErrDecode,
		},
		{
			name: "garbage value",
			msg:  &wire.Message{Context: testMap, Kind: wire.KindCopy, Key: rawKey("x"), Value: []byte{0xc1}, Sender: sender},
			want: sentinel.ErrDecode,
		},
		{
			name: "diff without base",
			msg:  &wire.Message{Context: testMap, Kind: wire.KindBackup, Diff: true, Key: rawKey("missing"), Value: []byte{0x90}, Sender: sender},
			want: sentinel.ErrDiffWithoutBase,
		},
		{
			name: "diff on opaque value",
			msg:  &wire.Message{Context: testMap, Kind: wire.KindBackup, Diff: true, Key: rawKey("plain"), Value: []byte{0x90}, Sender: sender},
			want: sentinel.ErrNotDiffable,
		},
	}

	for _, tt := range tests {
		err := n.m.OnMessage(ctx, tt.msg)
		assert.True(t, errors.Is(err, tt.want), tt.name)
	}

	// nothing was partially applied
	assert.Equal(t, 1, n.m.Len())
	assert.True(t, describe(t, n, "plain").IsPrimary)
	assert.Equal(t, int64(5), n.m.Stats().ApplyErrors)
}

func TestDiffRoundTrip(t *testing.T) {
	t.Parallel()

	for _, strategy := range []Strategy{SingleBackup, FullMesh} {
		t.Run(strategy.String(), func(t *testing.T) {
			t.Parallel()

			hub := transport.NewHub()
			defer hub.Close()

			nodes := startCluster[*entry.Attributes](t, hub, 2, WithStrategy(strategy))
			primary, replica := nodes[0], nodes[1]
			ctx := context.Background()

			attrs := entry.NewAttributes()
			attrs.Set("user", "ada")
			attrs.Set("cart", "3")

			_, err := primary.m.Put(ctx, "s1", attrs)
			assert.NoError(t, err)
			assert.False(t, attrs.IsDirty())
			hub.Flush()

			attrs.Set("cart", "4")
			attrs.Delete("user")
			attrs.Set("theme", "dark")

			assert.NoError(t, primary.m.Replicate(ctx, "s1", false))
			assert.False(t, attrs.IsDirty())
			hub.Flush()

			got, ok := replica.m.Get(ctx, "s1")
			assert.True(t, ok)
			assert.Equal(t, attrs.Snapshot(), got.Snapshot())
			assert.Equal(t, any(replica.m), got.Owner())

			// clean values are not shipped again
			before := primary.m.Stats()
			assert.NoError(t, primary.m.Replicate(ctx, "s1", false))
			assert.Equal(t, before.BackupsSent+before.CopiesSent, primary.m.Stats().BackupsSent+primary.m.Stats().CopiesSent)
		})
	}
}

func TestReplicateCompleteShipsWholeValue(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	nodes := startCluster[*entry.Counter](t, hub, 2, WithStrategy(FullMesh))
	ctx := context.Background()

	counter := entry.NewCounter(1)

	_, err := nodes[0].m.Put(ctx, "hits", counter)
	assert.NoError(t, err)

	counter.Add(4)
	assert.NoError(t, nodes[0].m.Replicate(ctx, "hits", true))
	hub.Flush()

	got, ok := nodes[1].m.Get(ctx, "hits")
	assert.True(t, ok)
	assert.Equal(t, int64(5), got.Load())
	assert.False(t, counter.IsDirty())

	counter.Add(2)
	assert.NoError(t, nodes[0].m.ReplicateAll(ctx, false))
	hub.Flush()

	assert.Equal(t, int64(7), got.Load())
}

func TestReplicateErrors(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	nodes := startCluster[*entry.Counter](t, hub, 2, WithStrategy(FullMesh))
	ctx := context.Background()

	err := nodes[0].m.Replicate(ctx, "missing", false)
	assert.True(t, errors.Is(err, sentinel.ErrKeyNotFound))

	counter := entry.NewCounter(0)
	_, err = nodes[0].m.Put(ctx, "c", counter)
	assert.NoError(t, err)
	hub.Flush()

	// replicas do not replicate
	assert.NoError(t, nodes[1].m.Replicate(ctx, "c", true))

	hub.Unregister(nodes[1].member)
	counter.Add(1)

	err = nodes[0].m.Replicate(ctx, "c", false)
	assert.True(t, errors.Is(err, sentinel.ErrAllTargetsFailed))

	// the lost diff is recovered by a whole value next time
	hub.Register(nodes[1].member)
	assert.NoError(t, nodes[0].m.Replicate(ctx, "c", false))
	hub.Flush()

	got, ok := nodes[1].m.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, int64(1), got.Load())
}

func TestAccessReplication(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	nodes := startCluster[*entry.Counter](t, hub, 2)
	ctx := context.Background()

	counter := entry.NewCounter(0)
	counter.SetAccessInterval(1)

	_, err := nodes[0].m.Put(ctx, "c", counter)
	assert.NoError(t, err)
	hub.Flush()

	got, ok := nodes[1].m.Get(ctx, "c")
	assert.True(t, ok)
	assert.True(t, got.LastAccess().IsZero())

	assert.NoError(t, nodes[0].m.Replicate(ctx, "c", false))
	hub.Flush()

	assert.Equal(t, int64(1), nodes[0].m.Stats().AccessSent)
	assert.False(t, got.LastAccess().IsZero())
}

func TestStopDetachesFromTransport(t *testing.T) {
	t.Parallel()

	hub := transport.NewHub()
	defer hub.Close()

	nodes := startCluster[string](t, hub, 2, WithStrategy(FullMesh))
	ctx := context.Background()

	assert.NoError(t, nodes[1].m.Stop(ctx))
	assert.NoError(t, nodes[1].m.Stop(ctx))

	_, err := nodes[0].m.Put(ctx, "k", "v")
	assert.NoError(t, err)
	hub.Flush()

	_, ok := nodes[1].m.Get(ctx, "k")
	assert.False(t, ok)
}
