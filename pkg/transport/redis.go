package transport

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/replimap/internal/constants"
	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// Redis is a Transport over Redis pub/sub. Each member subscribes to its own channel;
// liveness is a sorted set scored by the last heartbeat of every member.
// A publish that reaches no subscriber counts as an unreachable member.
type Redis struct {
	client redis.UniversalClient
	group  string
	frames *wire.FrameCodec
	logger Logger
	inbox  *inbox
	pubsub *redis.PubSub

	hbInterval  time.Duration
	hbDeadAfter time.Duration

	mu        sync.RWMutex
	local     cluster.Member
	receivers map[string]Receiver
	members   *cluster.Membership

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// RedisOption configures the Redis transport.
type RedisOption func(*Redis)

// WithRedisHeartbeat sets the heartbeat period and how long a silent member stays listed.
func WithRedisHeartbeat(interval, deadAfter time.Duration) RedisOption {
	return func(t *Redis) {
		t.hbInterval = interval
		t.hbDeadAfter = deadAfter
	}
}

// WithRedisLogger sets the transport logger.
func WithRedisLogger(logger Logger) RedisOption {
	return func(t *Redis) { t.logger = logger }
}

// WithRedisFrameCodec overrides the frame codec.
func WithRedisFrameCodec(fc *wire.FrameCodec) RedisOption {
	return func(t *Redis) { t.frames = fc }
}

// NewRedisClient builds a client with the package defaults for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  constants.RedisDialTimeout,
		ReadTimeout:  constants.RedisClientReadTimeout,
		WriteTimeout: constants.RedisClientWriteTimeout,
		MaxRetries:   constants.RedisClientMaxRetries,
		PoolSize:     constants.RedisClientPoolSize,
		MinIdleConns: constants.RedisClientMinIdleConns,
	})
}

// NewRedis creates a Redis transport for local within group. Call Start to subscribe.
func NewRedis(client redis.UniversalClient, group string, local cluster.Member, opts ...RedisOption) *Redis {
	t := &Redis{
		client:      client,
		group:       group,
		frames:      wire.NewFrameCodec(),
		logger:      nopLogger{},
		hbInterval:  constants.DefaultHeartbeatInterval,
		hbDeadAfter: constants.DefaultDeadAfter,
		local:       local,
		receivers:   map[string]Receiver{},
		members:     cluster.NewMembership(),
		stopCh:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

func (t *Redis) channel(id cluster.MemberID) string {
	return constants.RedisKeyPrefix + ":" + t.group + ":" + string(id)
}

func (t *Redis) membersKey() string {
	return constants.RedisKeyPrefix + ":" + t.group + ":members"
}

// Start subscribes to the local channel, announces the member and begins heartbeats.
func (t *Redis) Start(ctx context.Context) error {
	t.pubsub = t.client.Subscribe(ctx, t.channel(t.local.ID))

	_, err := t.pubsub.Receive(ctx)
	if err != nil {
		return ewrap.Wrap(err, "redis subscribe")
	}

	t.inbox = newInbox(nil)

	err = t.heartbeat(ctx)
	if err != nil {
		return err
	}

	t.wg.Add(2)

	go t.receiveLoop()
	go t.heartbeatLoop()

	return nil
}

// Stop leaves the group and closes the subscription.
func (t *Redis) Stop(ctx context.Context) error {
	t.stopped.Do(func() { close(t.stopCh) })

	raw, err := json.Marshal(t.local)
	if err == nil {
		err = t.client.ZRem(ctx, t.membersKey(), string(raw)).Err()
	}

	if t.pubsub != nil {
		_ = t.pubsub.Close() //nolint:errcheck // best-effort
	}

	t.wg.Wait()

	if t.inbox != nil {
		t.inbox.close()
	}

	if err != nil {
		return ewrap.Wrap(err, "redis leave")
	}

	return nil
}

// LocalMember implements Transport.
func (t *Redis) LocalMember() cluster.Member { return t.local }

// Members implements Transport.
func (t *Redis) Members() []cluster.Member { return t.members.Members() }

// Subscribe implements Transport.
func (t *Redis) Subscribe(mapContext string, r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.receivers[mapContext]; ok {
		return ewrap.Wrap(sentinel.ErrContextInUse, mapContext)
	}

	t.receivers[mapContext] = r

	return nil
}

// Unsubscribe implements Transport.
func (t *Redis) Unsubscribe(mapContext string) {
	t.mu.Lock()
	delete(t.receivers, mapContext)
	t.mu.Unlock()
}

// Send implements Transport. Ack is not supported by pub/sub and is ignored.
func (t *Redis) Send(ctx context.Context, targets []cluster.Member, msg *wire.Message, opts SendOptions) error {
	frame, err := t.frames.Encode(msg)
	if err != nil {
		return err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var faulty []FaultyMember

	for _, target := range targets {
		n, err := t.client.Publish(ctx, t.channel(target.ID), frame).Result()
		if err != nil {
			faulty = append(faulty, FaultyMember{Member: target, Cause: ewrap.Wrap(sentinel.ErrMemberUnreachable, err.Error())})

			continue
		}

		if n == 0 {
			faulty = append(faulty, FaultyMember{Member: target, Cause: ewrap.Wrap(sentinel.ErrMemberUnreachable, "no subscriber")})
		}
	}

	return NewChannelError(faulty)
}

func (t *Redis) receiveLoop() {
	defer t.wg.Done()

	for m := range t.pubsub.Channel() {
		msg, err := t.frames.Decode([]byte(m.Payload))
		if err != nil {
			t.logger.Printf("transport redis %s: drop frame: %v", t.local, err)

			continue
		}

		t.inbox.push(func() { t.apply(msg) })
	}
}

func (t *Redis) apply(msg *wire.Message) {
	t.mu.RLock()
	r, ok := t.receivers[msg.Context]
	t.mu.RUnlock()

	if !ok {
		t.logger.Printf("transport redis %s: %v %q", t.local, sentinel.ErrUnknownContext, msg.Context)

		return
	}

	err := r.OnMessage(context.Background(), msg)
	if err != nil {
		t.logger.Printf("transport redis %s: apply %s from %s: %v", t.local, msg.Kind, msg.Sender, err)
	}
}

func (t *Redis) heartbeatLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), t.hbInterval)

			err := t.heartbeat(ctx)
			if err != nil {
				t.logger.Printf("transport redis %s: heartbeat: %v", t.local, err)
			}

			cancel()
		case <-t.stopCh:
			return
		}
	}
}

// heartbeat refreshes the local score, prunes silent members and reconciles the view.
func (t *Redis) heartbeat(ctx context.Context) error {
	raw, err := json.Marshal(t.local)
	if err != nil {
		return ewrap.Wrap(err, "encode member")
	}

	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-t.hbDeadAfter).UnixMilli(), 10)

	pipe := t.client.TxPipeline()
	pipe.ZAdd(ctx, t.membersKey(), redis.Z{Score: float64(now.UnixMilli()), Member: string(raw)})
	pipe.ZRemRangeByScore(ctx, t.membersKey(), "-inf", "("+cutoff)
	live := pipe.ZRangeByScore(ctx, t.membersKey(), &redis.ZRangeBy{Min: cutoff, Max: "+inf"})

	_, err = pipe.Exec(ctx)
	if err != nil {
		return ewrap.Wrap(err, "redis heartbeat")
	}

	seen := map[cluster.MemberID]cluster.Member{}

	for _, entry := range live.Val() {
		var m cluster.Member

		err := json.Unmarshal([]byte(entry), &m)
		if err != nil || m.ID == t.local.ID {
			continue
		}

		seen[m.ID] = m
	}

	for _, m := range seen {
		if t.members.Add(m, now) {
			t.logger.Printf("transport redis %s: member added %s", t.local, m)
			t.notify(func(ctx context.Context, r Receiver) { r.OnMemberAdded(ctx, m) })
		}
	}

	for _, m := range t.members.Members() {
		if _, ok := seen[m.ID]; ok {
			continue
		}

		if t.members.Remove(m) {
			t.logger.Printf("transport redis %s: member removed %s", t.local, m)
			t.notify(func(ctx context.Context, r Receiver) { r.OnMemberRemoved(ctx, m) })
		}
	}

	return nil
}

func (t *Redis) notify(fn func(ctx context.Context, r Receiver)) {
	t.mu.RLock()

	rs := make([]Receiver, 0, len(t.receivers))
	for _, r := range t.receivers {
		rs = append(rs, r)
	}

	t.mu.RUnlock()

	t.inbox.push(func() {
		for _, r := range rs {
			fn(context.Background(), r)
		}
	})
}

var _ Transport = (*Redis)(nil)
