// Package discovery announces replimap members in etcd and feeds peer changes to a transport.
package discovery

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hyp3rd/ewrap"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/hyp3rd/replimap/pkg/cluster"
)

const (
	defaultTTL         = 10 * time.Second
	defaultDialTimeout = 5 * time.Second
)

// ErrNotRegistered is returned when deregistering a member that holds no lease.
var ErrNotRegistered = ewrap.New("member not registered")

// Joiner receives peer changes. The HTTP transport satisfies it.
type Joiner interface {
	AddPeer(member cluster.Member)
	RemovePeer(member cluster.Member)
}

// Logger is the minimal logging surface used by discovery.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option configures an Etcd registry.
type Option func(*Etcd)

// WithTTL sets the lease TTL of the member key.
func WithTTL(ttl time.Duration) Option {
	return func(e *Etcd) {
		if ttl >= time.Second {
			e.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(e *Etcd) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Etcd registers the local member under <prefix>/<group>/nodes/<id> with a lease
// and watches the same directory for peers.
type Etcd struct {
	cli    *clientv3.Client
	dir    string
	local  cluster.Member
	ttl    time.Duration
	logger Logger

	mu    sync.Mutex
	lease clientv3.LeaseID
	known map[string]cluster.Member
}

// NewClient dials etcd.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, ewrap.Wrap(err, "dial etcd")
	}

	return cli, nil
}

// New returns a registry for local in group under prefix.
func New(cli *clientv3.Client, prefix, group string, local cluster.Member, opts ...Option) *Etcd {
	e := &Etcd{
		cli:    cli,
		dir:    path.Join(prefix, group, "nodes") + "/",
		local:  local,
		ttl:    defaultTTL,
		logger: nopLogger{},
		known:  map[string]cluster.Member{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Register grants a lease, writes the member key under it and keeps the lease alive
// until ctx is cancelled or Deregister is called.
func (e *Etcd) Register(ctx context.Context) error {
	lease, err := e.cli.Grant(ctx, int64(e.ttl/time.Second))
	if err != nil {
		return ewrap.Wrap(err, "grant lease")
	}

	value, err := json.Marshal(e.local)
	if err != nil {
		return ewrap.Wrap(err, "encode member")
	}

	_, err = e.cli.Put(ctx, e.key(e.local.ID), string(value), clientv3.WithLease(lease.ID))
	if err != nil {
		return ewrap.Wrap(err, "put member key")
	}

	alive, err := e.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return ewrap.Wrap(err, "keep lease alive")
	}

	e.mu.Lock()
	e.lease = lease.ID
	e.mu.Unlock()

	go func() {
		for range alive {
			// drain
		}

		e.logger.Printf("etcd lease %x for %s stopped renewing", lease.ID, e.local.ID)
	}()

	return nil
}

// Deregister revokes the lease, deleting the member key.
func (e *Etcd) Deregister(ctx context.Context) error {
	e.mu.Lock()
	lease := e.lease
	e.lease = 0
	e.mu.Unlock()

	if lease == 0 {
		return ErrNotRegistered
	}

	_, err := e.cli.Revoke(ctx, lease)
	if err != nil {
		return ewrap.Wrap(err, "revoke lease")
	}

	return nil
}

// Peers lists the registered members other than the local one.
func (e *Etcd) Peers(ctx context.Context) ([]cluster.Member, error) {
	resp, err := e.cli.Get(ctx, e.dir, clientv3.WithPrefix())
	if err != nil {
		return nil, ewrap.Wrap(err, "list members")
	}

	peers := make([]cluster.Member, 0, len(resp.Kvs))

	for _, kv := range resp.Kvs {
		member, err := decodeMember(kv.Value)
		if err != nil {
			e.logger.Printf("skipping malformed member key %s: %v", kv.Key, err)

			continue
		}

		if member.ID == e.local.ID {
			continue
		}

		peers = append(peers, member)
	}

	return peers, nil
}

// Watch seeds j with the current peers and then forwards changes until ctx is done.
func (e *Etcd) Watch(ctx context.Context, j Joiner) error {
	resp, err := e.cli.Get(ctx, e.dir, clientv3.WithPrefix())
	if err != nil {
		return ewrap.Wrap(err, "list members")
	}

	for _, kv := range resp.Kvs {
		e.apply(true, string(kv.Key), kv.Value, j)
	}

	events := e.cli.Watch(ctx, e.dir, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

	for wr := range events {
		err := wr.Err()
		if err != nil {
			return ewrap.Wrap(err, "watch members")
		}

		for _, ev := range wr.Events {
			e.apply(ev.Type == clientv3.EventTypePut, string(ev.Kv.Key), ev.Kv.Value, j)
		}
	}

	return ctx.Err()
}

// apply turns one key change into a Joiner call.
func (e *Etcd) apply(put bool, key string, value []byte, j Joiner) {
	id := strings.TrimPrefix(key, e.dir)
	if id == string(e.local.ID) {
		return
	}

	if !put {
		e.mu.Lock()
		member, ok := e.known[id]
		delete(e.known, id)
		e.mu.Unlock()

		if ok {
			e.logger.Printf("discovery: %s left", member.ID)
			j.RemovePeer(member)
		}

		return
	}

	member, err := decodeMember(value)
	if err != nil {
		e.logger.Printf("skipping malformed member key %s: %v", key, err)

		return
	}

	e.mu.Lock()
	prev, seen := e.known[id]
	e.known[id] = member
	e.mu.Unlock()

	if seen && prev == member {
		return
	}

	if seen {
		j.RemovePeer(prev)
	}

	e.logger.Printf("discovery: %s joined at %s:%d", member.ID, member.Host, member.Port)
	j.AddPeer(member)
}

func (e *Etcd) key(id cluster.MemberID) string {
	return e.dir + string(id)
}

func decodeMember(value []byte) (cluster.Member, error) {
	var member cluster.Member

	err := json.Unmarshal(value, &member)
	if err != nil {
		return cluster.Member{}, ewrap.Wrap(err, "decode member")
	}

	if member.ID == "" {
		return cluster.Member{}, ewrap.New("member without id")
	}

	return member, nil
}
