package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/constants"
	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// HTTP routes.
const (
	MessagePath = "/replimap/message"
	HealthPath  = "/replimap/health"
)

// internal status code threshold for error classification.
const statusThreshold = 300

type peerState struct {
	member    cluster.Member
	state     cluster.MemberState
	lastSeen  time.Time
	announced bool
}

type httpMetrics struct {
	framesSent       int64
	framesReceived   int64
	sendFailures     int64
	heartbeatSuccess int64
	heartbeatFailure int64
	membersAdded     int64
	membersRemoved   int64
}

// HTTPMetrics is a snapshot of HTTP transport counters.
type HTTPMetrics struct {
	FramesSent       int64
	FramesReceived   int64
	SendFailures     int64
	HeartbeatSuccess int64
	HeartbeatFailure int64
	MembersAdded     int64
	MembersRemoved   int64
}

// HTTP is a Transport that posts frames to peers over HTTP and discovers liveness with heartbeats.
// A peer becomes a member after its first successful probe and stops being one once it has
// not answered for the dead interval.
type HTTP struct {
	listenAddr string
	client     *http.Client
	app        *fiber.App
	ln         net.Listener
	frames     *wire.FrameCodec
	logger     Logger
	inbox      *inbox

	hbInterval     time.Duration
	hbSuspectAfter time.Duration
	hbDeadAfter    time.Duration

	mu        sync.RWMutex
	local     cluster.Member
	receivers map[string]Receiver
	peers     map[cluster.MemberID]*peerState
	members   *cluster.Membership

	stopCh  chan struct{}
	stopped sync.Once
	metrics httpMetrics
}

// HTTPOption configures the HTTP transport.
type HTTPOption func(*HTTP)

// WithHTTPListenAddr sets the listen address. Defaults to the local member address.
func WithHTTPListenAddr(addr string) HTTPOption {
	return func(t *HTTP) { t.listenAddr = addr }
}

// WithHTTPPeers seeds the peers to probe.
func WithHTTPPeers(peers ...cluster.Member) HTTPOption {
	return func(t *HTTP) {
		for _, p := range peers {
			t.peers[p.ID] = &peerState{member: p, lastSeen: time.Now()}
		}
	}
}

// WithHTTPTimeout sets the per-request client timeout.
func WithHTTPTimeout(timeout time.Duration) HTTPOption {
	return func(t *HTTP) {
		if timeout > 0 {
			t.client.Timeout = timeout
		}
	}
}

// WithHTTPHeartbeat configures heartbeat interval and suspect/dead thresholds.
// If interval <= 0 heartbeat is disabled and peers never become members.
func WithHTTPHeartbeat(interval, suspectAfter, deadAfter time.Duration) HTTPOption {
	return func(t *HTTP) {
		t.hbInterval = interval
		t.hbSuspectAfter = suspectAfter
		t.hbDeadAfter = deadAfter
	}
}

// WithHTTPLogger sets the transport logger.
func WithHTTPLogger(logger Logger) HTTPOption {
	return func(t *HTTP) { t.logger = logger }
}

// WithHTTPFrameCodec overrides the frame codec, e.g. to enable compression.
func WithHTTPFrameCodec(fc *wire.FrameCodec) HTTPOption {
	return func(t *HTTP) { t.frames = fc }
}

// NewHTTP creates an HTTP transport for local. Call Start to listen.
func NewHTTP(local cluster.Member, opts ...HTTPOption) *HTTP {
	t := &HTTP{
		listenAddr:     local.Address(),
		client:         &http.Client{Timeout: constants.DefaultSendTimeout},
		app:            fiber.New(fiber.Config{ReadTimeout: constants.DefaultHTTPReadTimeout, WriteTimeout: constants.DefaultHTTPWriteTimeout}),
		frames:         wire.NewFrameCodec(),
		logger:         nopLogger{},
		hbInterval:     constants.DefaultHeartbeatInterval,
		hbSuspectAfter: constants.DefaultSuspectAfter,
		hbDeadAfter:    constants.DefaultDeadAfter,
		local:          local,
		receivers:      map[string]Receiver{},
		peers:          map[cluster.MemberID]*peerState{},
		members:        cluster.NewMembership(),
		stopCh:         make(chan struct{}),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start mounts routes, listens and launches the heartbeat loop.
// A local member with port 0 picks up the bound port.
func (t *HTTP) Start(ctx context.Context) error {
	t.mountRoutes()

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", t.listenAddr)
	if err != nil {
		return ewrap.Wrap(err, "transport http listen")
	}

	t.ln = ln

	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		t.mu.Lock()
		if t.local.Port == 0 {
			t.local.Port = tcp.Port
		}
		t.mu.Unlock()
	}

	t.inbox = newInbox(nil)

	go func() {
		err := t.app.Listener(ln, fiber.ListenConfig{DisableStartupMessage: true})
		if err != nil {
			t.logger.Printf("transport http %s: serve: %v", t.LocalMember(), err)
		}
	}()

	if t.hbInterval > 0 {
		go t.heartbeatLoop()
	}

	return nil
}

// Stop shuts the server down and stops the heartbeat loop.
func (t *HTTP) Stop(ctx context.Context) error {
	if t.ln == nil {
		return nil
	}

	t.stopped.Do(func() { close(t.stopCh) })

	ch := make(chan error, 1)

	go func() { ch <- t.app.Shutdown() }()

	select {
	case <-ctx.Done():
		return ewrap.Wrap(sentinel.ErrTransportClosed, "http server shutdown timeout")
	case err := <-ch:
		t.inbox.close()

		return err
	}
}

// Addr returns the bound address, empty before Start.
func (t *HTTP) Addr() string {
	if t.ln == nil {
		return ""
	}

	return t.ln.Addr().String()
}

// LocalMember implements Transport.
func (t *HTTP) LocalMember() cluster.Member {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.local
}

// Members implements Transport.
func (t *HTTP) Members() []cluster.Member { return t.members.Members() }

// Subscribe implements Transport.
func (t *HTTP) Subscribe(mapContext string, r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.receivers[mapContext]; ok {
		return ewrap.Wrap(sentinel.ErrContextInUse, mapContext)
	}

	t.receivers[mapContext] = r

	return nil
}

// Unsubscribe implements Transport.
func (t *HTTP) Unsubscribe(mapContext string) {
	t.mu.Lock()
	delete(t.receivers, mapContext)
	t.mu.Unlock()
}

// AddPeer starts probing member. It becomes a member after its first successful heartbeat.
func (t *HTTP) AddPeer(member cluster.Member) {
	if member.ID == t.LocalMember().ID {
		return
	}

	t.mu.Lock()
	if _, ok := t.peers[member.ID]; !ok {
		t.peers[member.ID] = &peerState{member: member, lastSeen: time.Now()}
	}
	t.mu.Unlock()
}

// RemovePeer stops probing member and, if it was a member, reports its departure.
func (t *HTTP) RemovePeer(member cluster.Member) {
	t.mu.Lock()

	ps, ok := t.peers[member.ID]
	if ok {
		delete(t.peers, member.ID)
	}

	t.mu.Unlock()

	if ok && ps.announced {
		t.departed(ps.member)
	}
}

// Metrics returns a snapshot of transport counters.
func (t *HTTP) Metrics() HTTPMetrics {
	return HTTPMetrics{
		FramesSent:       atomic.LoadInt64(&t.metrics.framesSent),
		FramesReceived:   atomic.LoadInt64(&t.metrics.framesReceived),
		SendFailures:     atomic.LoadInt64(&t.metrics.sendFailures),
		HeartbeatSuccess: atomic.LoadInt64(&t.metrics.heartbeatSuccess),
		HeartbeatFailure: atomic.LoadInt64(&t.metrics.heartbeatFailure),
		MembersAdded:     atomic.LoadInt64(&t.metrics.membersAdded),
		MembersRemoved:   atomic.LoadInt64(&t.metrics.membersRemoved),
	}
}

// Send implements Transport. Targets are contacted concurrently.
func (t *HTTP) Send(ctx context.Context, targets []cluster.Member, msg *wire.Message, opts SendOptions) error {
	frame, err := t.frames.Encode(msg)
	if err != nil {
		return err
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		faulty []FaultyMember
	)

	for _, target := range targets {
		wg.Go(func() {
			err := t.post(ctx, target, frame, opts)
			if err == nil {
				atomic.AddInt64(&t.metrics.framesSent, 1)

				return
			}

			atomic.AddInt64(&t.metrics.sendFailures, 1)

			mu.Lock()
			faulty = append(faulty, FaultyMember{Member: target, Cause: err})
			mu.Unlock()
		})
	}

	wg.Wait()

	return NewChannelError(faulty)
}

func (t *HTTP) post(ctx context.Context, target cluster.Member, frame []byte, opts SendOptions) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	url := "http://" + target.Address() + MessagePath + "?ack=" + strconv.FormatBool(opts.Ack)

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return ewrap.Wrap(err, "new request")
	}

	hreq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := t.client.Do(hreq)
	if err != nil {
		return ewrap.Wrap(sentinel.ErrMemberUnreachable, err.Error())
	}

	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // best-effort
	}()

	if resp.StatusCode < statusThreshold {
		return nil
	}

	body, rerr := io.ReadAll(resp.Body)
	if rerr != nil {
		return ewrap.Wrap(rerr, "read error body")
	}

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return ewrap.Wrapf(sentinel.ErrRemoteProcess, "%s", string(body))
	}

	return ewrap.Wrapf(sentinel.ErrMemberUnreachable, "status %d body %s", resp.StatusCode, string(body))
}

func (t *HTTP) mountRoutes() {
	t.app.Post(MessagePath, func(fctx fiber.Ctx) error {
		msg, err := t.frames.Decode(fctx.Body())
		if err != nil {
			return fctx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		atomic.AddInt64(&t.metrics.framesReceived, 1)

		ack, _ := strconv.ParseBool(fctx.Query("ack", "false")) //nolint:errcheck // absent means async
		if !ack {
			t.inbox.push(func() { t.apply(msg) })

			return fctx.SendStatus(fiber.StatusAccepted)
		}

		err = t.apply(msg)
		if err != nil {
			return fctx.Status(fiber.StatusUnprocessableEntity).SendString(err.Error())
		}

		return fctx.SendStatus(fiber.StatusOK)
	})

	t.app.Get(HealthPath, func(fctx fiber.Ctx) error {
		return fctx.JSON(fiber.Map{"id": string(t.LocalMember().ID)})
	})
}

func (t *HTTP) receiver(mapContext string) (Receiver, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.receivers[mapContext]

	return r, ok
}

func (t *HTTP) snapshotReceivers() []Receiver {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Receiver, 0, len(t.receivers))
	for _, r := range t.receivers {
		out = append(out, r)
	}

	return out
}

func (t *HTTP) apply(msg *wire.Message) error {
	r, ok := t.receiver(msg.Context)
	if !ok {
		return ewrap.Wrap(sentinel.ErrUnknownContext, msg.Context)
	}

	err := r.OnMessage(context.Background(), msg)
	if err != nil {
		t.logger.Printf("transport http %s: apply %s from %s: %v", t.LocalMember(), msg.Kind, msg.Sender, err)
	}

	return err
}

// heartbeatLoop probes peers and updates membership.
func (t *HTTP) heartbeatLoop() {
	ticker := time.NewTicker(t.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runHeartbeatTick()
		case <-t.stopCh:
			return
		}
	}
}

func (t *HTTP) runHeartbeatTick() {
	t.mu.RLock()

	peers := make([]*peerState, 0, len(t.peers))
	for _, ps := range t.peers {
		peers = append(peers, ps)
	}

	t.mu.RUnlock()

	now := time.Now()
	for _, ps := range peers {
		t.evaluateLiveness(now, ps)
	}
}

// evaluateLiveness applies timeout-based transitions then performs a probe.
func (t *HTTP) evaluateLiveness(now time.Time, ps *peerState) {
	t.mu.Lock()
	elapsed := now.Sub(ps.lastSeen)
	announced := ps.announced

	if announced && t.hbDeadAfter > 0 && elapsed > t.hbDeadAfter {
		ps.announced = false
		ps.state = cluster.MemberDead
		t.mu.Unlock()

		t.departed(ps.member)

		return
	}

	if t.hbSuspectAfter > 0 && elapsed > t.hbSuspectAfter && ps.state == cluster.MemberAlive {
		ps.state = cluster.MemberSuspect
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.hbInterval/2+time.Millisecond)
	err := t.probe(ctx, ps.member)

	cancel()

	if err != nil {
		atomic.AddInt64(&t.metrics.heartbeatFailure, 1)

		return
	}

	atomic.AddInt64(&t.metrics.heartbeatSuccess, 1)

	t.mu.Lock()
	ps.lastSeen = time.Now()
	ps.state = cluster.MemberAlive
	announce := !ps.announced
	ps.announced = true
	t.mu.Unlock()

	if announce {
		t.arrived(ps.member)
	}
}

func (t *HTTP) probe(ctx context.Context, member cluster.Member) error {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+member.Address()+HealthPath, nil)
	if err != nil {
		return ewrap.Wrap(err, "new request")
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return ewrap.Wrap(sentinel.ErrMemberUnreachable, err.Error())
	}

	_ = resp.Body.Close() //nolint:errcheck // best-effort

	if resp.StatusCode >= statusThreshold {
		return ewrap.Wrapf(sentinel.ErrMemberUnreachable, "health status %d", resp.StatusCode)
	}

	return nil
}

func (t *HTTP) arrived(member cluster.Member) {
	if !t.members.Add(member, time.Now()) {
		return
	}

	atomic.AddInt64(&t.metrics.membersAdded, 1)
	t.logger.Printf("transport http %s: member added %s", t.LocalMember(), member)

	t.inbox.push(func() {
		for _, r := range t.snapshotReceivers() {
			r.OnMemberAdded(context.Background(), member)
		}
	})
}

func (t *HTTP) departed(member cluster.Member) {
	if !t.members.Remove(member) {
		return
	}

	atomic.AddInt64(&t.metrics.membersRemoved, 1)
	t.logger.Printf("transport http %s: member removed %s", t.LocalMember(), member)

	t.inbox.push(func() {
		for _, r := range t.snapshotReceivers() {
			r.OnMemberRemoved(context.Background(), member)
		}
	})
}

var _ Transport = (*HTTP)(nil)
