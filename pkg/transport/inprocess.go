package transport

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// Hub connects in-process endpoints. Every message is encoded and decoded on its way
// through, so receivers never share memory with senders. Each endpoint applies its
// messages and membership events on its own goroutine, in arrival order.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[cluster.MemberID]*InProcess
	order     []cluster.MemberID
	down      map[cluster.MemberID]bool
	frames    *wire.FrameCodec
	logger    Logger

	pendingMu sync.Mutex
	pendingCv *sync.Cond
	pending   int
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger used for dropped or failed deliveries.
func WithHubLogger(logger Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// WithHubFrameCodec overrides the frame codec.
func WithHubFrameCodec(fc *wire.FrameCodec) HubOption {
	return func(h *Hub) { h.frames = fc }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		endpoints: map[cluster.MemberID]*InProcess{},
		down:      map[cluster.MemberID]bool{},
		frames:    wire.NewFrameCodec(),
		logger:    nopLogger{},
	}
	h.pendingCv = sync.NewCond(&h.pendingMu)

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Join attaches a new endpoint for member. Existing endpoints observe OnMemberAdded;
// the new endpoint sees the existing ones through Members.
func (h *Hub) Join(member cluster.Member) *InProcess {
	ep := &InProcess{
		hub:       h,
		local:     member,
		receivers: map[string]Receiver{},
		parked:    map[string][]*wire.Message{},
		members:   cluster.NewMembership(),
	}
	ep.inbox = newInbox(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for _, id := range h.order {
		ep.members.Add(h.endpoints[id].local, now)
	}

	for _, id := range h.order {
		peer := h.endpoints[id]
		peer.members.Add(member, now)
		h.enqueue(peer, func(ctx context.Context, r Receiver) { r.OnMemberAdded(ctx, member) })
	}

	h.endpoints[member.ID] = ep
	h.order = append(h.order, member.ID)

	return ep
}

// Leave detaches member. Remaining endpoints observe OnMemberRemoved.
func (h *Hub) Leave(member cluster.Member) {
	h.mu.Lock()

	ep, ok := h.endpoints[member.ID]
	if !ok {
		h.mu.Unlock()

		return
	}

	delete(h.endpoints, member.ID)
	delete(h.down, member.ID)
	h.order = slices.DeleteFunc(h.order, func(id cluster.MemberID) bool { return id == member.ID })

	for _, id := range h.order {
		peer := h.endpoints[id]
		peer.members.Remove(member)
		h.enqueue(peer, func(ctx context.Context, r Receiver) { r.OnMemberRemoved(ctx, member) })
	}

	h.mu.Unlock()

	ep.inbox.close()
}

// Unregister makes member unreachable without any membership change, simulating a
// network failure. Sends to it fail with ErrMemberUnreachable.
func (h *Hub) Unregister(member cluster.Member) {
	h.mu.Lock()
	h.down[member.ID] = true
	h.mu.Unlock()
}

// Register undoes Unregister.
func (h *Hub) Register(member cluster.Member) {
	h.mu.Lock()
	delete(h.down, member.ID)
	h.mu.Unlock()
}

// Flush blocks until every queued delivery, including those queued by deliveries, has run.
func (h *Hub) Flush() {
	h.pendingMu.Lock()
	for h.pending > 0 {
		h.pendingCv.Wait()
	}
	h.pendingMu.Unlock()
}

// Close detaches every endpoint without membership events.
func (h *Hub) Close() {
	h.mu.Lock()
	eps := slices.Collect(maps.Values(h.endpoints))
	h.endpoints = map[cluster.MemberID]*InProcess{}
	h.order = nil
	h.mu.Unlock()

	for _, ep := range eps {
		ep.inbox.close()
	}
}

func (h *Hub) add() {
	h.pendingMu.Lock()
	h.pending++
	h.pendingMu.Unlock()
}

func (h *Hub) done() {
	h.pendingMu.Lock()

	h.pending--
	if h.pending == 0 {
		h.pendingCv.Broadcast()
	}

	h.pendingMu.Unlock()
}

// enqueue fans a membership event out to every receiver of ep.
func (h *Hub) enqueue(ep *InProcess, fn func(ctx context.Context, r Receiver)) {
	h.add()

	ok := ep.inbox.push(func() {
		for _, r := range ep.snapshotReceivers() {
			fn(context.Background(), r)
		}
	})
	if !ok {
		h.done()
	}
}

func (h *Hub) lookup(id cluster.MemberID) (*InProcess, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ep, ok := h.endpoints[id]
	if !ok || h.down[id] {
		return nil, sentinel.ErrMemberUnreachable
	}

	return ep, nil
}

// InProcess is one hub endpoint. It implements Transport.
type InProcess struct {
	hub     *Hub
	local   cluster.Member
	inbox   *inbox
	members *cluster.Membership

	mu        sync.RWMutex
	receivers map[string]Receiver
	// parked holds messages that arrived for a map context before it was subscribed.
	parked map[string][]*wire.Message
}

// maxParked caps the messages kept per unsubscribed map context.
const maxParked = 1024

// LocalMember implements Transport.
func (t *InProcess) LocalMember() cluster.Member { return t.local }

// Members implements Transport.
func (t *InProcess) Members() []cluster.Member { return t.members.Members() }

// Subscribe implements Transport. Messages that arrived for mapContext before the
// subscription are delivered first, in arrival order.
func (t *InProcess) Subscribe(mapContext string, r Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.receivers[mapContext]; ok {
		return ewrap.Wrap(sentinel.ErrContextInUse, mapContext)
	}

	t.receivers[mapContext] = r

	for _, msg := range t.parked[mapContext] {
		t.hub.add()

		if !t.inbox.push(func() { t.dispatch(r, msg) }) {
			t.hub.done()
		}
	}

	delete(t.parked, mapContext)

	return nil
}

// Unsubscribe implements Transport.
func (t *InProcess) Unsubscribe(mapContext string) {
	t.mu.Lock()
	delete(t.receivers, mapContext)
	t.mu.Unlock()
}

func (t *InProcess) snapshotReceivers() []Receiver {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return slices.Collect(maps.Values(t.receivers))
}

// Send implements Transport. Delivery is asynchronous; a target counts as reached
// once its endpoint accepted the frame. Ack is ignored.
func (t *InProcess) Send(ctx context.Context, targets []cluster.Member, msg *wire.Message, _ SendOptions) error {
	if err := ctx.Err(); err != nil {
		return ewrap.Wrap(err, "send")
	}

	frame, err := t.hub.frames.Encode(msg)
	if err != nil {
		return err
	}

	var faulty []FaultyMember

	for _, target := range targets {
		ep, err := t.hub.lookup(target.ID)
		if err != nil {
			faulty = append(faulty, FaultyMember{Member: target, Cause: err})

			continue
		}

		t.hub.add()

		if !ep.inbox.push(func() { ep.deliver(frame) }) {
			t.hub.done()

			faulty = append(faulty, FaultyMember{Member: target, Cause: sentinel.ErrTransportClosed})
		}
	}

	return NewChannelError(faulty)
}

func (t *InProcess) deliver(frame []byte) {
	msg, err := t.hub.frames.Decode(frame)
	if err != nil {
		t.hub.logger.Printf("inprocess %s: drop frame: %v", t.local, err)

		return
	}

	r, ok := t.receiverOrPark(msg)
	if !ok {
		return
	}

	t.dispatch(r, msg)
}

// receiverOrPark returns the receiver for msg, or parks msg until one subscribes.
func (t *InProcess) receiverOrPark(msg *wire.Message) (Receiver, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.receivers[msg.Context]; ok {
		return r, true
	}

	if len(t.parked[msg.Context]) >= maxParked {
		t.hub.logger.Printf("inprocess %s: %v %q, dropping %s", t.local, sentinel.ErrUnknownContext, msg.Context, msg.Kind)

		return nil, false
	}

	t.parked[msg.Context] = append(t.parked[msg.Context], msg)

	return nil, false
}

func (t *InProcess) dispatch(r Receiver, msg *wire.Message) {
	err := r.OnMessage(context.Background(), msg)
	if err != nil {
		t.hub.logger.Printf("inprocess %s: apply %s from %s: %v", t.local, msg.Kind, msg.Sender, err)
	}
}

var _ Transport = (*InProcess)(nil)
