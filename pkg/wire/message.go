// Package wire defines the messages exchanged between replicated map instances
// and the frame codec transports use to move them.
package wire

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/hyp3rd/replimap/pkg/cluster"
)

// Kind discriminates replication messages.
type Kind uint8

// Message kinds.
const (
	// KindBackup pushes one key/value to the single chosen backup.
	KindBackup Kind = iota + 1
	// KindProxy tells a member where a key's primary and backup live, without the value.
	KindProxy
	// KindRemove removes a key from the receiver.
	KindRemove
	// KindState requests, or answers with, a single-backup map snapshot.
	KindState
	// KindStateCopy requests, or answers with, a full-mesh map snapshot.
	KindStateCopy
	// KindCopy pushes one key/value to every member.
	KindCopy
	// KindAccess refreshes a replica's access bookkeeping without shipping a value.
	KindAccess
	// KindNotifyMapMember announces a new primary and backup set for a key.
	KindNotifyMapMember
)

func (k Kind) String() string {
	switch k {
	case KindBackup:
		return "BACKUP"
	case KindProxy:
		return "PROXY"
	case KindRemove:
		return "REMOVE"
	case KindState:
		return "STATE"
	case KindStateCopy:
		return "STATE_COPY"
	case KindCopy:
		return "COPY"
	case KindAccess:
		return "ACCESS"
	case KindNotifyMapMember:
		return "NOTIFY_MAPMEMBER"
	}

	return "KIND(" + strconv.Itoa(int(k)) + ")"
}

// Message is the unit of replication. Key and Value hold codec-encoded bytes so the
// frame itself never depends on the map's Go types.
type Message struct {
	// ID correlates a state request with its response.
	ID string `msgpack:"id"`
	// Context names the map instance the message addresses.
	Context  string `msgpack:"ctx"`
	Kind     Kind   `msgpack:"kind"`
	Response bool   `msgpack:"resp"`
	// Diff marks Value as an incremental diff rather than a whole value.
	Diff    bool             `msgpack:"diff"`
	Key     []byte           `msgpack:"key"`
	Value   []byte           `msgpack:"value"`
	Sender  cluster.Member   `msgpack:"sender"`
	Primary cluster.Member   `msgpack:"primary"`
	Nodes   []cluster.Member `msgpack:"nodes"`
	Entries []EntryState     `msgpack:"entries"`
}

// EntryState is one entry of a state snapshot.
type EntryState struct {
	Key     []byte           `msgpack:"key"`
	Value   []byte           `msgpack:"value"`
	Primary cluster.Member   `msgpack:"primary"`
	Nodes   []cluster.Member `msgpack:"nodes"`
}

// NewMessage builds a message for the given map context.
func NewMessage(mapContext string, kind Kind, sender cluster.Member) *Message {
	return &Message{Context: mapContext, Kind: kind, Sender: sender}
}

// NewStateRequest builds a state request with a fresh correlation id.
func NewStateRequest(mapContext string, kind Kind, sender cluster.Member) *Message {
	msg := NewMessage(mapContext, kind, sender)
	msg.ID = uuid.NewString()

	return msg
}

// Reply builds the response to a state request.
func (m *Message) Reply(sender cluster.Member, entries []EntryState) *Message {
	return &Message{
		ID:       m.ID,
		Context:  m.Context,
		Kind:     m.Kind,
		Response: true,
		Sender:   sender,
		Entries:  entries,
	}
}

// IsStateKind reports whether the kind is part of the join handshake.
func (k Kind) IsStateKind() bool { return k == KindState || k == KindStateCopy }
