package cluster

import (
	"encoding/hex"
	"net"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/hyp3rd/ewrap"
)

// MemberState represents the liveness of a member as seen by a heartbeat-driven transport.
type MemberState int

// Member state enumeration.
const (
	MemberAlive MemberState = iota
	MemberSuspect
	MemberDead
)

// internal constants.
const (
	memberIDBytes = 8
	byteShift     = 8 // bits per byte for id derivation
)

func (s MemberState) String() string {
	switch s {
	case MemberAlive:
		return "alive"
	case MemberSuspect:
		return "suspect"
	case MemberDead:
		return "dead"
	}

	return "unknown"
}

// MemberID is a stable identifier for a member.
type MemberID string

// Member is a peer taking part in replication. Members are comparable with ==.
// Host and Port are carried for diagnostics and for transports that dial peers.
type Member struct {
	ID   MemberID `json:"id"   msgpack:"id"`
	Host string   `json:"host" msgpack:"host"`
	Port int      `json:"port" msgpack:"port"`
}

// ErrInvalidAddress is returned when the member address is invalid.
var ErrInvalidAddress = ewrap.New("invalid member address")

// NewMember creates a member for host:port. If id is empty, a short hex id is derived from the address using xxhash64.
func NewMember(id, host string, port int) Member {
	if id == "" {
		id = DeriveID(net.JoinHostPort(host, strconv.Itoa(port)))
	}

	return Member{ID: MemberID(id), Host: host, Port: port}
}

// ParseMember creates a member from a host:port address.
func ParseMember(id, addr string) (Member, error) {
	host, portRaw, err := net.SplitHostPort(addr)
	if err != nil {
		return Member{}, ewrap.Wrap(ErrInvalidAddress, err.Error())
	}

	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return Member{}, ewrap.Wrapf(ErrInvalidAddress, "port %q", portRaw)
	}

	return NewMember(id, host, port), nil
}

// DeriveID hashes an address into a 16 char hex identifier.
func DeriveID(addr string) string {
	hv := xxhash.Sum64String(addr)

	b := make([]byte, memberIDBytes)
	for i := range memberIDBytes {
		b[i] = byte(hv >> (byteShift * i))
	}

	return hex.EncodeToString(b)
}

// Address returns host:port.
func (m Member) Address() string { return net.JoinHostPort(m.Host, strconv.Itoa(m.Port)) }

// IsZero reports whether m is the zero member, used to mean "no member".
func (m Member) IsZero() bool { return m == (Member{}) }

func (m Member) String() string {
	if m.IsZero() {
		return "<none>"
	}

	return string(m.ID) + "@" + m.Address()
}

// Validate basic fields.
func (m Member) Validate() error {
	if m.ID == "" {
		return ewrap.Wrap(ErrInvalidAddress, "empty id")
	}

	if m.Host == "" || m.Port <= 0 {
		return ewrap.Wrapf(ErrInvalidAddress, "%s", m.Address())
	}

	return nil
}

// Contains reports whether member is in set.
func Contains(set []Member, member Member) bool {
	for _, m := range set {
		if m == member {
			return true
		}
	}

	return false
}

// Exclude returns a copy of set without any of the given members.
func Exclude(set []Member, exclude ...Member) []Member {
	out := make([]Member, 0, len(set))

	for _, m := range set {
		if !Contains(exclude, m) {
			out = append(out, m)
		}
	}

	return out
}
