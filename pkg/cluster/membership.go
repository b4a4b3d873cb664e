// Package cluster contains primitives for member identity and the local
// membership view used by the replication engine and its transports.
package cluster

import (
	"slices"
	"strings"
	"sync"
	"time"
)

type memberRecord struct {
	member Member
	joined time.Time
	seq    uint64
}

// Membership tracks peers and the time each one joined. It never contains the local member.
// Snapshots are ordered by join time, oldest first, so every caller sees the same ring order.
type Membership struct {
	mu      sync.RWMutex
	members map[MemberID]memberRecord
	seq     uint64
	ver     MembershipVersion
}

// NewMembership creates an empty membership tracker.
func NewMembership() *Membership { return &Membership{members: map[MemberID]memberRecord{}} }

// Add records member as joined at the given time. Returns false if it was already known.
func (m *Membership) Add(member Member, joined time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.members[member.ID]; ok {
		return false
	}

	m.seq++
	m.members[member.ID] = memberRecord{member: member, joined: joined, seq: m.seq}
	m.ver.Next()

	return true
}

// Remove deletes a member. Returns true if removed.
func (m *Membership) Remove(member Member) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.members[member.ID]; !ok {
		return false
	}

	delete(m.members, member.ID)
	m.ver.Next()

	return true
}

// Contains reports whether member is tracked.
func (m *Membership) Contains(member Member) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.members[member.ID]

	return ok
}

// JoinedAt returns the join timestamp of member.
func (m *Membership) JoinedAt(member Member) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.members[member.ID]

	return rec.joined, ok
}

// Members returns a snapshot ordered by join time, then insertion order, then id.
func (m *Membership) Members() []Member {
	m.mu.RLock()

	recs := make([]memberRecord, 0, len(m.members))
	for _, rec := range m.members {
		recs = append(recs, rec)
	}

	m.mu.RUnlock()

	slices.SortFunc(recs, func(a, b memberRecord) int {
		if c := a.joined.Compare(b.joined); c != 0 {
			return c
		}

		if a.seq != b.seq {
			if a.seq < b.seq {
				return -1
			}

			return 1
		}

		return strings.Compare(string(a.member.ID), string(b.member.ID))
	})

	out := make([]Member, len(recs))
	for i, rec := range recs {
		out[i] = rec.member
	}

	return out
}

// Oldest returns the member that joined first.
func (m *Membership) Oldest() (Member, bool) {
	members := m.Members()
	if len(members) == 0 {
		return Member{}, false
	}

	return members[0], true
}

// Len returns the number of tracked members.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.members)
}

// Version returns current membership version.
func (m *Membership) Version() uint64 { return m.ver.Get() }
