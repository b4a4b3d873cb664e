package replimap

import "sync/atomic"

// metrics holds the engine counters. All fields are updated atomically.
type metrics struct {
	puts                atomic.Int64
	removes             atomic.Int64
	gets                atomic.Int64
	getHits             atomic.Int64
	backupsSent         atomic.Int64
	proxiesSent         atomic.Int64
	copiesSent          atomic.Int64
	notifiesSent        atomic.Int64
	removesSent         atomic.Int64
	accessSent          atomic.Int64
	sendFailures        atomic.Int64
	serializationSkips  atomic.Int64
	messagesReceived    atomic.Int64
	applyErrors         atomic.Int64
	promotions          atomic.Int64
	membersAdded        atomic.Int64
	membersRemoved      atomic.Int64
	stateTransfers      atomic.Int64
	stateRequestsServed atomic.Int64
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	Puts                int64  `json:"puts"`
	Removes             int64  `json:"removes"`
	Gets                int64  `json:"gets"`
	GetHits             int64  `json:"get_hits"`
	BackupsSent         int64  `json:"backups_sent"`
	ProxiesSent         int64  `json:"proxies_sent"`
	CopiesSent          int64  `json:"copies_sent"`
	NotifiesSent        int64  `json:"notifies_sent"`
	RemovesSent         int64  `json:"removes_sent"`
	AccessSent          int64  `json:"access_sent"`
	SendFailures        int64  `json:"send_failures"`
	SerializationSkips  int64  `json:"serialization_skips"`
	MessagesReceived    int64  `json:"messages_received"`
	ApplyErrors         int64  `json:"apply_errors"`
	Promotions          int64  `json:"promotions"`
	MembersAdded        int64  `json:"members_added"`
	MembersRemoved      int64  `json:"members_removed"`
	StateTransfers      int64  `json:"state_transfers"`
	StateRequestsServed int64  `json:"state_requests_served"`
	Entries             int    `json:"entries"`
	Members             int    `json:"members"`
	MembershipVersion   uint64 `json:"membership_version"`
}

// Stats returns a snapshot of the engine counters.
func (m *Map[K, V]) Stats() Stats {
	m.mu.RLock()
	entries := len(m.entries)
	members := m.tracker.Len()
	version := m.tracker.Version()
	m.mu.RUnlock()

	return Stats{
		Puts:                m.metrics.puts.Load(),
		Removes:             m.metrics.removes.Load(),
		Gets:                m.metrics.gets.Load(),
		GetHits:             m.metrics.getHits.Load(),
		BackupsSent:         m.metrics.backupsSent.Load(),
		ProxiesSent:         m.metrics.proxiesSent.Load(),
		CopiesSent:          m.metrics.copiesSent.Load(),
		NotifiesSent:        m.metrics.notifiesSent.Load(),
		RemovesSent:         m.metrics.removesSent.Load(),
		AccessSent:          m.metrics.accessSent.Load(),
		SendFailures:        m.metrics.sendFailures.Load(),
		SerializationSkips:  m.metrics.serializationSkips.Load(),
		MessagesReceived:    m.metrics.messagesReceived.Load(),
		ApplyErrors:         m.metrics.applyErrors.Load(),
		Promotions:          m.metrics.promotions.Load(),
		MembersAdded:        m.metrics.membersAdded.Load(),
		MembersRemoved:      m.metrics.membersRemoved.Load(),
		StateTransfers:      m.metrics.stateTransfers.Load(),
		StateRequestsServed: m.metrics.stateRequestsServed.Load(),
		Entries:             entries,
		Members:             members,
		MembershipVersion:   version,
	}
}
