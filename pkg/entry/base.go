package entry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Base implements the bookkeeping half of the contract: locking, ownership, versions,
// replication timestamps and access tracking. Embed it and add GetDiff/ApplyDiff/ResetDiff
// plus IsDirty/IsDiffable to get a full Replicated value.
//
// Tag the embedded field with `msgpack:"-" json:"-"` so serializers skip it.
type Base struct {
	mu             sync.Mutex
	owner          atomic.Value
	version        atomic.Int64
	lastReplicated atomic.Int64
	lastAccess     atomic.Int64
	accessEvery    time.Duration
}

// Lock acquires the value lock.
func (b *Base) Lock() { b.mu.Lock() }

// Unlock releases the value lock.
func (b *Base) Unlock() { b.mu.Unlock() }

type ownerBox struct{ owner any }

// SetOwner records the context the value was materialized in.
func (b *Base) SetOwner(owner any) { b.owner.Store(ownerBox{owner: owner}) }

// Owner returns what SetOwner recorded, or nil.
func (b *Base) Owner() any {
	box, ok := b.owner.Load().(ownerBox)
	if !ok {
		return nil
	}

	return box.owner
}

// GetVersion returns the version counter.
func (b *Base) GetVersion() int64 { return b.version.Load() }

// SetVersion sets the version counter.
func (b *Base) SetVersion(version int64) { b.version.Store(version) }

// GetLastTimeReplicated returns when the value was last replicated, zero if never.
func (b *Base) GetLastTimeReplicated() time.Time {
	ns := b.lastReplicated.Load()
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}

// SetLastTimeReplicated records a replication.
func (b *Base) SetLastTimeReplicated(t time.Time) { b.lastReplicated.Store(t.UnixNano()) }

// SetAccessInterval makes IsAccessReplicate report true once interval has passed
// since the last replication. Zero disables access replication.
func (b *Base) SetAccessInterval(interval time.Duration) { b.accessEvery = interval }

// IsAccessReplicate reports whether a liveness refresh is due.
func (b *Base) IsAccessReplicate() bool {
	if b.accessEvery <= 0 {
		return false
	}

	return time.Since(b.GetLastTimeReplicated()) > b.accessEvery
}

// AccessEntry records an access refresh received from the primary.
func (b *Base) AccessEntry() { b.lastAccess.Store(time.Now().UnixNano()) }

// LastAccess returns the time of the last AccessEntry call, zero if never.
func (b *Base) LastAccess() time.Time {
	ns := b.lastAccess.Load()
	if ns == 0 {
		return time.Time{}
	}

	return time.Unix(0, ns)
}
