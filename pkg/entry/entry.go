// Package entry defines the contract a map value may implement to take part in
// differential replication, plus reusable building blocks for such values.
//
// Values that implement none of these interfaces are always shipped whole.
package entry

import "time"

// Diffable values can ship incremental changes instead of their whole state.
//
// The engine calls Lock before GetDiff/ResetDiff and before ApplyDiff, and always
// releases it, so application mutation and replication never interleave.
type Diffable interface {
	// IsDirty reports whether the value changed since the last successful replication.
	IsDirty() bool
	// IsDiffable reports whether diffs should be shipped. A value may return false
	// to force a whole-value replication.
	IsDiffable() bool
	Lock()
	Unlock()
	// GetDiff returns the changes since the last ResetDiff.
	GetDiff() ([]byte, error)
	// ApplyDiff applies a diff produced by a remote GetDiff.
	ApplyDiff(diff []byte) error
	// ResetDiff clears dirty state after a successful replication.
	ResetDiff()
}

// Owned values are told about the context they were materialized in on a replica.
type Owned interface {
	SetOwner(owner any)
}

// Versioned values carry bookkeeping the engine maintains but never consults.
type Versioned interface {
	GetVersion() int64
	SetVersion(version int64)
	GetLastTimeReplicated() time.Time
	SetLastTimeReplicated(t time.Time)
}

// AccessReplicated values may ask for a liveness refresh even without a change.
type AccessReplicated interface {
	IsAccessReplicate() bool
	AccessEntry()
}

// Replicated is the full contract.
type Replicated interface {
	Diffable
	Owned
	Versioned
	AccessReplicated
}

// AsDiffable returns v as Diffable when it implements the interface and opts in.
func AsDiffable(v any) (Diffable, bool) {
	d, ok := v.(Diffable)
	if !ok || !d.IsDiffable() {
		return nil, false
	}

	return d, true
}

// IsDirty reports whether v is a Diffable with pending changes.
func IsDirty(v any) bool {
	d, ok := v.(Diffable)

	return ok && d.IsDirty()
}
