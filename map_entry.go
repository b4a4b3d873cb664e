package replimap

import (
	"slices"
	"sync"

	"github.com/hyp3rd/replimap/pkg/cluster"
)

// mapEntry is the per-key record. Its fields are guarded by mu; the entry set itself is
// guarded by the map lock, which is always taken first.
type mapEntry[K comparable, V any] struct {
	mu sync.Mutex

	key      K
	value    V
	hasValue bool

	// primary is the member owning writes; zero means orphaned.
	primary   cluster.Member
	isPrimary bool
	isBackup  bool
	isProxy   bool
	isCopy    bool

	backupNodes []cluster.Member
	// proxyNodes are the members last told where this key lives.
	proxyNodes []cluster.Member
	// forceComplete makes the next Replicate ship the whole value, set when the backup
	// set grew and the new members hold no base for a diff.
	forceComplete bool
}

func newMapEntry[K comparable, V any](key K) *mapEntry[K, V] {
	return &mapEntry[K, V]{key: key}
}

func (e *mapEntry[K, V]) makePrimary(local cluster.Member) {
	e.primary = local
	e.isPrimary = true
	e.isBackup = false
	e.isProxy = false
	e.isCopy = false
}

func (e *mapEntry[K, V]) info() EntryInfo {
	return EntryInfo{
		Primary:     e.primary,
		IsPrimary:   e.isPrimary,
		IsBackup:    e.isBackup,
		IsProxy:     e.isProxy,
		IsCopy:      e.isCopy,
		HasValue:    e.hasValue,
		BackupNodes: slices.Clone(e.backupNodes),
	}
}

// EntryInfo is a snapshot of an entry's ownership state.
type EntryInfo struct {
	Primary     cluster.Member   `json:"primary"`
	IsPrimary   bool             `json:"is_primary"`
	IsBackup    bool             `json:"is_backup"`
	IsProxy     bool             `json:"is_proxy"`
	IsCopy      bool             `json:"is_copy"`
	HasValue    bool             `json:"has_value"`
	BackupNodes []cluster.Member `json:"backup_nodes"`
}
