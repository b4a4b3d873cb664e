package replimap

import (
	"context"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/constants"
	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// Strategy selects how a map replicates its entries.
type Strategy int

const (
	// SingleBackup keeps exactly one backup per key, picked round-robin, and tells every
	// other member where the key lives.
	SingleBackup Strategy = iota + 1
	// FullMesh copies every key to every member. Surviving copies promote themselves
	// when the primary leaves.
	FullMesh
)

func (s Strategy) String() string {
	switch s {
	case SingleBackup:
		return constants.SingleBackupStrategy
	case FullMesh:
		return constants.FullMeshStrategy
	}

	return "unknown"
}

// ParseStrategy maps a configuration name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case constants.SingleBackupStrategy:
		return SingleBackup, nil
	case constants.FullMeshStrategy:
		return FullMesh, nil
	}

	return 0, ewrap.Wrap(sentinel.ErrUnknownStrategy, name)
}

// outbound is an encoded key plus either a whole value or a diff.
type outbound struct {
	key   []byte
	value []byte
	diff  bool
}

type promotion[K comparable, V any] struct {
	key   K
	value V
}

// replicator is the per-strategy policy. memberAdded and memberRemoved run with the
// map lock held for their whole duration.
type replicator[K comparable, V any] interface {
	// publish sends out to the chosen members and returns who now holds a copy, and
	// who was told where it lives.
	publish(ctx context.Context, out outbound, members []cluster.Member) (backups, proxies []cluster.Member, err error)
	removeTargets(e *mapEntry[K, V], members []cluster.Member) []cluster.Member
	replicateKind() wire.Kind
	stateKind() wire.Kind
	snapshotKind() wire.Kind
	memberAdded(ctx context.Context, member cluster.Member)
	memberRemoved(ctx context.Context, member cluster.Member) []promotion[K, V]
}

func newReplicator[K comparable, V any](strategy Strategy, m *Map[K, V]) (replicator[K, V], error) {
	switch strategy {
	case SingleBackup:
		return &singleBackup[K, V]{m: m}, nil
	case FullMesh:
		return &fullMesh[K, V]{m: m}, nil
	}

	return nil, ewrap.Wrapf(sentinel.ErrUnknownStrategy, "%d", int(strategy))
}
