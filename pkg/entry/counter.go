package entry

import (
	"sync/atomic"

	"github.com/hyp3rd/ewrap"
	"github.com/shamaton/msgpack/v2"
)

// Counter is a replicated int64 whose diff is the delta accumulated since the last
// replication, so concurrent increments on the primary are never shipped twice.
type Counter struct {
	Base `json:"-" msgpack:"-"`

	Value int64 `json:"value" msgpack:"value"`

	delta int64
	dirty atomic.Bool
}

// NewCounter returns a counter starting at initial.
func NewCounter(initial int64) *Counter { return &Counter{Value: initial} }

// Add increments the counter by n.
func (c *Counter) Add(n int64) {
	c.Lock()
	defer c.Unlock()

	c.Value += n
	c.delta += n
	c.dirty.Store(true)
}

// Load returns the current value.
func (c *Counter) Load() int64 {
	c.Lock()
	defer c.Unlock()

	return c.Value
}

// IsDirty reports pending increments.
func (c *Counter) IsDirty() bool { return c.dirty.Load() }

// IsDiffable always holds: a delta is all a replica needs.
func (*Counter) IsDiffable() bool { return true }

// GetDiff encodes the pending delta. Caller holds the lock.
func (c *Counter) GetDiff() ([]byte, error) {
	data, err := msgpack.Marshal(c.delta)
	if err != nil {
		return nil, ewrap.Wrap(err, "encode counter delta")
	}

	return data, nil
}

// ApplyDiff adds a remote delta. Caller holds the lock.
func (c *Counter) ApplyDiff(diff []byte) error {
	var delta int64

	err := msgpack.Unmarshal(diff, &delta)
	if err != nil {
		return ewrap.Wrap(err, "decode counter delta")
	}

	c.Value += delta

	return nil
}

// ResetDiff drops the pending delta. Caller holds the lock.
func (c *Counter) ResetDiff() {
	c.delta = 0
	c.dirty.Store(false)
}

var _ Replicated = (*Counter)(nil)
