package entry

import (
	"maps"
	"sync/atomic"

	"github.com/hyp3rd/ewrap"
	"github.com/shamaton/msgpack/v2"
)

// AttrOp is one recorded mutation of an Attributes value.
type AttrOp struct {
	Name   string `json:"name"   msgpack:"n"`
	Value  string `json:"value"  msgpack:"v"`
	Remove bool   `json:"remove" msgpack:"r"`
}

// Attributes is a string attribute bag that replicates as a log of operations
// since the last replication. It is the shape of a typical session payload.
type Attributes struct {
	Base `json:"-" msgpack:"-"`

	Values map[string]string `json:"values" msgpack:"values"`

	pending []AttrOp
	dirty   atomic.Bool
	whole   atomic.Bool
}

// NewAttributes returns an empty attribute bag.
func NewAttributes() *Attributes { return &Attributes{Values: map[string]string{}} }

// Set stores an attribute and records the change.
func (a *Attributes) Set(name, value string) {
	a.Lock()
	defer a.Unlock()

	if a.Values == nil {
		a.Values = map[string]string{}
	}

	a.Values[name] = value
	a.pending = append(a.pending, AttrOp{Name: name, Value: value})
	a.dirty.Store(true)
}

// Delete removes an attribute and records the change.
func (a *Attributes) Delete(name string) {
	a.Lock()
	defer a.Unlock()

	delete(a.Values, name)
	a.pending = append(a.pending, AttrOp{Name: name, Remove: true})
	a.dirty.Store(true)
}

// Get returns one attribute.
func (a *Attributes) Get(name string) (string, bool) {
	a.Lock()
	defer a.Unlock()

	v, ok := a.Values[name]

	return v, ok
}

// Snapshot returns a copy of all attributes.
func (a *Attributes) Snapshot() map[string]string {
	a.Lock()
	defer a.Unlock()

	return maps.Clone(a.Values)
}

// ForceWhole makes the next replication ship the whole value instead of a diff.
func (a *Attributes) ForceWhole(whole bool) { a.whole.Store(whole) }

// IsDirty reports pending changes.
func (a *Attributes) IsDirty() bool { return a.dirty.Load() }

// IsDiffable reports whether diffs are shipped.
func (a *Attributes) IsDiffable() bool { return !a.whole.Load() }

// GetDiff encodes the pending operations. Caller holds the lock.
func (a *Attributes) GetDiff() ([]byte, error) {
	data, err := msgpack.Marshal(a.pending)
	if err != nil {
		return nil, ewrap.Wrap(err, "encode attribute diff")
	}

	return data, nil
}

// ApplyDiff replays remote operations. Caller holds the lock.
func (a *Attributes) ApplyDiff(diff []byte) error {
	var ops []AttrOp

	err := msgpack.Unmarshal(diff, &ops)
	if err != nil {
		return ewrap.Wrap(err, "decode attribute diff")
	}

	if a.Values == nil {
		a.Values = map[string]string{}
	}

	for _, op := range ops {
		if op.Remove {
			delete(a.Values, op.Name)

			continue
		}

		a.Values[op.Name] = op.Value
	}

	return nil
}

// ResetDiff drops the recorded operations. Caller holds the lock.
func (a *Attributes) ResetDiff() {
	a.pending = nil
	a.dirty.Store(false)
}

var _ Replicated = (*Attributes)(nil)
