package replimap

import (
	"sync"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/entry"
)

// encodeWhole encodes key and the whole value for a publish. The value's pending
// changes are cleared in the same locked section as the encode.
func (m *Map[K, V]) encodeWhole(key K, value V) (outbound, error) {
	rawKey, err := m.codec.Marshal(key)
	if err != nil {
		return outbound{}, ewrap.Wrap(sentinel.ErrNotSerializable, err.Error())
	}

	rawValue, err := m.encodeValue(value, true)
	if err != nil {
		return outbound{}, err
	}

	return outbound{key: rawKey, value: rawValue}, nil
}

// encodeValue holds the value's own lock, when it has one, while encoding. With reset,
// a diffable value's pending changes are cleared before the lock is released, so a
// mutation is either in the encoded bytes or still pending.
func (m *Map[K, V]) encodeValue(value V, reset bool) ([]byte, error) {
	if l, ok := any(value).(sync.Locker); ok {
		l.Lock()
		defer l.Unlock()
	}

	raw, err := m.codec.Marshal(value)
	if err != nil {
		return nil, ewrap.Wrap(sentinel.ErrNotSerializable, err.Error())
	}

	if d, ok := any(value).(entry.Diffable); ok && reset {
		d.ResetDiff()
	}

	return raw, nil
}

func (m *Map[K, V]) decodeKey(raw []byte) (K, error) {
	var key K

	err := m.codec.Unmarshal(raw, &key)
	if err != nil {
		return key, ewrap.Wrapf(sentinel.ErrDecode, "key: %v", err)
	}

	return key, nil
}

func (m *Map[K, V]) decodeValue(raw []byte) (V, error) {
	var value V

	err := m.codec.Unmarshal(raw, &value)
	if err != nil {
		return value, ewrap.Wrapf(sentinel.ErrDecode, "value: %v", err)
	}

	return value, nil
}
