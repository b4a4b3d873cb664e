package serializer

import (
	"github.com/shamaton/msgpack/v2"

	"github.com/hyp3rd/ewrap"
)

// MsgpackSerializer leverages `msgpack` to serialize keys, values and frames.
// Channels and functions are rejected, which is what the engine relies on to detect
// values that cannot leave the process.
type MsgpackSerializer struct{}

// Marshal serializes the given value into a byte slice.
func (*MsgpackSerializer) Marshal(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to marshal msgpack")
	}

	return data, nil
}

// Unmarshal deserializes the given byte slice into v.
func (*MsgpackSerializer) Unmarshal(data []byte, v any) error {
	err := msgpack.Unmarshal(data, v)
	if err != nil {
		return ewrap.Wrap(err, "failed to unmarshal msgpack")
	}

	return nil
}
