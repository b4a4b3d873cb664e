package serializer

import (
	"github.com/goccy/go-json"

	"github.com/hyp3rd/ewrap"
)

// JSONSerializer encodes with goccy/go-json. Readable, but it cannot round-trip []byte map keys or
// unexported state, so it is mostly useful for debugging peers.
type JSONSerializer struct{}

// Marshal serializes the given value into a byte slice.
func (*JSONSerializer) Marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to marshal json")
	}

	return data, nil
}

// Unmarshal deserializes the given byte slice into v.
func (*JSONSerializer) Unmarshal(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err != nil {
		return ewrap.Wrap(err, "failed to unmarshal json")
	}

	return nil
}
