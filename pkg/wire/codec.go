package wire

import (
	"github.com/golang/snappy"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/libs/serializer"
	"github.com/hyp3rd/replimap/internal/sentinel"
)

// Codec encodes keys and values. Any serializer from the registry satisfies it.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// NewCodec returns the named serializer from the default registry (json, msgpack, cbor).
func NewCodec(name string) (Codec, error) {
	s, err := serializer.New(name)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// DefaultCodec returns the msgpack codec.
func DefaultCodec() Codec { return &serializer.MsgpackSerializer{} }

// frame flags, first byte of every frame.
const (
	framePlain  byte = 0x00
	frameSnappy byte = 0x01
)

// FrameCodec turns messages into transport frames: one flag byte, then a msgpack body,
// optionally snappy-compressed when the body exceeds the threshold.
type FrameCodec struct {
	codec     Codec
	compress  bool
	threshold int
}

// FrameOption configures a FrameCodec.
type FrameOption func(*FrameCodec)

// WithCompression enables snappy for bodies of at least threshold bytes.
func WithCompression(threshold int) FrameOption {
	return func(fc *FrameCodec) {
		fc.compress = true
		fc.threshold = threshold
	}
}

// NewFrameCodec returns a frame codec over msgpack.
func NewFrameCodec(opts ...FrameOption) *FrameCodec {
	fc := &FrameCodec{codec: DefaultCodec()}
	for _, opt := range opts {
		opt(fc)
	}

	return fc
}

// Encode serializes msg into a frame.
func (fc *FrameCodec) Encode(msg *Message) ([]byte, error) {
	body, err := fc.codec.Marshal(msg)
	if err != nil {
		return nil, ewrap.Wrap(sentinel.ErrNotSerializable, err.Error())
	}

	if fc.compress && len(body) >= fc.threshold {
		out := make([]byte, 1, 1+snappy.MaxEncodedLen(len(body)))
		out[0] = frameSnappy

		return append(out, snappy.Encode(nil, body)...), nil
	}

	out := make([]byte, 0, 1+len(body))
	out = append(out, framePlain)

	return append(out, body...), nil
}

// Decode parses a frame produced by Encode.
func (fc *FrameCodec) Decode(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, ewrap.Wrap(sentinel.ErrDecode, "empty frame")
	}

	body := frame[1:]

	switch frame[0] {
	case framePlain:
	case frameSnappy:
		raw, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, ewrap.Wrap(sentinel.ErrDecode, err.Error())
		}

		body = raw
	default:
		return nil, ewrap.Wrapf(sentinel.ErrDecode, "frame flag %#x", frame[0])
	}

	var msg Message

	err := fc.codec.Unmarshal(body, &msg)
	if err != nil {
		return nil, ewrap.Wrap(sentinel.ErrDecode, err.Error())
	}

	return &msg, nil
}
