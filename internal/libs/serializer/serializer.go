// Package serializer provides the codecs used to turn keys, values and wire frames
// into bytes. A small registry maps configuration names to constructors.
package serializer

import (
	"slices"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/replimap/internal/sentinel"
)

// Serializer names understood by the default registry.
const (
	JSON    = "json"
	Msgpack = "msgpack"
	CBOR    = "cbor"
	// Default is the serializer used when none is configured.
	Default = Msgpack
)

// ISerializer is the interface that wraps the basic serializer methods.
type ISerializer interface {
	// Marshal serializes the given value into a byte slice.
	Marshal(v any) ([]byte, error)
	// Unmarshal deserializes the given byte slice into the value pointed to by v.
	Unmarshal(data []byte, v any) error
}

// Registry manages serializer constructors.
type Registry struct {
	serializers map[string]func() ISerializer
}

func getDefaultSerializers() map[string]func() ISerializer {
	return map[string]func() ISerializer{
		JSON:    func() ISerializer { return &JSONSerializer{} },
		Msgpack: func() ISerializer { return &MsgpackSerializer{} },
		CBOR:    func() ISerializer { return NewCBORSerializer() },
	}
}

// NewSerializerRegistry creates a new serializer registry with default serializers pre-registered.
func NewSerializerRegistry() *Registry {
	registry := &Registry{
		serializers: make(map[string]func() ISerializer),
	}

	for name, createFunc := range getDefaultSerializers() {
		registry.Register(name, createFunc)
	}

	return registry
}

// Register registers a new serializer with the given name.
func (r *Registry) Register(serializerType string, createFunc func() ISerializer) {
	r.serializers[serializerType] = createFunc
}

// Names returns the registered serializer names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.serializers))
	for name := range r.serializers {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

// New returns a new serializer based on the serializerType.
func (r *Registry) New(serializerType string) (ISerializer, error) {
	if serializerType == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "serializerType")
	}

	createFunc, ok := r.serializers[serializerType]
	if !ok {
		return nil, ewrap.Wrap(sentinel.ErrSerializerNotFound, serializerType)
	}

	return createFunc(), nil
}

// New returns a serializer from the default registry.
func New(serializerType string) (ISerializer, error) {
	return NewSerializerRegistry().New(serializerType)
}
