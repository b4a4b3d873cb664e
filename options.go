package replimap

import (
	"time"

	"github.com/hyp3rd/replimap/internal/constants"
	"github.com/hyp3rd/replimap/pkg/transport"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// Logger describes a logging interface allowing to plug different external, or custom loggers.
// Tested with Uber's Zap through a small adapter, but any Printf-style logger matches.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

type config struct {
	strategy     Strategy
	codec        wire.Codec
	serializer   string
	logger       Logger
	owner        any
	sendOptions  transport.SendOptions
	stateTimeout time.Duration
}

func defaultConfig() config {
	return config{
		strategy:     SingleBackup,
		logger:       nopLogger{},
		stateTimeout: constants.DefaultStateTransferTimeout,
	}
}

// Option is a function type that can be used to configure a Map.
type Option func(*config)

// WithStrategy selects the replication strategy. It is fixed for the lifetime of the map.
func WithStrategy(strategy Strategy) Option {
	return func(c *config) { c.strategy = strategy }
}

// WithCodec sets the codec used for keys and values. Its refusal to encode a value is
// what makes a put skip replication. Defaults to msgpack.
func WithCodec(codec wire.Codec) Option {
	return func(c *config) { c.codec = codec }
}

// WithSerializer selects a codec by registry name (json, msgpack, cbor).
func WithSerializer(name string) Option {
	return func(c *config) { c.serializer = name }
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOwner registers the callback told about self-promotions. Its type parameters
// must match the map's.
func WithOwner[K comparable, V any](owner Owner[K, V]) Option {
	return func(c *config) { c.owner = owner }
}

// WithSendOptions sets the options passed to the transport on every send.
//
// With Ack set, each send waits until the receiver has applied the message. Membership
// handlers send NOTIFY while holding the map lock. If two members relocate keys at
// nearly the same moment, each one waits on the other, and neither proceeds until one
// send hits Timeout. Keep Timeout short when enabling Ack.
func WithSendOptions(opts transport.SendOptions) Option {
	return func(c *config) { c.sendOptions = opts }
}

// WithStateTransferTimeout bounds how long Start waits for the state snapshot.
func WithStateTransferTimeout(timeout time.Duration) Option {
	return func(c *config) {
		if timeout > 0 {
			c.stateTimeout = timeout
		}
	}
}
