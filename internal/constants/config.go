// Package constants defines default configuration values shared by the
// replimap engine, its transports and the node binary.
package constants

import "time"

const (
	// DefaultSendTimeout bounds one send to one member. Unreachable peers must fail
	// fast enough for a single-backup ring walk to finish in bounded time.
	DefaultSendTimeout = 2 * time.Second
	// DefaultStateTransferTimeout is how long Start waits for a state snapshot.
	DefaultStateTransferTimeout = 5 * time.Second
	// DefaultHeartbeatInterval is the peer probe period of heartbeat-driven transports.
	DefaultHeartbeatInterval = time.Second
	// DefaultSuspectAfter marks a peer suspect once it has been silent this long.
	DefaultSuspectAfter = 3 * time.Second
	// DefaultDeadAfter removes a peer from membership once it has been silent this long.
	DefaultDeadAfter = 10 * time.Second
	// DefaultHTTPReadTimeout is the read timeout of fiber servers.
	DefaultHTTPReadTimeout = 5 * time.Second
	// DefaultHTTPWriteTimeout is the write timeout of fiber servers.
	DefaultHTTPWriteTimeout = 5 * time.Second
	// DefaultCompressionThreshold is the frame size from which snappy kicks in when enabled.
	DefaultCompressionThreshold = 1024
	// DefaultMapName is the map context used by the node binary.
	DefaultMapName = "replimap"
	// SingleBackupStrategy is the configuration name of the single-backup strategy.
	SingleBackupStrategy = "single-backup"
	// FullMeshStrategy is the configuration name of the full-mesh strategy.
	FullMeshStrategy = "full-mesh"
	// HTTPTransport is the configuration name of the HTTP transport.
	HTTPTransport = "http"
	// RedisTransport is the configuration name of the Redis pub/sub transport.
	RedisTransport = "redis"
)
