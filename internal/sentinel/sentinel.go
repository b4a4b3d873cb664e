// Package sentinel provides standardized error definitions for the replimap system.
// This package centralizes the error values shared by the engine, its transports
// and its configuration layer, so callers can match them with errors.Is.
//
// All errors are created using the ewrap package to provide enhanced error
// wrapping and context capabilities.
package sentinel

import (
	"github.com/hyp3rd/ewrap"
)

var (
	// ErrNotSerializable is returned when a key or value cannot be encoded for the wire.
	// The engine treats it as a silent skip on publish.
	ErrNotSerializable = ewrap.New("not serializable")

	// ErrAllTargetsFailed is returned when a fan-out could not reach any target.
	ErrAllTargetsFailed = ewrap.New("all replication targets failed")

	// ErrNoMembers is returned when an operation needs peers and none are known.
	ErrNoMembers = ewrap.New("no members")

	// ErrUnknownMessageKind is returned when an inbound message carries a kind the engine does not handle.
	ErrUnknownMessageKind = ewrap.New("unknown message kind")

	// ErrDecode is returned when an inbound key, value or frame cannot be decoded.
	ErrDecode = ewrap.New("decode failed")

	// ErrDiffWithoutBase is returned when a diff arrives for a key that holds no value to apply it to.
	ErrDiffWithoutBase = ewrap.New("diff received without a base value")

	// ErrNotDiffable is returned when a diff arrives for a value that does not implement diff application.
	ErrNotDiffable = ewrap.New("value is not diffable")

	// ErrMemberUnreachable is returned by transports when a target cannot be contacted.
	ErrMemberUnreachable = ewrap.New("member unreachable")

	// ErrRemoteProcess is returned when a peer received a message but failed to apply it.
	// Members failing with this cause still count as delivered.
	ErrRemoteProcess = ewrap.New("remote failed to process message")

	// ErrTransportClosed is returned when sending through a stopped transport.
	ErrTransportClosed = ewrap.New("transport closed")

	// ErrUnknownContext is returned when a message addresses a map context with no subscriber.
	ErrUnknownContext = ewrap.New("unknown map context")

	// ErrContextInUse is returned when subscribing a second receiver under the same map context.
	ErrContextInUse = ewrap.New("map context already subscribed")

	// ErrInvalidConfig is returned when configuration fails validation.
	ErrInvalidConfig = ewrap.New("invalid configuration")

	// ErrUnknownStrategy is returned when parsing a strategy name fails.
	ErrUnknownStrategy = ewrap.New("unknown replication strategy")

	// ErrParamCannotBeEmpty is returned when a parameter cannot be empty.
	ErrParamCannotBeEmpty = ewrap.New("param cannot be empty")

	// ErrSerializerNotFound is returned when a serializer is not found.
	ErrSerializerNotFound = ewrap.New("serializer not found")

	// ErrKeyNotFound is returned when a key is not found in the map.
	ErrKeyNotFound = ewrap.New("key not found")

	// ErrStateTransferTimeout is returned when the state snapshot does not arrive in time.
	ErrStateTransferTimeout = ewrap.New("state transfer timed out")

	// ErrMgmtHTTPShutdownTimeout is returned when the management HTTP server fails to shutdown before context deadline.
	ErrMgmtHTTPShutdownTimeout = ewrap.New("management http shutdown timeout")
)
