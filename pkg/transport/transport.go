// Package transport defines the group-communication contract the replication engine
// consumes and ships an in-process hub and an HTTP implementation of it.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hyp3rd/replimap/internal/sentinel"
	"github.com/hyp3rd/replimap/pkg/cluster"
	"github.com/hyp3rd/replimap/pkg/wire"
)

// SendOptions are passed through to the transport on every send.
type SendOptions struct {
	// Ack asks the transport to wait until the receiver applied the message,
	// reporting apply failures as ErrRemoteProcess.
	Ack bool
	// Timeout bounds one send to one member. Zero uses the transport default.
	Timeout time.Duration
}

// Receiver is implemented by whatever consumes messages for one map context.
// Calls for a given transport endpoint are delivered from a single goroutine.
type Receiver interface {
	OnMessage(ctx context.Context, msg *wire.Message) error
	OnMemberAdded(ctx context.Context, member cluster.Member)
	OnMemberRemoved(ctx context.Context, member cluster.Member)
}

// Transport delivers messages to a subset of members and reports membership changes.
type Transport interface {
	// Send delivers msg to every target. A partial or total failure is reported as a *ChannelError.
	Send(ctx context.Context, targets []cluster.Member, msg *wire.Message, opts SendOptions) error
	// Members returns the current peers, oldest first, never the local member.
	Members() []cluster.Member
	// LocalMember returns the member this transport speaks for.
	LocalMember() cluster.Member
	// Subscribe registers r for messages addressed to the named map context, and for membership events.
	Subscribe(mapContext string, r Receiver) error
	// Unsubscribe removes the receiver of the named map context.
	Unsubscribe(mapContext string)
}

// Logger is the logging surface transports use.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// FaultyMember describes one target a send could not be completed for.
type FaultyMember struct {
	Member cluster.Member
	Cause  error
}

// ChannelError aggregates per-target failures of one send.
type ChannelError struct {
	Faulty []FaultyMember
}

// NewChannelError returns nil when faulty is empty.
func NewChannelError(faulty []FaultyMember) error {
	if len(faulty) == 0 {
		return nil
	}

	return &ChannelError{Faulty: faulty}
}

func (e *ChannelError) Error() string {
	parts := make([]string, 0, len(e.Faulty))
	for _, f := range e.Faulty {
		parts = append(parts, f.Member.String()+": "+f.Cause.Error())
	}

	return "send failed for " + strings.Join(parts, "; ")
}

// Unwrap exposes the per-member causes to errors.Is.
func (e *ChannelError) Unwrap() []error {
	causes := make([]error, 0, len(e.Faulty))
	for _, f := range e.Faulty {
		causes = append(causes, f.Cause)
	}

	return causes
}

// Undelivered returns the members that did not receive the message.
// Members that received it but failed to apply it are not included.
func Undelivered(err error) []cluster.Member {
	var ce *ChannelError
	if !errors.As(err, &ce) {
		return nil
	}

	out := make([]cluster.Member, 0, len(ce.Faulty))
	for _, f := range ce.Faulty {
		if errors.Is(f.Cause, sentinel.ErrRemoteProcess) {
			continue
		}

		out = append(out, f.Member)
	}

	return out
}

// Delivered splits targets into the members that received a message, given the send error.
// Any error that is not a *ChannelError counts as a failure for every target.
func Delivered(targets []cluster.Member, err error) []cluster.Member {
	if err == nil {
		return targets
	}

	var ce *ChannelError
	if !errors.As(err, &ce) {
		return []cluster.Member{}
	}

	return cluster.Exclude(targets, Undelivered(err)...)
}
