package messaging

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a closed channel.
var ErrClosed = errors.New("channel closed")

// Handler processes one delivery. Returning an error asks the channel to
// redeliver the message later; delivery is at-least-once, so handlers must be
// idempotent.
type Handler func(ctx context.Context, subject string, env Envelope) error

// Subscription is a registered handler.
type Subscription interface {
	Unsubscribe() error
}

// Channel is an asynchronous at-least-once transport.
type Channel interface {
	// Publish sends env on subject. A nil error means the channel accepted
	// the message, not that anyone handled it.
	Publish(ctx context.Context, subject string, env Envelope) error

	// Subscribe registers h for subject. The pattern may use "*" for one
	// token and ">" for the remaining tokens. Durable names a consumer that
	// survives restarts where the transport supports it.
	Subscribe(ctx context.Context, subject, durable string, h Handler) (Subscription, error)

	Close() error
}

// PublishPayload wraps payload in an envelope and publishes it.
func PublishPayload(ctx context.Context, ch Channel, subject string, kind Kind, correlationID string, payload any) error {
	env, err := NewEnvelope(kind, correlationID, payload)
	if err != nil {
		return err
	}
	return ch.Publish(ctx, subject, env)
}

// MatchSubject reports whether subject matches a dot-separated pattern.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
