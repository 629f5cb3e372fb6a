package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRequestTimeout is returned when no reply arrived in time.
var ErrRequestTimeout = errors.New("request timed out")

// Requester runs request/await-with-timeout exchanges over a Channel. Replies
// arrive on one reply subject and are matched to waiting callers by
// correlation id. The call never blocks the transport: the reply handler only
// hands the envelope to the waiting goroutine.
type Requester struct {
	ch           Channel
	replySubject string
	sub          Subscription

	mu      sync.Mutex
	pending map[string]chan Envelope
}

// NewRequester subscribes to replySubject.
func NewRequester(ctx context.Context, ch Channel, replySubject, durable string) (*Requester, error) {
	r := &Requester{
		ch:           ch,
		replySubject: replySubject,
		pending:      make(map[string]chan Envelope),
	}
	sub, err := ch.Subscribe(ctx, replySubject, durable, r.onReply)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", replySubject, err)
	}
	r.sub = sub
	return r, nil
}

// Request publishes payload on subject and waits for the reply carrying the
// same correlation id.
func (r *Requester) Request(ctx context.Context, subject string, kind Kind, correlationID string, payload any, timeout time.Duration) (Envelope, error) {
	wait := make(chan Envelope, 1)
	r.mu.Lock()
	if _, dup := r.pending[correlationID]; dup {
		r.mu.Unlock()
		return Envelope{}, fmt.Errorf("request %s already in flight", correlationID)
	}
	r.pending[correlationID] = wait
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, correlationID)
		r.mu.Unlock()
	}()

	if err := PublishPayload(ctx, r.ch, subject, kind, correlationID, payload); err != nil {
		return Envelope{}, fmt.Errorf("publishing %s: %w", kind, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-wait:
		return env, nil
	case <-timer.C:
		return Envelope{}, fmt.Errorf("%w: no reply to %s %s within %s", ErrRequestTimeout, kind, correlationID, timeout)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

func (r *Requester) onReply(_ context.Context, _ string, env Envelope) error {
	r.mu.Lock()
	wait, ok := r.pending[env.CorrelationID]
	r.mu.Unlock()
	if !ok {
		// Late or foreign reply.
		return nil
	}
	select {
	case wait <- env:
	default:
	}
	return nil
}

// Close stops listening for replies.
func (r *Requester) Close() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}
