package messaging

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
)

const (
	defaultMaxDeliver      = 3
	defaultRedeliveryDelay = 50 * time.Millisecond
)

type memorySubscription struct {
	id      uint64
	pattern string
	durable string
	handler Handler
	ch      *MemoryChannel
}

func (s *memorySubscription) Unsubscribe() error {
	s.ch.unsubscribe(s.id)
	return nil
}

// MemoryChannel is an in-process Channel. Every delivery runs on its own
// goroutine, so handlers for different messages run in parallel. A handler
// that returns an error or panics gets the message again, up to MaxDeliver
// attempts.
type MemoryChannel struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	nextID atomic.Uint64
	closed bool

	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	logger          *logging.Logger
	maxDeliver      int
	redeliveryDelay time.Duration

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// MemoryOption configures a MemoryChannel.
type MemoryOption func(*MemoryChannel)

// WithMemoryLogger sets the logger.
func WithMemoryLogger(l *logging.Logger) MemoryOption {
	return func(c *MemoryChannel) { c.logger = l }
}

// WithMaxDeliver bounds delivery attempts per message and subscription.
func WithMaxDeliver(n int) MemoryOption {
	return func(c *MemoryChannel) {
		if n > 0 {
			c.maxDeliver = n
		}
	}
}

// WithRedeliveryDelay sets the pause before a failed delivery is retried.
func WithRedeliveryDelay(d time.Duration) MemoryOption {
	return func(c *MemoryChannel) { c.redeliveryDelay = d }
}

// NewMemoryChannel creates an in-process channel.
func NewMemoryChannel(opts ...MemoryOption) *MemoryChannel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &MemoryChannel{
		ctx:             ctx,
		cancel:          cancel,
		logger:          logging.NopLogger(),
		maxDeliver:      defaultMaxDeliver,
		redeliveryDelay: defaultRedeliveryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithComponent("memory-channel")
	return c
}

// Publish dispatches env to every matching subscription asynchronously.
func (c *MemoryChannel) Publish(ctx context.Context, subject string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Round-trip through the wire format so subscribers never share memory
	// with the publisher and see the same decoding as on a real transport.
	data, err := Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	var targets []*memorySubscription
	for _, s := range c.subs {
		if MatchSubject(s.pattern, subject) {
			targets = append(targets, s)
		}
	}
	c.inflight.Add(len(targets))
	c.mu.RUnlock()

	c.published.Add(1)
	for _, s := range targets {
		go c.deliver(s, subject, data)
	}
	return nil
}

// Subscribe registers a handler.
func (c *MemoryChannel) Subscribe(_ context.Context, subject, durable string, h Handler) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	s := &memorySubscription{
		id:      c.nextID.Add(1),
		pattern: subject,
		durable: durable,
		handler: h,
		ch:      c,
	}
	c.subs = append(c.subs, s)
	return s, nil
}

func (c *MemoryChannel) unsubscribe(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *MemoryChannel) deliver(s *memorySubscription, subject string, data []byte) {
	defer c.inflight.Done()
	for attempt := 1; attempt <= c.maxDeliver; attempt++ {
		env, err := Unmarshal(data)
		if err != nil {
			c.logger.Error("dropping undecodable message", "subject", subject, "error", err)
			c.dropped.Add(1)
			return
		}
		err = c.safeCall(s, subject, env)
		if err == nil {
			c.delivered.Add(1)
			return
		}
		c.logger.Warn("handler failed",
			"subject", subject,
			"kind", env.Kind,
			"consumer", s.durable,
			"attempt", attempt,
			"error", err)
		if attempt == c.maxDeliver {
			break
		}
		select {
		case <-c.ctx.Done():
			c.dropped.Add(1)
			return
		case <-time.After(c.redeliveryDelay):
		}
	}
	c.dropped.Add(1)
}

// safeCall invokes a handler and converts a panic into an error.
func (c *MemoryChannel) safeCall(s *memorySubscription, subject string, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler panicked",
				"subject", subject,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler(c.ctx, subject, env)
}

// Flush blocks until every delivery started so far has finished or ctx ends.
func (c *MemoryChannel) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubscriptionCount returns the number of active subscriptions.
func (c *MemoryChannel) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// MemoryStats counts channel traffic.
type MemoryStats struct {
	Published int64
	Delivered int64
	Dropped   int64
}

// Stats returns traffic counters.
func (c *MemoryChannel) Stats() MemoryStats {
	return MemoryStats{
		Published: c.published.Load(),
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// Close stops accepting messages, cancels handler contexts and waits for
// in-flight deliveries.
func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = nil
	c.mu.Unlock()

	c.cancel()
	c.inflight.Wait()
	return nil
}
