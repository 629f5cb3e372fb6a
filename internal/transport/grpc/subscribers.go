package grpc

import (
	"context"
	"sync"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
)

// PlanEvent is one saga milestone as streamed to watchers.
type PlanEvent struct {
	Kind       messaging.Kind    `json:"kind"`
	RequestID  string            `json:"requestId"`
	PlanID     string            `json:"planId,omitempty"`
	Status     domain.PlanStatus `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Strategies []domain.Strategy `json:"strategies,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Final reports whether no further events follow for the request.
func (e PlanEvent) Final() bool {
	return e.Status.IsTerminal()
}

// EventBroadcaster fans saga events out to watch streams.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{} // requestID -> subscribers; "" watches all
	logger      *logging.Logger
	sub         messaging.Subscription
}

// Subscriber represents a single watch stream.
type Subscriber struct {
	RequestID string
	Events    chan PlanEvent
	Done      chan struct{}
}

// NewEventBroadcaster creates a new event broadcaster.
func NewEventBroadcaster(logger *logging.Logger) *EventBroadcaster {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[*Subscriber]struct{}),
		logger:      logger.WithComponent("watch"),
	}
}

// Start feeds the broadcaster from the saga's published events.
func (b *EventBroadcaster) Start(ctx context.Context, ch messaging.Channel, durable string) error {
	sub, err := ch.Subscribe(ctx, messaging.SubjectOptimizationWatch, durable, b.handle)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.sub = sub
	b.mu.Unlock()
	return nil
}

// Stop detaches from the channel.
func (b *EventBroadcaster) Stop() error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

func (b *EventBroadcaster) handle(_ context.Context, _ string, env messaging.Envelope) error {
	ev := PlanEvent{Kind: env.Kind, Timestamp: env.SentAt}
	switch env.Kind {
	case messaging.KindStrategiesReady:
		p, err := messaging.Decode[messaging.StrategiesReadyEvent](env, env.Kind)
		if err != nil {
			b.logger.Warn("dropping undecodable event", "kind", env.Kind, "error", err)
			return nil
		}
		ev.RequestID, ev.PlanID = p.RequestID, p.PlanID
		ev.Status = domain.PlanStatusAwaitingStrategySelection
		ev.Strategies = p.Strategies
	case messaging.KindPlanCreated:
		p, err := messaging.Decode[messaging.OptimizationPlanCreatedEvent](env, env.Kind)
		if err != nil {
			b.logger.Warn("dropping undecodable event", "kind", env.Kind, "error", err)
			return nil
		}
		ev.RequestID, ev.PlanID, ev.Status = p.Plan.RequestID, p.Plan.ID, p.Plan.Status
	case messaging.KindPlanFailed:
		p, err := messaging.Decode[messaging.PlanFailedEvent](env, env.Kind)
		if err != nil {
			b.logger.Warn("dropping undecodable event", "kind", env.Kind, "error", err)
			return nil
		}
		ev.RequestID, ev.PlanID, ev.Reason = p.RequestID, p.PlanID, p.Reason
		ev.Status = domain.PlanStatusFailed
	default:
		// Commands share the subject space.
		return nil
	}
	b.Broadcast(ev)
	return nil
}

// Subscribe creates a subscription for one request, or for every request
// when requestID is empty.
func (b *EventBroadcaster) Subscribe(requestID string) *Subscriber {
	sub := &Subscriber{
		RequestID: requestID,
		Events:    make(chan PlanEvent, 100), // Buffered channel for backpressure
		Done:      make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[requestID] == nil {
		b.subscribers[requestID] = make(map[*Subscriber]struct{})
	}
	b.subscribers[requestID][sub] = struct{}{}

	return sub
}

// Unsubscribe removes a subscription.
func (b *EventBroadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subscribers[sub.RequestID]; ok {
		if _, present := subs[sub]; !present {
			return
		}
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, sub.RequestID)
		}
		close(sub.Done)
	}
}

// Broadcast delivers an event to the request's watchers and to the
// watch-all subscribers.
func (b *EventBroadcaster) Broadcast(ev PlanEvent) {
	b.mu.RLock()
	// Copy subscriber list to avoid holding lock during send
	var subList []*Subscriber
	for sub := range b.subscribers[ev.RequestID] {
		subList = append(subList, sub)
	}
	if ev.RequestID != "" {
		for sub := range b.subscribers[""] {
			subList = append(subList, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subList {
		select {
		case sub.Events <- ev:
		default:
			b.logger.WithRequest(ev.RequestID).Warn("watcher too slow, event skipped", "kind", ev.Kind)
		}
	}
}

// SubscriberCount returns the number of subscribers for a request.
func (b *EventBroadcaster) SubscriberCount(requestID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[requestID])
}
