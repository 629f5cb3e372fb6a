// Package estimate collects provider estimates for process steps.
//
// For every step the aggregator sends one ProposeProcessCommand per matched
// provider and waits for their ProcessEstimateResponses, correlated by
// command id. A collection ends when every provider answered, when the
// window closes, or when the caller cancels; it always resolves with the
// estimates that arrived.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/observability"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

// Response outcomes, used as metric labels.
const (
	responseAccepted  = "accepted"
	responseDuplicate = "duplicate"
	responseUnknown   = "unknown"
	responseInvalid   = "invalid"
	responseMismatch  = "provider_mismatch"
)

// CollectionResult is how collection ended for one step.
type CollectionResult struct {
	RequestID  string
	StepNumber int
	// Estimates are in the order the providers were matched.
	Estimates []domain.ProcessEstimate
	// Expected is the number of providers asked.
	Expected int
	// SendFailures lists providers the proposal could not be delivered to.
	SendFailures []string
	TimedOut     bool
	Cancelled    bool
	Duration     time.Duration
}

// Complete reports whether every asked provider answered.
func (r CollectionResult) Complete() bool {
	return len(r.Estimates) == r.Expected
}

// Outcome names how the collection ended.
func (r CollectionResult) Outcome() string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case r.TimedOut:
		return "timeout"
	default:
		return "complete"
	}
}

// StepRequest is one step to collect.
type StepRequest struct {
	Step      messaging.StepContext
	Providers []domain.MatchedProvider
}

// collection tracks the outstanding proposals of one step.
type collection struct {
	requestID string
	step      int

	mu       sync.Mutex
	order    []string          // provider ids, match order
	commands map[string]string // command id -> provider id
	got      map[string]domain.ProcessEstimate
	waiting  int
	done     chan struct{}
	closed   bool
}

func (c *collection) finishLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

// drop stops waiting for a provider whose proposal could not be sent.
func (c *collection) drop(providerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiting--
	if c.waiting <= 0 {
		c.finishLocked()
	}
}

func (c *collection) estimates() []domain.ProcessEstimate {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ProcessEstimate, 0, len(c.got))
	for _, pid := range c.order {
		if e, ok := c.got[pid]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Aggregator sends proposals and gathers the responses.
type Aggregator struct {
	ch       messaging.Channel
	logger   *logging.Logger
	metrics  *observability.Metrics
	limiter  *rate.Limiter
	retries  uint64
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*collection // command id -> collection
	sub     messaging.Subscription
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMetrics records proposal and response outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithSendRetries bounds the retries of a failed proposal send. The first
// retry waits initial, later ones back off exponentially.
func WithSendRetries(n int, initial time.Duration) Option {
	return func(a *Aggregator) {
		if n < 0 {
			n = 0
		}
		a.retries = uint64(n)
		a.interval = initial
	}
}

// WithSendRate paces proposal sends across all collections. Zero or
// negative means unlimited.
func WithSendRate(perSecond float64) Option {
	return func(a *Aggregator) {
		if perSecond <= 0 {
			a.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		a.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewAggregator creates an Aggregator publishing on ch. Call Start to begin
// receiving responses.
func NewAggregator(ch messaging.Channel, opts ...Option) *Aggregator {
	a := &Aggregator{
		ch:       ch,
		logger:   logging.NopLogger(),
		limiter:  rate.NewLimiter(rate.Inf, 0),
		retries:  3,
		interval: 100 * time.Millisecond,
		now:      func() time.Time { return time.Now().UTC() },
		pending:  make(map[string]*collection),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.WithComponent("estimate")
	return a
}

// Start subscribes to estimate responses.
func (a *Aggregator) Start(ctx context.Context, durable string) error {
	sub, err := a.ch.Subscribe(ctx, messaging.SubjectEstimateResponse, durable, a.HandleResponse)
	if err != nil {
		return fmt.Errorf("subscribing to estimate responses: %w", err)
	}
	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()
	return nil
}

// Stop unsubscribes. Collections in flight keep waiting for their window.
func (a *Aggregator) Stop() error {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Pending returns the number of proposals awaiting a response.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// HandleResponse routes one ProcessEstimateResponse to its collection.
// Undecodable, unknown, late and duplicate responses are logged and
// dropped; they are never redelivered.
func (a *Aggregator) HandleResponse(_ context.Context, _ string, env messaging.Envelope) error {
	resp, err := messaging.Decode[messaging.ProcessEstimateResponse](env, messaging.KindProcessEstimate)
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		a.count(responseInvalid)
		a.logger.Warn("dropping invalid estimate response", "message_id", env.MessageID, "error", err)
		return nil
	}

	a.mu.Lock()
	c, ok := a.pending[resp.CommandID]
	a.mu.Unlock()
	if !ok {
		a.count(responseUnknown)
		a.logger.WithProvider(resp.ProviderID).Warn("dropping late or unknown estimate response",
			"command_id", resp.CommandID, "response_id", resp.ResponseID)
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	log := a.logger.WithRequest(c.requestID).WithStep(c.step).WithProvider(resp.ProviderID)
	if want := c.commands[resp.CommandID]; want != resp.ProviderID {
		a.count(responseMismatch)
		log.Warn("dropping estimate from a provider that was not asked",
			"command_id", resp.CommandID, "asked", want)
		return nil
	}
	if _, dup := c.got[resp.ProviderID]; dup {
		a.count(responseDuplicate)
		log.Debug("ignoring duplicate estimate response", "response_id", resp.ResponseID)
		return nil
	}
	c.got[resp.ProviderID] = resp.Estimate(c.step, a.now())
	c.waiting--
	a.count(responseAccepted)
	log.Debug("estimate received", "cost", resp.CostEstimate, "duration", time.Duration(resp.TimeEstimate))
	if c.waiting <= 0 {
		c.finishLocked()
	}
	return nil
}

// Collect asks every provider for an estimate of one step and waits up to
// timeout. It never fails: send errors, a closed window and cancellation are
// all reported in the result together with the estimates that arrived.
func (a *Aggregator) Collect(ctx context.Context, step messaging.StepContext, providers []domain.MatchedProvider, timeout time.Duration) CollectionResult {
	began := time.Now()
	result := CollectionResult{
		RequestID:  step.RequestID,
		StepNumber: step.StepNumber,
		Expected:   len(providers),
	}
	if len(providers) == 0 {
		return result
	}
	log := a.logger.WithRequest(step.RequestID).WithStep(step.StepNumber)

	c := &collection{
		requestID: step.RequestID,
		step:      step.StepNumber,
		commands:  make(map[string]string, len(providers)),
		got:       make(map[string]domain.ProcessEstimate, len(providers)),
		waiting:   len(providers),
		done:      make(chan struct{}),
	}
	cmds := make([]messaging.ProposeProcessCommand, len(providers))
	for i, p := range providers {
		cmd := messaging.ProposeProcessCommand{
			CommandID:  id.Generate(),
			RequestID:  step.RequestID,
			ProviderID: p.ProviderID,
			Step:       step,
		}
		cmds[i] = cmd
		c.order = append(c.order, p.ProviderID)
		c.commands[cmd.CommandID] = p.ProviderID
	}

	// Register before sending so that fast responses are not lost.
	a.mu.Lock()
	for cmdID := range c.commands {
		a.pending[cmdID] = c
	}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		for cmdID := range c.commands {
			delete(a.pending, cmdID)
		}
		a.mu.Unlock()
	}()

	window, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, cmd := range cmds {
		if err := a.send(window, cmd); err != nil {
			if window.Err() != nil {
				break
			}
			result.SendFailures = append(result.SendFailures, cmd.ProviderID)
			a.countProposal("failed")
			log.WithProvider(cmd.ProviderID).Warn("proposal not delivered", "error", err)
			c.drop(cmd.ProviderID)
			continue
		}
		a.countProposal("sent")
	}

	select {
	case <-c.done:
	case <-window.Done():
		if ctx.Err() != nil {
			result.Cancelled = true
		} else {
			result.TimedOut = true
		}
	}

	result.Estimates = c.estimates()
	result.Duration = time.Since(began)
	if a.metrics != nil {
		a.metrics.CollectionDuration().WithLabels(result.Outcome()).Observe(result.Duration)
	}
	log.Info("estimate collection finished",
		"outcome", result.Outcome(),
		"received", len(result.Estimates),
		"expected", result.Expected,
		"send_failures", len(result.SendFailures))
	return result
}

// send publishes one proposal, retrying transport failures with bounded
// exponential backoff.
func (a *Aggregator) send(ctx context.Context, cmd messaging.ProposeProcessCommand) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	env, err := messaging.NewEnvelope(messaging.KindProposeProcess, cmd.RequestID, cmd)
	if err != nil {
		return err
	}
	subject := messaging.ProposeSubject(cmd.ProviderID)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.interval
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, a.retries), ctx)

	op := func() error {
		err := a.ch.Publish(ctx, subject, env)
		if errors.Is(err, messaging.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.countProposal("retried")
		a.logger.WithRequest(cmd.RequestID).WithProvider(cmd.ProviderID).Debug("retrying proposal send",
			"command_id", cmd.CommandID, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, policy, notify)
}

// CollectAll runs Collect for every step concurrently and hands each result
// to onResult as soon as its step resolves. It returns when every step has
// resolved.
func (a *Aggregator) CollectAll(ctx context.Context, steps []StepRequest, timeout time.Duration, onResult func(CollectionResult)) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range steps {
		g.Go(func() error {
			onResult(a.Collect(gctx, s.Step, s.Providers, timeout))
			return nil
		})
	}
	return g.Wait()
}

func (a *Aggregator) count(outcome string) {
	if a.metrics != nil {
		a.metrics.Responses().WithLabels(outcome).Inc()
	}
}

func (a *Aggregator) countProposal(outcome string) {
	if a.metrics != nil {
		a.metrics.Proposals().WithLabels(outcome).Inc()
	}
}
