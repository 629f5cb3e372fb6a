package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/directory"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/estimate"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/keylock"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/messaging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/observability"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/scheduler"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/strategy"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/workflow"
)

const tracerName = "github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/service"

// Settings are the saga timing knobs.
type Settings struct {
	EstimationTimeout   time.Duration
	SelectionTimeout    time.Duration
	SchedulingLeadTime  time.Duration
	CompensateOnFailure bool
	ConsumerPrefix      string
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		EstimationTimeout:   30 * time.Second,
		SelectionTimeout:    72 * time.Hour,
		SchedulingLeadTime:  24 * time.Hour,
		CompensateOnFailure: true,
		ConsumerPrefix:      "orchestrator",
	}
}

// Deps are the components the saga drives.
type Deps struct {
	Storage    storage.Storage
	Directory  directory.Directory
	Resolver   *workflow.Resolver
	Aggregator *estimate.Aggregator
	Generator  *strategy.Generator
	Scheduler  *scheduler.Scheduler
	Channel    messaging.Channel
}

func (d Deps) validate() error {
	var errs []error
	if d.Storage == nil {
		errs = append(errs, errors.New("storage is required"))
	}
	if d.Directory == nil {
		errs = append(errs, errors.New("directory is required"))
	}
	if d.Resolver == nil {
		errs = append(errs, errors.New("resolver is required"))
	}
	if d.Aggregator == nil {
		errs = append(errs, errors.New("aggregator is required"))
	}
	if d.Generator == nil {
		errs = append(errs, errors.New("generator is required"))
	}
	if d.Scheduler == nil {
		errs = append(errs, errors.New("scheduler is required"))
	}
	if d.Channel == nil {
		errs = append(errs, errors.New("channel is required"))
	}
	return errors.Join(errs...)
}

// sagaHandles are the in-memory resources of one running saga.
type sagaHandles struct {
	cancelEstimation context.CancelFunc
	selectionTimer   *time.Timer
}

// Orchestrator drives optimization plans from submission to confirmation.
// Operations on the same request id are serialized; different requests run
// in parallel.
type Orchestrator struct {
	deps     Deps
	settings Settings
	// selectionTimeout is reloadable at runtime.
	selectionTimeout atomic.Int64

	locks   *keylock.Map
	logger  *logging.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	sagas  map[string]*sagaHandles
	subs   []messaging.Subscription
	closed bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithClock sets the time source used for scheduling windows.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. Call Start to attach it to the channel.
func New(deps Deps, settings Settings, opts ...Option) (*Orchestrator, error) {
	if err := deps.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidArgument, err)
	}
	if settings.EstimationTimeout <= 0 || settings.SelectionTimeout <= 0 {
		return nil, fmt.Errorf("%w: estimation and selection timeouts must be positive", domain.ErrInvalidArgument)
	}
	if settings.ConsumerPrefix == "" {
		settings.ConsumerPrefix = DefaultSettings().ConsumerPrefix
	}
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		deps:     deps,
		settings: settings,
		locks:    keylock.New(),
		logger:   logging.NopLogger(),
		metrics:  observability.NewMetrics(),
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		stop:     stop,
		sagas:    make(map[string]*sagaHandles),
	}
	o.selectionTimeout.Store(int64(settings.SelectionTimeout))
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.WithComponent("orchestrator")
	return o, nil
}

// SelectionTimeout returns the current selection timeout.
func (o *Orchestrator) SelectionTimeout() time.Duration {
	return time.Duration(o.selectionTimeout.Load())
}

// SetSelectionTimeout changes the timeout used for timers armed from now on.
func (o *Orchestrator) SetSelectionTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	o.selectionTimeout.Store(int64(d))
	o.logger.Info("selection timeout changed", "timeout", d)
}

// Start subscribes the saga to plan requests, strategy selections and
// estimate responses.
func (o *Orchestrator) Start(ctx context.Context) error {
	prefix := o.settings.ConsumerPrefix
	if err := o.deps.Aggregator.Start(ctx, prefix+"-estimates"); err != nil {
		return err
	}
	subs := []struct {
		subject, durable string
		h                messaging.Handler
	}{
		{messaging.SubjectPlanRequest, prefix + "-plan-requests", o.onPlanRequest},
		{messaging.SubjectStrategySelect, prefix + "-strategy-selections", o.onStrategySelect},
	}
	for _, s := range subs {
		sub, err := o.deps.Channel.Subscribe(ctx, s.subject, s.durable, s.h)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", s.subject, err)
		}
		o.mu.Lock()
		o.subs = append(o.subs, sub)
		o.mu.Unlock()
	}
	o.logger.Info("orchestrator started", "consumer_prefix", prefix)
	return nil
}

// Shutdown stops consuming, cancels in-flight estimations (their steps
// resolve with what arrived), stops selection timers and waits for
// background work. Plans awaiting selection stay persisted and are re-armed
// by Recover on the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	subs := o.subs
	o.subs = nil
	for _, h := range o.sagas {
		if h.selectionTimer != nil && h.selectionTimer.Stop() {
			o.metrics.SelectionTimers().Dec()
		}
		h.selectionTimer = nil
	}
	o.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.deps.Aggregator.Stop(); err != nil {
		errs = append(errs, err)
	}
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background work: %w", ctx.Err()))
	}
	o.logger.Info("orchestrator stopped")
	return errors.Join(errs...)
}

// GetPlan returns a plan by id.
func (o *Orchestrator) GetPlan(ctx context.Context, planID string) (*domain.OptimizationPlan, error) {
	var plan *domain.OptimizationPlan
	err := storage.InTx(ctx, o.deps.Storage, func(uow storage.UnitOfWork) error {
		var err error
		plan, err = uow.Plans().Get(ctx, planID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting plan %s: %w", planID, err)
	}
	return plan, nil
}

// GetPlanByRequest returns the plan of a request.
func (o *Orchestrator) GetPlanByRequest(ctx context.Context, requestID string) (*domain.OptimizationPlan, error) {
	var plan *domain.OptimizationPlan
	err := storage.InTx(ctx, o.deps.Storage, func(uow storage.UnitOfWork) error {
		var err error
		plan, err = uow.Plans().GetByRequestID(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting plan of request %s: %w", requestID, err)
	}
	return plan, nil
}

// ListPlans lists plans, newest first.
func (o *Orchestrator) ListPlans(ctx context.Context, opts storage.ListOptions) ([]*domain.OptimizationPlan, error) {
	var plans []*domain.OptimizationPlan
	err := storage.InTx(ctx, o.deps.Storage, func(uow storage.UnitOfWork) error {
		var err error
		plans, err = uow.Plans().List(ctx, opts)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	return plans, nil
}

// save persists plan, bumping its version.
func (o *Orchestrator) save(ctx context.Context, plan *domain.OptimizationPlan) error {
	err := storage.InTx(ctx, o.deps.Storage, func(uow storage.UnitOfWork) error {
		return uow.Plans().Update(ctx, plan)
	})
	if err != nil {
		return fmt.Errorf("saving plan %s: %w", plan.ID, err)
	}
	return nil
}

func (o *Orchestrator) load(ctx context.Context, requestID string) (*domain.OptimizationPlan, error) {
	var plan *domain.OptimizationPlan
	err := storage.InTx(ctx, o.deps.Storage, func(uow storage.UnitOfWork) error {
		var err error
		plan, err = uow.Plans().GetByRequestID(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("loading plan of request %s: %w", requestID, err)
	}
	return plan, nil
}

// transition moves plan to a new status and records it.
func (o *Orchestrator) transition(plan *domain.OptimizationPlan, to domain.PlanStatus, reason string) error {
	from := plan.Status()
	if err := plan.Transition(to, reason); err != nil {
		return err
	}
	o.observeTransition(plan, from, to, reason)
	return nil
}

func (o *Orchestrator) observeTransition(plan *domain.OptimizationPlan, from, to domain.PlanStatus, reason string) {
	o.metrics.RecordTransition(from, to)
	if to.IsTerminal() {
		o.metrics.ActiveSagas().Dec()
		o.metrics.PlanLifetime().WithLabels(to.String()).Observe(plan.UpdatedAt.Sub(plan.CreatedAt))
	}
	args := []any{"plan_id", plan.ID, "from", from.String(), "to", to.String()}
	if reason != "" {
		args = append(args, "reason", reason)
	}
	o.logger.WithRequest(plan.RequestID).Info("plan status changed", args...)
}

// fail moves plan to Failed, persists it, publishes PlanFailedEvent and
// releases the saga's in-memory resources. It returns the FatalError
// describing the failure.
func (o *Orchestrator) fail(ctx context.Context, plan *domain.OptimizationPlan, cause error, reason string) error {
	last := plan.Status()
	fatal := &domain.FatalError{RequestID: plan.RequestID, LastStatus: last, Reason: reason, Err: cause}
	if last.IsTerminal() {
		return fatal
	}
	if err := plan.Fail(reason); err != nil {
		return err
	}
	o.observeTransition(plan, last, domain.PlanStatusFailed, reason)
	o.release(plan.RequestID)

	if err := o.save(ctx, plan); err != nil {
		return errors.Join(fatal, err)
	}
	o.publish(ctx, messaging.SubjectPlanFailed, messaging.KindPlanFailed, plan.RequestID, messaging.PlanFailedEvent{
		RequestID:  plan.RequestID,
		PlanID:     plan.ID,
		LastStatus: last,
		Reason:     reason,
		FailedAt:   plan.UpdatedAt,
	})
	return fatal
}

// release stops the timer and estimation of a saga and forgets it.
func (o *Orchestrator) release(requestID string) {
	o.mu.Lock()
	h, ok := o.sagas[requestID]
	delete(o.sagas, requestID)
	o.mu.Unlock()
	if !ok {
		return
	}
	if h.selectionTimer != nil && h.selectionTimer.Stop() {
		o.metrics.SelectionTimers().Dec()
	}
	if h.cancelEstimation != nil {
		h.cancelEstimation()
	}
}

// background runs fn on a tracked goroutine unless the orchestrator is shut
// down.
func (o *Orchestrator) background(fn func()) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
	return true
}

// handles returns the saga's handles, creating them. Caller holds o.mu.
func (o *Orchestrator) handles(requestID string) *sagaHandles {
	h, ok := o.sagas[requestID]
	if !ok {
		h = &sagaHandles{}
		o.sagas[requestID] = h
	}
	return h
}

// publish sends an event. Failures are logged; the plan state is already
// persisted and consumers can read it back.
func (o *Orchestrator) publish(ctx context.Context, subject string, kind messaging.Kind, requestID string, payload any) {
	if err := messaging.PublishPayload(ctx, o.deps.Channel, subject, kind, requestID, payload); err != nil {
		o.logger.WithRequest(requestID).Error("publishing event failed", "kind", kind, "subject", subject, "error", err)
	}
}

func (o *Orchestrator) startSpan(ctx context.Context, name, requestID string) (context.Context, trace.Span) {
	return o.tracer.Start(ctx, "Orchestrator."+name, trace.WithAttributes(attribute.String("request.id", requestID)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
