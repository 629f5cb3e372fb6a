// Package scheduler allocates provider capacity as non-overlapping slots.
//
// A provider has a single writer at a time: allocations for the same
// provider are serialized in-process by a keyed mutex and, across processes,
// by the storage transaction (an immediate SQLite transaction or a
// PostgreSQL advisory lock taken through SlotRepository.LockProvider).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/keylock"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/observability"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/pkg/id"
)

// Allocation outcomes, used as metric labels.
const (
	outcomeAllocated = "allocated"
	outcomeConflict  = "conflict"
	outcomeInvalid   = "invalid"
	outcomeError     = "error"
)

// Scheduler commits slots against storage.
type Scheduler struct {
	storage storage.Storage
	policy  Policy
	locks   *keylock.Map
	logger  *logging.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPolicy sets the segment policy.
func WithPolicy(p Policy) Option {
	return func(s *Scheduler) { s.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records allocation latency.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a Scheduler.
func New(store storage.Storage, opts ...Option) *Scheduler {
	s := &Scheduler{
		storage: store,
		policy:  DefaultPolicy(),
		locks:   keylock.New(),
		logger:  logging.NopLogger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("scheduler")
	return s
}

// Policy returns the segment policy in use.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// AllocationRequest carries the owner of a slot.
type AllocationRequest struct {
	RequestID  string
	StepNumber int
}

// TryAllocate commits a slot for providerID holding required working time,
// starting at start. The slot's segments must fit in [start, end); the
// committed slot ends with its last segment, not at end.
//
// It returns ErrInvalidArgument if the window cannot hold the segments and a
// *domain.SchedulingConflictError if an existing slot of the provider
// intersects [start, end).
func (s *Scheduler) TryAllocate(ctx context.Context, providerID string, start, end time.Time, required time.Duration) (*domain.AllocatedSlot, error) {
	return s.Allocate(ctx, providerID, start, end, required, AllocationRequest{})
}

// Allocate is TryAllocate with the owning request and step recorded on the
// slot.
func (s *Scheduler) Allocate(ctx context.Context, providerID string, start, end time.Time, required time.Duration, owner AllocationRequest) (*domain.AllocatedSlot, error) {
	began := time.Now()
	slot, err := s.allocate(ctx, providerID, start, end, required, owner)
	if s.metrics != nil {
		s.metrics.AllocationDuration().WithLabels(outcome(err)).Since(began)
	}
	return slot, err
}

func (s *Scheduler) allocate(ctx context.Context, providerID string, start, end time.Time, required time.Duration, owner AllocationRequest) (*domain.AllocatedSlot, error) {
	if providerID == "" {
		return nil, fmt.Errorf("%w: provider id is required", domain.ErrInvalidArgument)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: window end %s is not after start %s",
			domain.ErrInvalidArgument, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	segments, err := s.policy.Segments(start, required)
	if err != nil {
		return nil, err
	}
	last := segments[len(segments)-1]
	if last.End.After(end) {
		return nil, fmt.Errorf("%w: window of %s cannot hold %s of work (needs %s)",
			domain.ErrInvalidArgument, end.Sub(start), required, s.policy.Span(required))
	}

	unlock := s.locks.Lock(providerID)
	defer unlock()

	slot := &domain.AllocatedSlot{
		ID:         id.Generate(),
		ProviderID: providerID,
		RequestID:  owner.RequestID,
		StepNumber: owner.StepNumber,
		Start:      start.UTC(),
		End:        last.End.UTC(),
		Segments:   segments,
		CreatedAt:  s.now(),
	}

	err = storage.InTx(ctx, s.storage, func(uow storage.UnitOfWork) error {
		if err := uow.Slots().LockProvider(ctx, providerID); err != nil {
			return fmt.Errorf("locking provider %s: %w", providerID, err)
		}
		existing, err := uow.Slots().ListOverlapping(ctx, providerID, start, end)
		if err != nil {
			return fmt.Errorf("listing slots of %s: %w", providerID, err)
		}
		for _, other := range existing {
			if other.Overlaps(start, end) || other.RangeOverlaps(start, end) {
				return &domain.SchedulingConflictError{
					ProviderID:    providerID,
					Start:         start,
					End:           end,
					ConflictingID: other.ID,
				}
			}
		}
		return uow.Slots().Insert(ctx, slot)
	})
	if err != nil {
		if errors.Is(err, domain.ErrSchedulingConflict) {
			s.logger.WithProvider(providerID).Info("slot rejected", "request_id", owner.RequestID, "error", err)
		}
		return nil, err
	}

	s.logger.WithProvider(providerID).Info("slot allocated",
		"slot_id", slot.ID,
		"request_id", owner.RequestID,
		"step", owner.StepNumber,
		"start", slot.Start,
		"end", slot.End,
		"segments", len(slot.Segments))
	return slot, nil
}

// Release deletes a committed slot. It is the explicit compensation for an
// allocation; releasing an unknown slot returns ErrNotFound.
func (s *Scheduler) Release(ctx context.Context, slotID string) error {
	var providerID string
	err := storage.InTx(ctx, s.storage, func(uow storage.UnitOfWork) error {
		slot, err := uow.Slots().Get(ctx, slotID)
		if err != nil {
			return err
		}
		providerID = slot.ProviderID
		return uow.Slots().Delete(ctx, slotID)
	})
	if err != nil {
		return fmt.Errorf("releasing slot %s: %w", slotID, err)
	}
	if s.metrics != nil {
		s.metrics.SlotsReleased().Inc()
	}
	s.logger.WithProvider(providerID).Info("slot released", "slot_id", slotID)
	return nil
}

// ListSlots returns the provider's committed slots ordered by start.
func (s *Scheduler) ListSlots(ctx context.Context, providerID string) ([]domain.AllocatedSlot, error) {
	var out []domain.AllocatedSlot
	err := storage.InTx(ctx, s.storage, func(uow storage.UnitOfWork) error {
		slots, err := uow.Slots().ListByProvider(ctx, providerID)
		if err != nil {
			return err
		}
		out = make([]domain.AllocatedSlot, len(slots))
		for i, sl := range slots {
			out[i] = *sl
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing slots of %s: %w", providerID, err)
	}
	return out, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeAllocated
	case errors.Is(err, domain.ErrSchedulingConflict):
		return outcomeConflict
	case errors.Is(err, domain.ErrInvalidArgument):
		return outcomeInvalid
	default:
		return outcomeError
	}
}
