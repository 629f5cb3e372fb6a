package storage

import (
	"context"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
)

// ListOptions provides filtering options for list operations.
type ListOptions struct {
	// Statuses to filter by (empty = all)
	Statuses []domain.PlanStatus

	// CustomerID to filter by (empty = all)
	CustomerID string

	// Pagination
	Limit  int
	Offset int
}

// PlanRepository provides access to OptimizationPlan storage.
type PlanRepository interface {
	// Create stores a new plan. Returns ErrAlreadyExists if a plan for the
	// same request id exists.
	Create(ctx context.Context, plan *domain.OptimizationPlan) error

	// Get retrieves a plan by ID.
	Get(ctx context.Context, id string) (*domain.OptimizationPlan, error)

	// GetByRequestID retrieves the plan of a request.
	GetByRequestID(ctx context.Context, requestID string) (*domain.OptimizationPlan, error)

	// Update writes a plan if its Version still matches the stored one and
	// increments Version. Returns ErrConcurrentModify otherwise.
	Update(ctx context.Context, plan *domain.OptimizationPlan) error

	// List lists plans, newest first.
	List(ctx context.Context, opts ListOptions) ([]*domain.OptimizationPlan, error)
}

// SlotRepository provides access to committed provider capacity.
type SlotRepository interface {
	// LockProvider takes the provider's write lock for the rest of the
	// transaction. Allocation calls it before reading existing slots.
	LockProvider(ctx context.Context, providerID string) error

	// Insert stores a slot.
	Insert(ctx context.Context, slot *domain.AllocatedSlot) error

	// Get retrieves a slot by ID.
	Get(ctx context.Context, id string) (*domain.AllocatedSlot, error)

	// ListOverlapping returns the provider's slots whose range intersects
	// [start, end).
	ListOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]*domain.AllocatedSlot, error)

	// ListByProvider returns the provider's slots ordered by start.
	ListByProvider(ctx context.Context, providerID string) ([]*domain.AllocatedSlot, error)

	// Delete removes a slot.
	Delete(ctx context.Context, id string) error
}

// ProviderRepository provides access to the provider directory.
type ProviderRepository interface {
	// Upsert creates or replaces a provider entry. RegisteredAt is kept from
	// the first registration.
	Upsert(ctx context.Context, p *domain.ProviderSnapshot) error

	// Get retrieves a provider by ID.
	Get(ctx context.Context, id string) (*domain.ProviderSnapshot, error)

	// List returns all providers in registration order.
	List(ctx context.Context) ([]*domain.ProviderSnapshot, error)
}

// UnitOfWork provides transactional access to all repositories.
type UnitOfWork interface {
	// Repository accessors
	Plans() PlanRepository
	Slots() SlotRepository
	Providers() ProviderRepository

	// Transaction control
	Commit() error
	Rollback() error
}

// Storage provides the main entry point for storage operations.
type Storage interface {
	// Begin starts a new transaction and returns a UnitOfWork.
	Begin(ctx context.Context) (UnitOfWork, error)

	// Close closes the storage connection.
	Close() error

	// Migrate runs database migrations.
	Migrate(ctx context.Context) error
}

// InTx runs fn in a transaction, committing on success and rolling back on
// error.
func InTx(ctx context.Context, s Storage, fn func(uow UnitOfWork) error) error {
	uow, err := s.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(uow); err != nil {
		_ = uow.Rollback()
		return err
	}
	return uow.Commit()
}
