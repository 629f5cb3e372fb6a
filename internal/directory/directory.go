// Package directory is the provider directory the matcher reads from.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/logging"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

// Directory returns a point-in-time copy of all registered providers.
type Directory interface {
	GetAll(ctx context.Context) ([]domain.ProviderSnapshot, error)
}

// StaticDirectory serves an in-memory provider list. Reads are lock-free;
// Set swaps the whole list atomically.
type StaticDirectory struct {
	providers atomic.Pointer[[]domain.ProviderSnapshot]
}

// NewStatic creates a directory holding a copy of providers.
func NewStatic(providers ...domain.ProviderSnapshot) *StaticDirectory {
	d := &StaticDirectory{}
	d.Set(providers)
	return d
}

// Set replaces the provider list.
func (d *StaticDirectory) Set(providers []domain.ProviderSnapshot) {
	cp := cloneAll(providers)
	d.providers.Store(&cp)
}

// GetAll returns a copy of the current list.
func (d *StaticDirectory) GetAll(context.Context) ([]domain.ProviderSnapshot, error) {
	p := d.providers.Load()
	if p == nil {
		return nil, nil
	}
	return cloneAll(*p), nil
}

func cloneAll(in []domain.ProviderSnapshot) []domain.ProviderSnapshot {
	out := make([]domain.ProviderSnapshot, len(in))
	for i, p := range in {
		out[i] = p.Clone()
	}
	return out
}

// Registry is a storage-backed directory. New registrations are enabled only
// when the validator approves them.
type Registry struct {
	storage   storage.Storage
	validator Validator
	timeout   time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithValidator sets the validator consulted on Register. Without one,
// registrations are approved.
func WithValidator(v Validator, timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.validator = v
		r.timeout = timeout
	}
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *logging.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates a storage-backed registry.
func NewRegistry(s storage.Storage, opts ...RegistryOption) *Registry {
	r := &Registry{
		storage: s,
		timeout: 5 * time.Second,
		logger:  logging.NopLogger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.WithComponent("directory")
	return r
}

// Register validates and stores a provider. A declined or unanswered
// validation stores the provider disabled with the declined reason; it is
// not an error.
func (r *Registry) Register(ctx context.Context, p domain.ProviderSnapshot) (*domain.ProviderSnapshot, error) {
	if err := validateEntry(p); err != nil {
		return nil, err
	}
	entry := p.Clone()
	entry.Enabled = true
	entry.DeclinedReason = ""
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = r.now()
	}

	if r.validator != nil {
		approved, reason, err := r.validator.Validate(ctx, entry, r.timeout)
		switch {
		case err != nil:
			entry.Enabled = false
			entry.DeclinedReason = fmt.Sprintf("validation unavailable: %v", err)
		case !approved:
			entry.Enabled = false
			entry.DeclinedReason = reason
		}
	}

	err := storage.InTx(ctx, r.storage, func(uow storage.UnitOfWork) error {
		return uow.Providers().Upsert(ctx, &entry)
	})
	if err != nil {
		return nil, fmt.Errorf("storing provider %s: %w", entry.ID, err)
	}

	r.logger.WithProvider(entry.ID).Info("provider registered",
		"enabled", entry.Enabled,
		"declined_reason", entry.DeclinedReason,
		"capabilities", len(entry.Capabilities))
	return &entry, nil
}

// Disable marks a provider as not eligible for matching.
func (r *Registry) Disable(ctx context.Context, providerID, reason string) error {
	return storage.InTx(ctx, r.storage, func(uow storage.UnitOfWork) error {
		p, err := uow.Providers().Get(ctx, providerID)
		if err != nil {
			return err
		}
		p.Enabled = false
		p.DeclinedReason = reason
		return uow.Providers().Upsert(ctx, p)
	})
}

// GetAll returns every provider in registration order.
func (r *Registry) GetAll(ctx context.Context) ([]domain.ProviderSnapshot, error) {
	var out []domain.ProviderSnapshot
	err := storage.InTx(ctx, r.storage, func(uow storage.UnitOfWork) error {
		list, err := uow.Providers().List(ctx)
		if err != nil {
			return err
		}
		out = make([]domain.ProviderSnapshot, len(list))
		for i, p := range list {
			out[i] = *p
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	return out, nil
}

func validateEntry(p domain.ProviderSnapshot) error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, errors.New("provider id is required"))
	}
	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("provider name is required"))
	}
	if len(p.Capabilities) == 0 {
		errs = append(errs, errors.New("provider needs at least one capability"))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidArgument, errors.Join(errs...))
}
