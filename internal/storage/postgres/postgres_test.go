package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx := context.Background()

	pgContainer, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("mfgopt"),
		tcpostgres.WithUsername("mfgopt"),
		tcpostgres.WithPassword("mfgopt"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgresStorage(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	t.Run("plan round trip and version check", func(t *testing.T) {
		p := domain.NewOptimizationPlan("plan-1", "req-1", domain.OptimizationRequest{CustomerID: "c1"})
		require.NoError(t, p.Transition(domain.PlanStatusMatchingWorkflow, ""))
		require.NoError(t, storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
			return uow.Plans().Create(ctx, p)
		}))

		err := storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
			return uow.Plans().Create(ctx, domain.NewOptimizationPlan("plan-2", "req-1", domain.OptimizationRequest{}))
		})
		assert.ErrorIs(t, err, domain.ErrAlreadyExists)

		stale := *p
		require.NoError(t, p.Fail("test"))
		require.NoError(t, storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
			return uow.Plans().Update(ctx, p)
		}))
		err = storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
			return uow.Plans().Update(ctx, &stale)
		})
		assert.ErrorIs(t, err, domain.ErrConcurrentModify)

		var got []*domain.OptimizationPlan
		require.NoError(t, storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
			var err error
			got, err = uow.Plans().List(ctx, storage.ListOptions{Statuses: []domain.PlanStatus{domain.PlanStatusFailed}})
			return err
		}))
		require.Len(t, got, 1)
		assert.Equal(t, domain.PlanStatusFailed, got[0].Status())
		assert.Equal(t, "test", got[0].FailureReason)
	})

	t.Run("advisory lock serializes read-then-insert", func(t *testing.T) {
		base := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
		var wg sync.WaitGroup
		var mu sync.Mutex
		inserted := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
					if err := uow.Slots().LockProvider(ctx, "p1"); err != nil {
						return err
					}
					existing, err := uow.Slots().ListOverlapping(ctx, "p1", base, base.Add(time.Hour))
					if err != nil {
						return err
					}
					if len(existing) > 0 {
						return domain.ErrSchedulingConflict
					}
					return uow.Slots().Insert(ctx, &domain.AllocatedSlot{
						ID:         "slot-" + string(rune('a'+i)),
						ProviderID: "p1",
						Start:      base,
						End:        base.Add(time.Hour),
						Segments:   []domain.Segment{{Kind: domain.SegmentWorkingTime, Start: base, End: base.Add(time.Hour)}},
						CreatedAt:  time.Now(),
					})
				})
				if err == nil {
					mu.Lock()
					inserted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, inserted)
	})

	t.Run("providers keep registration order", func(t *testing.T) {
		now := time.Now().UTC()
		require.NoError(t, storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
			for _, id := range []string{"b", "a"} {
				if err := uow.Providers().Upsert(ctx, &domain.ProviderSnapshot{ID: id, Name: id, Enabled: true, RegisteredAt: now}); err != nil {
					return err
				}
			}
			return nil
		}))
		var list []*domain.ProviderSnapshot
		require.NoError(t, storage.InTx(ctx, s, func(uow storage.UnitOfWork) error {
			var err error
			list, err = uow.Providers().List(ctx)
			return err
		}))
		require.Len(t, list, 2)
		assert.Equal(t, "b", list[0].ID)
	})
}
