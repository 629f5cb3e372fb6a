package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

const planColumns = `id, request_id, customer_id, status, workflow_type, request_json, steps_json,
	strategies_json, selected_strategy_id, slots_json, failure_reason, applied_commands_json,
	history_json, created_at, updated_at, version`

type planRepo struct {
	tx pgx.Tx
}

func (r *planRepo) Create(ctx context.Context, plan *domain.OptimizationPlan) error {
	row, err := storage.EncodePlan(plan)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `
		INSERT INTO optimization_plans (`+planColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, row.ID, row.RequestID, row.CustomerID, int(row.Status), row.WorkflowType, row.RequestJSON,
		row.StepsJSON, row.StrategiesJSON, row.SelectedStrategyID, row.SlotsJSON, row.FailureReason,
		row.AppliedJSON, row.HistoryJSON, row.CreatedAt, row.UpdatedAt, row.Version)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: plan for request %s", domain.ErrAlreadyExists, plan.RequestID)
	}
	return err
}

func (r *planRepo) Get(ctx context.Context, id string) (*domain.OptimizationPlan, error) {
	p, err := scanPlan(r.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM optimization_plans WHERE id = $1`, id))
	return p, mapNotFound(err)
}

func (r *planRepo) GetByRequestID(ctx context.Context, requestID string) (*domain.OptimizationPlan, error) {
	p, err := scanPlan(r.tx.QueryRow(ctx, `SELECT `+planColumns+` FROM optimization_plans WHERE request_id = $1`, requestID))
	return p, mapNotFound(err)
}

func (r *planRepo) Update(ctx context.Context, plan *domain.OptimizationPlan) error {
	row, err := storage.EncodePlan(plan)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `
		UPDATE optimization_plans
		SET status = $1, workflow_type = $2, steps_json = $3, strategies_json = $4,
			selected_strategy_id = $5, slots_json = $6, failure_reason = $7,
			applied_commands_json = $8, history_json = $9, updated_at = $10, version = version + 1
		WHERE id = $11 AND version = $12
	`, int(row.Status), row.WorkflowType, row.StepsJSON, row.StrategiesJSON, row.SelectedStrategyID,
		row.SlotsJSON, row.FailureReason, row.AppliedJSON, row.HistoryJSON, row.UpdatedAt,
		row.ID, row.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConcurrentModify
	}
	plan.Version++
	return nil
}

func (r *planRepo) List(ctx context.Context, opts storage.ListOptions) ([]*domain.OptimizationPlan, error) {
	query := `SELECT ` + planColumns + ` FROM optimization_plans`
	var where []string
	var args []any

	if len(opts.Statuses) > 0 {
		statuses := make([]int32, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = int32(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if opts.CustomerID != "" {
		args = append(args, opts.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		args = append(args, opts.Limit, opts.Offset)
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.OptimizationPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func scanPlan(s pgx.Row) (*domain.OptimizationPlan, error) {
	var row storage.PlanRow
	var status int32
	var steps, strategies, slots, applied, history *string
	err := s.Scan(&row.ID, &row.RequestID, &row.CustomerID, &status, &row.WorkflowType,
		&row.RequestJSON, &steps, &strategies, &row.SelectedStrategyID, &slots, &row.FailureReason,
		&applied, &history, &row.CreatedAt, &row.UpdatedAt, &row.Version)
	if err != nil {
		return nil, err
	}
	row.Status = domain.PlanStatus(status)
	row.StepsJSON = deref(steps)
	row.StrategiesJSON = deref(strategies)
	row.SlotsJSON = deref(slots)
	row.AppliedJSON = deref(applied)
	row.HistoryJSON = deref(history)
	return storage.DecodePlan(row)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type slotRepo struct {
	tx pgx.Tx
}

// LockProvider takes a transaction-scoped advisory lock keyed by the
// provider id. It is released on commit or rollback.
func (r *slotRepo) LockProvider(ctx context.Context, providerID string) error {
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "slot:"+providerID)
	if err != nil {
		return fmt.Errorf("locking provider %s: %w", providerID, err)
	}
	return nil
}

const slotColumns = `id, provider_id, request_id, step_number, start_at, end_at, segments_json, created_at`

func (r *slotRepo) Insert(ctx context.Context, slot *domain.AllocatedSlot) error {
	segs, err := storage.EncodeSegments(slot.Segments)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `
		INSERT INTO allocated_slots (`+slotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, slot.ID, slot.ProviderID, slot.RequestID, slot.StepNumber, slot.Start.UTC(), slot.End.UTC(), segs, slot.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: slot %s", domain.ErrAlreadyExists, slot.ID)
	}
	return err
}

func (r *slotRepo) Get(ctx context.Context, id string) (*domain.AllocatedSlot, error) {
	s, err := scanSlot(r.tx.QueryRow(ctx, `SELECT `+slotColumns+` FROM allocated_slots WHERE id = $1`, id))
	return s, mapNotFound(err)
}

func (r *slotRepo) ListOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]*domain.AllocatedSlot, error) {
	return r.query(ctx, `
		SELECT `+slotColumns+` FROM allocated_slots
		WHERE provider_id = $1 AND start_at < $2 AND end_at > $3
		ORDER BY start_at
	`, providerID, end.UTC(), start.UTC())
}

func (r *slotRepo) ListByProvider(ctx context.Context, providerID string) ([]*domain.AllocatedSlot, error) {
	return r.query(ctx, `SELECT `+slotColumns+` FROM allocated_slots WHERE provider_id = $1 ORDER BY start_at`, providerID)
}

func (r *slotRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.tx.Exec(ctx, `DELETE FROM allocated_slots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *slotRepo) query(ctx context.Context, query string, args ...any) ([]*domain.AllocatedSlot, error) {
	rows, err := r.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []*domain.AllocatedSlot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

func scanSlot(s pgx.Row) (*domain.AllocatedSlot, error) {
	slot := &domain.AllocatedSlot{}
	var segs string
	if err := s.Scan(&slot.ID, &slot.ProviderID, &slot.RequestID, &slot.StepNumber,
		&slot.Start, &slot.End, &segs, &slot.CreatedAt); err != nil {
		return nil, err
	}
	slot.Start = slot.Start.UTC()
	slot.End = slot.End.UTC()
	slot.CreatedAt = slot.CreatedAt.UTC()
	segments, err := storage.DecodeSegments(segs)
	if err != nil {
		return nil, fmt.Errorf("decoding slot %s segments: %w", slot.ID, err)
	}
	slot.Segments = segments
	return slot, nil
}

type providerRepo struct {
	tx pgx.Tx
}

const providerColumns = `id, name, type, capabilities_json, limits_json, enabled, declined_reason, registered_at`

func (r *providerRepo) Upsert(ctx context.Context, p *domain.ProviderSnapshot) error {
	row, err := storage.EncodeProvider(p)
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `
		INSERT INTO providers (`+providerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			capabilities_json = EXCLUDED.capabilities_json,
			limits_json = EXCLUDED.limits_json,
			enabled = EXCLUDED.enabled,
			declined_reason = EXCLUDED.declined_reason
	`, row.ID, row.Name, row.Type, row.CapabilitiesJSON, row.LimitsJSON, row.Enabled, row.DeclinedReason, row.RegisteredAt)
	return err
}

func (r *providerRepo) Get(ctx context.Context, id string) (*domain.ProviderSnapshot, error) {
	p, err := scanProvider(r.tx.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	return p, mapNotFound(err)
}

func (r *providerRepo) List(ctx context.Context) ([]*domain.ProviderSnapshot, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ProviderSnapshot
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanProvider(s pgx.Row) (*domain.ProviderSnapshot, error) {
	var row storage.ProviderRow
	var limits *string
	if err := s.Scan(&row.ID, &row.Name, &row.Type, &row.CapabilitiesJSON, &limits,
		&row.Enabled, &row.DeclinedReason, &row.RegisteredAt); err != nil {
		return nil, err
	}
	row.LimitsJSON = deref(limits)
	return storage.DecodeProvider(row)
}
