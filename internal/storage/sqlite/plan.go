package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

type planRepo struct {
	tx *sql.Tx
}

const planColumns = `id, request_id, customer_id, status, workflow_type, request_json, steps_json,
	strategies_json, selected_strategy_id, slots_json, failure_reason, applied_commands_json,
	history_json, created_at, updated_at, version`

func (r *planRepo) Create(ctx context.Context, plan *domain.OptimizationPlan) error {
	row, err := storage.EncodePlan(plan)
	if err != nil {
		return err
	}

	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO optimization_plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, row.ID, row.RequestID, row.CustomerID, row.Status, row.WorkflowType, row.RequestJSON,
		row.StepsJSON, row.StrategiesJSON, row.SelectedStrategyID, row.SlotsJSON, row.FailureReason,
		row.AppliedJSON, row.HistoryJSON, row.CreatedAt, row.UpdatedAt, row.Version)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: plan for request %s", domain.ErrAlreadyExists, plan.RequestID)
	}
	return err
}

func (r *planRepo) Get(ctx context.Context, id string) (*domain.OptimizationPlan, error) {
	return r.scanOne(r.tx.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM optimization_plans WHERE id = ?`, id))
}

func (r *planRepo) GetByRequestID(ctx context.Context, requestID string) (*domain.OptimizationPlan, error) {
	return r.scanOne(r.tx.QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM optimization_plans WHERE request_id = ?`, requestID))
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *planRepo) scan(s scanner) (*domain.OptimizationPlan, error) {
	var row storage.PlanRow
	var steps, strategies, slots, applied, history sql.NullString
	err := s.Scan(&row.ID, &row.RequestID, &row.CustomerID, &row.Status, &row.WorkflowType,
		&row.RequestJSON, &steps, &strategies, &row.SelectedStrategyID, &slots, &row.FailureReason,
		&applied, &history, &row.CreatedAt, &row.UpdatedAt, &row.Version)
	if err != nil {
		return nil, err
	}
	row.StepsJSON = steps.String
	row.StrategiesJSON = strategies.String
	row.SlotsJSON = slots.String
	row.AppliedJSON = applied.String
	row.HistoryJSON = history.String
	return storage.DecodePlan(row)
}

func (r *planRepo) scanOne(row *sql.Row) (*domain.OptimizationPlan, error) {
	p, err := r.scan(row)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return p, nil
}

func (r *planRepo) Update(ctx context.Context, plan *domain.OptimizationPlan) error {
	row, err := storage.EncodePlan(plan)
	if err != nil {
		return err
	}

	result, err := r.tx.ExecContext(ctx, `
		UPDATE optimization_plans
		SET status = ?, workflow_type = ?, steps_json = ?, strategies_json = ?,
			selected_strategy_id = ?, slots_json = ?, failure_reason = ?,
			applied_commands_json = ?, history_json = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, row.Status, row.WorkflowType, row.StepsJSON, row.StrategiesJSON, row.SelectedStrategyID,
		row.SlotsJSON, row.FailureReason, row.AppliedJSON, row.HistoryJSON, row.UpdatedAt,
		row.ID, row.Version)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
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
		placeholders := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if opts.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, opts.CustomerID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := r.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.OptimizationPlan
	for rows.Next() {
		p, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}
