package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

type slotRepo struct {
	tx *sql.Tx
}

// LockProvider is a no-op: the immediate transaction already holds the
// database write lock.
func (r *slotRepo) LockProvider(ctx context.Context, providerID string) error {
	return nil
}

func (r *slotRepo) Insert(ctx context.Context, slot *domain.AllocatedSlot) error {
	segs, err := storage.EncodeSegments(slot.Segments)
	if err != nil {
		return err
	}
	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO allocated_slots (id, provider_id, request_id, step_number, start_ns, end_ns, segments_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, slot.ID, slot.ProviderID, slot.RequestID, slot.StepNumber,
		slot.Start.UnixNano(), slot.End.UnixNano(), segs, slot.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: slot %s", domain.ErrAlreadyExists, slot.ID)
	}
	return err
}

const slotColumns = `id, provider_id, request_id, step_number, start_ns, end_ns, segments_json, created_at`

func (r *slotRepo) Get(ctx context.Context, id string) (*domain.AllocatedSlot, error) {
	s, err := scanSlot(r.tx.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM allocated_slots WHERE id = ?`, id))
	if err != nil {
		return nil, mapNotFound(err)
	}
	return s, nil
}

func (r *slotRepo) ListOverlapping(ctx context.Context, providerID string, start, end time.Time) ([]*domain.AllocatedSlot, error) {
	return r.query(ctx, `
		SELECT `+slotColumns+` FROM allocated_slots
		WHERE provider_id = ? AND start_ns < ? AND end_ns > ?
		ORDER BY start_ns
	`, providerID, end.UnixNano(), start.UnixNano())
}

func (r *slotRepo) ListByProvider(ctx context.Context, providerID string) ([]*domain.AllocatedSlot, error) {
	return r.query(ctx, `
		SELECT `+slotColumns+` FROM allocated_slots
		WHERE provider_id = ?
		ORDER BY start_ns
	`, providerID)
}

func (r *slotRepo) Delete(ctx context.Context, id string) error {
	result, err := r.tx.ExecContext(ctx, `DELETE FROM allocated_slots WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

func (r *slotRepo) query(ctx context.Context, query string, args ...any) ([]*domain.AllocatedSlot, error) {
	rows, err := r.tx.QueryContext(ctx, query, args...)
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

func scanSlot(s scanner) (*domain.AllocatedSlot, error) {
	slot := &domain.AllocatedSlot{}
	var startNS, endNS int64
	var segs string
	if err := s.Scan(&slot.ID, &slot.ProviderID, &slot.RequestID, &slot.StepNumber,
		&startNS, &endNS, &segs, &slot.CreatedAt); err != nil {
		return nil, err
	}
	slot.Start = time.Unix(0, startNS).UTC()
	slot.End = time.Unix(0, endNS).UTC()
	slot.CreatedAt = slot.CreatedAt.UTC()
	segments, err := storage.DecodeSegments(segs)
	if err != nil {
		return nil, fmt.Errorf("decoding slot %s segments: %w", slot.ID, err)
	}
	slot.Segments = segments
	return slot, nil
}
