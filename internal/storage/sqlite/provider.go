package sqlite

import (
	"context"
	"database/sql"

	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/domain"
	"github.com/aleksandr-papajanov/manufacturing-optimization-engine-sub001/internal/storage"
)

type providerRepo struct {
	tx *sql.Tx
}

func (r *providerRepo) Upsert(ctx context.Context, p *domain.ProviderSnapshot) error {
	row, err := storage.EncodeProvider(p)
	if err != nil {
		return err
	}
	// seq preserves registration order across re-registrations.
	_, err = r.tx.ExecContext(ctx, `
		INSERT INTO providers (id, name, type, capabilities_json, limits_json, enabled, declined_reason, registered_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM providers))
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			capabilities_json = excluded.capabilities_json,
			limits_json = excluded.limits_json,
			enabled = excluded.enabled,
			declined_reason = excluded.declined_reason
	`, row.ID, row.Name, row.Type, row.CapabilitiesJSON, row.LimitsJSON, row.Enabled,
		row.DeclinedReason, row.RegisteredAt)
	return err
}

const providerColumns = `id, name, type, capabilities_json, limits_json, enabled, declined_reason, registered_at`

func (r *providerRepo) Get(ctx context.Context, id string) (*domain.ProviderSnapshot, error) {
	p, err := scanProvider(r.tx.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ?`, id))
	if err != nil {
		return nil, mapNotFound(err)
	}
	return p, nil
}

func (r *providerRepo) List(ctx context.Context) ([]*domain.ProviderSnapshot, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers ORDER BY seq`)
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

func scanProvider(s scanner) (*domain.ProviderSnapshot, error) {
	var row storage.ProviderRow
	var limits sql.NullString
	if err := s.Scan(&row.ID, &row.Name, &row.Type, &row.CapabilitiesJSON, &limits,
		&row.Enabled, &row.DeclinedReason, &row.RegisteredAt); err != nil {
		return nil, err
	}
	row.LimitsJSON = limits.String
	return storage.DecodeProvider(row)
}
