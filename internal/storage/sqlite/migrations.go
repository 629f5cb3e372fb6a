package sqlite

import (
	"context"
	"database/sql"
)

// Migrate runs all database migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations := []string{
		// Optimization plans, one per request
		`CREATE TABLE IF NOT EXISTS optimization_plans (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL UNIQUE,
			customer_id TEXT NOT NULL DEFAULT '',
			status INTEGER NOT NULL DEFAULT 10,
			workflow_type TEXT NOT NULL DEFAULT '',
			request_json TEXT NOT NULL,
			steps_json TEXT,
			strategies_json TEXT,
			selected_strategy_id TEXT NOT NULL DEFAULT '',
			slots_json TEXT,
			failure_reason TEXT NOT NULL DEFAULT '',
			applied_commands_json TEXT,
			history_json TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,

		// Committed provider capacity. Times are unix nanoseconds so range
		// predicates compare numerically.
		`CREATE TABLE IF NOT EXISTS allocated_slots (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			step_number INTEGER NOT NULL DEFAULT 0,
			start_ns INTEGER NOT NULL,
			end_ns INTEGER NOT NULL,
			segments_json TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			CHECK (end_ns > start_ns)
		)`,

		// Provider directory
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT '',
			capabilities_json TEXT NOT NULL,
			limits_json TEXT,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			declined_reason TEXT NOT NULL DEFAULT '',
			registered_at DATETIME NOT NULL,
			seq INTEGER NOT NULL
		)`,

		// Indexes for efficient queries
		`CREATE INDEX IF NOT EXISTS idx_plans_status ON optimization_plans(status)`,
		`CREATE INDEX IF NOT EXISTS idx_plans_customer ON optimization_plans(customer_id)`,
		`CREATE INDEX IF NOT EXISTS idx_slots_provider_range ON allocated_slots(provider_id, start_ns, end_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_slots_request ON allocated_slots(request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_providers_seq ON providers(seq)`,
	}

	for _, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return err
		}
	}

	return nil
}
