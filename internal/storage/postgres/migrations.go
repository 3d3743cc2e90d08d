package postgres

import (
	"database/sql"
	"fmt"
)

// migrations run in order on startup. Every statement is idempotent.
// seq columns give a stable insertion order for rows created in the same second.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		default_currency VARCHAR(3) NOT NULL,
		created_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS group_members (
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role VARCHAR(50) NOT NULL DEFAULT 'member',
		position INTEGER NOT NULL,
		PRIMARY KEY (group_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		description TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		currency VARCHAR(3) NOT NULL,
		paid_by TEXT NOT NULL,
		split_type VARCHAR(20) NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS expense_splits (
		expense_id TEXT NOT NULL REFERENCES expenses(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		position INTEGER NOT NULL,
		amount NUMERIC NOT NULL,
		percentage NUMERIC NOT NULL,
		settled BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (expense_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS settlements (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		group_id TEXT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
		payer_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		amount NUMERIC(14, 2) NOT NULL,
		currency VARCHAR(3) NOT NULL,
		status VARCHAR(20) NOT NULL CHECK (status IN ('pending', 'completed', 'cancelled')),
		payment_method VARCHAR(50),
		payment_reference TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,
		settled_at BIGINT,
		CHECK (payer_id <> receiver_id)
	)`,

	`CREATE TABLE IF NOT EXISTS settlement_expenses (
		settlement_id TEXT NOT NULL REFERENCES settlements(id) ON DELETE CASCADE,
		expense_id TEXT NOT NULL REFERENCES expenses(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		PRIMARY KEY (settlement_id, expense_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_group_members_group_id ON group_members(group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_expenses_group_id ON expenses(group_id)`,
	`CREATE INDEX IF NOT EXISTS idx_expense_splits_expense_id ON expense_splits(expense_id)`,
	`CREATE INDEX IF NOT EXISTS idx_settlements_group_status ON settlements(group_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_settlement_expenses_settlement_id ON settlement_expenses(settlement_id)`,
}

func runMigrations(db *sql.DB) error {
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}
