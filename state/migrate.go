package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/izavyalov-dev/ci-autorevert/state/migrations"
)

// migrationLockKey serialises migrations across replicas sharing a database.
const migrationLockKey = "ci-autorevert:migrations"

// ApplyMigrations applies pending embedded migrations in one transaction.
// Concurrent callers wait on an advisory lock, so each script runs once.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, migrationLockKey); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		applied, err := appliedMigrationIDs(ctx, tx)
		if err != nil {
			return err
		}
		for _, m := range pendingMigrations(migrations.All, applied) {
			if _, err := tx.ExecContext(ctx, m.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", m.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, m.ID); err != nil {
				return fmt.Errorf("record migration %s: %w", m.ID, err)
			}
		}
		return nil
	})
}

func pendingMigrations(all []migrations.Migration, applied map[string]bool) []migrations.Migration {
	var pending []migrations.Migration
	for _, m := range all {
		if !applied[m.ID] {
			pending = append(pending, m)
		}
	}
	return pending
}

func appliedMigrationIDs(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("load applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}
