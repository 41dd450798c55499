// Package sqlstore implements the persistence repositories on sqlx. Queries
// are written with ? placeholders and rebound for the connected driver, so
// the same code serves sqlite and postgres.
package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Driver names accepted by sqlx.Open
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		token_type    TEXT NOT NULL DEFAULT 'Bearer',
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at    REAL NOT NULL DEFAULT 0,
		scope         TEXT NOT NULL DEFAULT '[]',
		created_at    REAL NOT NULL,
		updated_at    REAL NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_runs (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at    REAL NOT NULL,
		finished_at   REAL NOT NULL,
		run_trigger   TEXT NOT NULL,
		success       BOOLEAN NOT NULL,
		error         TEXT NOT NULL DEFAULT '',
		locations     INTEGER NOT NULL DEFAULT 0,
		opportunities INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_runs_started ON refresh_runs (started_at DESC)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS oauth_tokens (
		id            INTEGER PRIMARY KEY CHECK (id = 1),
		token_type    TEXT NOT NULL DEFAULT 'Bearer',
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at    DOUBLE PRECISION NOT NULL DEFAULT 0,
		scope         TEXT NOT NULL DEFAULT '[]',
		created_at    DOUBLE PRECISION NOT NULL,
		updated_at    DOUBLE PRECISION NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_runs (
		id            BIGSERIAL PRIMARY KEY,
		started_at    DOUBLE PRECISION NOT NULL,
		finished_at   DOUBLE PRECISION NOT NULL,
		run_trigger   TEXT NOT NULL,
		success       BOOLEAN NOT NULL,
		error         TEXT NOT NULL DEFAULT '',
		locations     INTEGER NOT NULL DEFAULT 0,
		opportunities INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_runs_started ON refresh_runs (started_at DESC)`,
}

// Schema returns the DDL statements for a driver
func Schema(driver string) ([]string, error) {
	switch driver {
	case DriverSQLite:
		return sqliteSchema, nil
	case DriverPostgres:
		return postgresSchema, nil
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
}

// Migrate creates the tables if they do not exist
func Migrate(ctx context.Context, db *sqlx.DB) error {
	stmts, err := Schema(db.DriverName())
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
