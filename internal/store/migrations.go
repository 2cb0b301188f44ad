package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// Bookkeeping tables only. Per-station data tables come from the schema and
// are managed by EnsureTables.
var migrations = []migration{
	{
		Version:     1,
		Description: "Station table fingerprints",
		SQL: `
CREATE TABLE IF NOT EXISTS schema_tables (
    table_name TEXT PRIMARY KEY,
    table_type TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    created_at DATETIME NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "Retrieval run audit",
		SQL: `
CREATE TABLE IF NOT EXISTS retrieval_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    model TEXT,
    station_id TEXT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    rows_stored INTEGER,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_retrieval_runs_started ON retrieval_runs(started_at);
`,
	},
}
// bookkeeping migrates the tables the store itself owns. The applied level is
// kept in SQLite's user_version so a database carries no extra ledger table.
func bookkeeping(ctx context.Context, db *sql.DB, log *slog.Logger) error {
	level, err := userVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for _, m := range migrations {
		if m.Version <= level {
			continue
		}
		log.Debug("applying bookkeeping", "version", m.Version, "description", m.Description)
		if err := applyBookkeeping(ctx, db, m); err != nil {
			return fmt.Errorf("bookkeeping %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}

// applyBookkeeping runs one step and bumps user_version in the same
// transaction; the pragma takes no bind parameters.
func applyBookkeeping(ctx context.Context, db *sql.DB, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return err
	}
	return tx.Commit()
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// MigrationVersion returns the bookkeeping level of a database.
func (s *Store) MigrationVersion(ctx context.Context, database string) (int, error) {
	var version int
	err := s.withDB(ctx, database, func(db *sql.DB) error {
		var err error
		version, err = userVersion(ctx, db)
		return err
	})
	return version, err
}
