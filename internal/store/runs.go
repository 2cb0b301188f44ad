package store

import (
	"context"
	"database/sql"
	"time"
)

// Run kinds recorded in the audit table.
const (
	RunForecast     = "forecast"
	RunHistorical   = "historical"
	RunVerification = "verification"
	RunObs          = "obs"
	RunClimo        = "climo"
)

// Run is one driver retrieval, kept for auditing.
type Run struct {
	ID           int64
	Database     string
	Kind         string
	Model        sql.NullString
	StationID    sql.NullString
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	RowsStored   sql.NullInt64
	Success      bool
	ErrorMessage sql.NullString
}

// Fail marks the run failed with err.
func (r *Run) Fail(err error) {
	if r == nil || err == nil {
		return
	}
	r.Success = false
	r.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
}

// Succeed marks the run successful with the number of rows stored.
func (r *Run) Succeed(rows int) {
	if r == nil {
		return
	}
	r.Success = true
	r.RowsStored = sql.NullInt64{Int64: int64(rows), Valid: true}
}

// StartRun records the start of a retrieval in the database's audit table.
func (s *Store) StartRun(ctx context.Context, database, kind, model, stid string) (*Run, error) {
	run := &Run{
		Database:  database,
		StartedAt: s.Now(),
		Kind:      kind,
	}
	if model != "" {
		run.Model = sql.NullString{String: model, Valid: true}
	}
	if stid != "" {
		run.StationID = sql.NullString{String: stid, Valid: true}
	}

	err := s.withDB(ctx, database, func(db *sql.DB) error {
		result, err := db.ExecContext(ctx, `
			INSERT INTO retrieval_runs (kind, model, station_id, started_at, success)
			VALUES (?, ?, ?, ?, FALSE)
		`, run.Kind, run.Model, run.StationID, run.StartedAt)
		if err != nil {
			return err
		}
		run.ID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteRun stores the outcome of a run. A nil run is ignored.
func (s *Store) CompleteRun(ctx context.Context, run *Run) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.Now(), Valid: true}

	return s.withDB(ctx, run.Database, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE retrieval_runs SET
				finished_at = ?,
				rows_stored = ?,
				success = ?,
				error_message = ?
			WHERE id = ?
		`, run.FinishedAt, run.RowsStored, run.Success, run.ErrorMessage, run.ID)
		return err
	})
}

// RecentFailures returns the most recent failed runs, newest first.
func (s *Store) RecentFailures(ctx context.Context, database string, limit int) ([]Run, error) {
	var results []Run
	err := s.withDB(ctx, database, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id, kind, model, station_id, started_at, finished_at,
				   rows_stored, success, error_message
			FROM retrieval_runs
			WHERE success = FALSE
			ORDER BY started_at DESC, id DESC
			LIMIT ?
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			r := Run{Database: database}
			if err := rows.Scan(&r.ID, &r.Kind, &r.Model, &r.StationID, &r.StartedAt,
				&r.FinishedAt, &r.RowsStored, &r.Success, &r.ErrorMessage); err != nil {
				return err
			}
			results = append(results, r)
		}
		return rows.Err()
	})
	return results, err
}
