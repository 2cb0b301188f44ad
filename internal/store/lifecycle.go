package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lox/wxarchive/internal/logging"
	"github.com/lox/wxarchive/internal/metrics"
	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
)

// ResetPolicy decides what happens to a stale table.
type ResetPolicy int

const (
	// PolicyConfigured applies each table type's configured retention policy.
	PolicyConfigured ResetPolicy = iota
	// PolicySoft only flags the station for backfill.
	PolicySoft
	// PolicyHard also drops and recreates the table.
	PolicyHard
)

func (p ResetPolicy) String() string {
	switch p {
	case PolicySoft:
		return "soft"
	case PolicyHard:
		return "hard"
	default:
		return "configured"
	}
}

// ParseResetPolicy accepts "configured", "soft" or "hard".
func ParseResetPolicy(s string) (ResetPolicy, error) {
	switch s {
	case "", "configured":
		return PolicyConfigured, nil
	case "soft":
		return PolicySoft, nil
	case "hard":
		return PolicyHard, nil
	}
	return PolicyConfigured, fmt.Errorf("unknown reset policy %q", s)
}

// TableStatus describes one physical table after EnsureTables looked at it.
type TableStatus struct {
	Database  string
	Table     string
	TableType string
	StationID string
	Latest    time.Time // zero when the table is empty or unreadable
	Created   bool
	Stale     bool
	Reset     bool
	Reason    string
}

// EnsureTables makes sure every station has every table its data bindings
// declare. Missing tables are created; stale tables are flagged and, under
// the hard policy, dropped and recreated. It returns the sorted set of
// stations that need a historical backfill.
func (s *Store) EnsureTables(ctx context.Context, policy ResetPolicy) ([]string, error) {
	statuses, err := s.CheckTables(ctx, policy)
	if err != nil {
		return nil, err
	}
	return BackfillStations(statuses), nil
}

// BackfillStations reduces table statuses to the stations needing backfill.
func BackfillStations(statuses []TableStatus) []string {
	seen := make(map[string]bool)
	for _, st := range statuses {
		if st.Created || st.Stale {
			seen[st.StationID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for stid := range seen {
		out = append(out, stid)
	}
	sort.Strings(out)
	return out
}

// CheckTables is EnsureTables returning the per-table outcome.
func (s *Store) CheckTables(ctx context.Context, policy ResetPolicy) ([]TableStatus, error) {
	var statuses []TableStatus
	visited := make(map[string]bool)

	for _, name := range s.cfg.BindingNames() {
		b, err := s.cfg.Binding(name)
		if err != nil {
			return nil, err
		}
		sch, err := s.schemas.Get(b.Schema)
		if err != nil {
			return nil, err
		}

		err = s.withDB(ctx, b.Database, func(db *sql.DB) error {
			existing, err := listTables(ctx, db)
			if err != nil {
				return fmt.Errorf("list tables: %w", err)
			}
			fingerprints, err := recordedFingerprints(ctx, db)
			if err != nil {
				return fmt.Errorf("read fingerprints: %w", err)
			}

			for _, stid := range s.cfg.StationIDs() {
				for _, tt := range sch.Types() {
					tbl, err := sch.Table(tt)
					if err != nil {
						return err
					}
					physical, err := physicalName(tbl, stid)
					if err != nil {
						return err
					}
					key := b.Database + "/" + physical
					if visited[key] {
						continue
					}
					visited[key] = true

					st, err := s.ensureTable(ctx, db, tbl, stid, existing[physical], fingerprints, policy)
					if err != nil {
						return err
					}
					st.Database = b.Database
					statuses = append(statuses, st)
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("ensure tables for binding %s: %w", name, err)
		}
	}
	return statuses, nil
}

func (s *Store) ensureTable(ctx context.Context, db *sql.DB, tbl *schema.Table, stid string, exists bool, fingerprints map[string]string, policy ResetPolicy) (TableStatus, error) {
	physical := tbl.PhysicalName(stid)
	st := TableStatus{
		Table:     physical,
		TableType: tbl.Type,
		StationID: models.NormalizeStation(stid),
	}

	if !exists {
		s.log.Info("creating table", "table", physical)
		if err := s.createTable(ctx, db, tbl, physical, false); err != nil {
			return st, err
		}
		metrics.TablesCreated.WithLabelValues(tbl.Type).Inc()
		st.Created = true
		st.Reason = "missing"
		return st, nil
	}

	fp, recorded := fingerprints[physical]
	if recorded && fp != tbl.Fingerprint() {
		st.Stale = true
		st.Reason = "schema changed"
	} else {
		latest, reason, err := s.staleness(ctx, db, tbl, physical)
		if err != nil {
			return st, err
		}
		st.Latest = latest
		st.Stale = reason != ""
		st.Reason = reason
		if !recorded {
			if err := recordFingerprint(ctx, db, tbl, physical, s.Now()); err != nil {
				return st, err
			}
		}
	}
	if !st.Stale {
		return st, nil
	}

	hard := policy == PolicyHard || (policy == PolicyConfigured && s.cfg.RetentionFor(tbl.Type).Hard())
	if !hard {
		s.log.Info("table stale, flagging for backfill", "table", physical, "reason", st.Reason)
		metrics.TablesStale.WithLabelValues(tbl.Type, "flag").Inc()
		return st, nil
	}

	s.log.Info("table stale, resetting", "table", physical, "reason", st.Reason)
	if err := s.createTable(ctx, db, tbl, physical, true); err != nil {
		return st, err
	}
	metrics.TablesStale.WithLabelValues(tbl.Type, "reset").Inc()
	st.Reset = true
	return st, nil
}

// staleness returns the newest index value and a non-empty reason when the
// table needs a backfill. An unreadable or unparseable value counts as stale,
// and so does climatology archived for other than the last leap year.
func (s *Store) staleness(ctx context.Context, db *sql.DB, tbl *schema.Table, physical string) (time.Time, string, error) {
	index := tbl.IndexColumn()
	var raw any
	err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT MAX(%s) FROM %s", index, physical)).Scan(&raw)
	if err != nil {
		if ctx.Err() != nil {
			return time.Time{}, "", ctx.Err()
		}
		s.log.Warn("cannot read latest timestamp", "table", physical, "error", err)
		return time.Time{}, "unreadable", nil
	}
	if raw == nil {
		return time.Time{}, "empty", nil
	}
	latest, err := models.TimeValue(raw)
	if err != nil {
		s.log.Warn("malformed latest timestamp", "table", physical, "value", raw)
		return time.Time{}, "malformed timestamp", nil
	}

	window := s.cfg.RetentionFor(tbl.Type).Window()
	if s.Now().Sub(latest) > window {
		return latest, fmt.Sprintf("latest row %s older than %s", models.FormatTime(latest), window), nil
	}
	if tbl.Type == schema.Climo {
		if want := models.LastLeapYear(s.Now().Year()); latest.Year() != want {
			return latest, fmt.Sprintf("climatology is for %d, want %d", latest.Year(), want), nil
		}
	}
	logging.Trace(s.log, "table current", "table", physical, "latest", models.FormatTime(latest))
	return latest, "", nil
}

// createTable creates (or, with drop, recreates) a table and records its
// fingerprint in one transaction.
func (s *Store) createTable(ctx context.Context, db *sql.DB, tbl *schema.Table, physical string, drop bool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", physical, err)
	}
	defer tx.Rollback()

	if drop {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s;", physical)); err != nil {
			return fmt.Errorf("drop %s: %w", physical, err)
		}
	}
	if _, err := tx.ExecContext(ctx, tbl.CreateSQL(physical)); err != nil {
		return fmt.Errorf("create %s: %w", physical, err)
	}
	if _, err := tx.ExecContext(ctx, `
		REPLACE INTO schema_tables (table_name, table_type, fingerprint, created_at)
		VALUES (?, ?, ?, ?)
	`, physical, tbl.Type, tbl.Fingerprint(), s.Now()); err != nil {
		return fmt.Errorf("record %s: %w", physical, err)
	}
	return tx.Commit()
}

func recordFingerprint(ctx context.Context, db *sql.DB, tbl *schema.Table, physical string, now time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO schema_tables (table_name, table_type, fingerprint, created_at)
		VALUES (?, ?, ?, ?)
	`, physical, tbl.Type, tbl.Fingerprint(), now)
	return err
}

func listTables(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables[name] = true
	}
	return tables, rows.Err()
}

func recordedFingerprints(ctx context.Context, db *sql.DB) (map[string]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT table_name, fingerprint FROM schema_tables")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, fp string
		if err := rows.Scan(&name, &fp); err != nil {
			return nil, err
		}
		out[name] = fp
	}
	return out, rows.Err()
}

// LatestTime returns the newest index value stored for a station's table.
// ok is false when the table is empty.
func (s *Store) LatestTime(ctx context.Context, binding, tableType, stid string) (time.Time, bool, error) {
	database, tbl, err := s.resolve(binding, tableType)
	if err != nil {
		return time.Time{}, false, err
	}
	physical, err := physicalName(tbl, stid)
	if err != nil {
		return time.Time{}, false, err
	}
	var raw any
	err = s.withDB(ctx, database, func(db *sql.DB) error {
		q := fmt.Sprintf("SELECT MAX(%s) FROM %s", tbl.IndexColumn(), physical)
		return db.QueryRowContext(ctx, q).Scan(&raw)
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest time in %s: %w", physical, err)
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	t, err := models.TimeValue(raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("latest time in %s: %w", physical, err)
	}
	return t, true, nil
}
