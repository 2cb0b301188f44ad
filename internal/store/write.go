package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lox/wxarchive/internal/config"
	"github.com/lox/wxarchive/internal/logging"
	"github.com/lox/wxarchive/internal/metrics"
	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
)

// maxVariables is SQLite's default bound-parameter limit per statement.
const maxVariables = 32766

// Write stores rows positionally into table. With replace, existing keys are
// overwritten and the call is retried while the database is busy; otherwise
// a key collision fails with ErrDuplicateKey. All rows commit together.
//
// Shape is checked before the database is opened: values must be non-empty
// and every row the same length. Whether that length matches the table is
// left to SQLite.
func (s *Store) Write(ctx context.Context, database, table string, values [][]any, replace bool) error {
	if err := checkShape(values); err != nil {
		return err
	}
	if !sqlIdentifier(table) {
		return fmt.Errorf("%w: invalid table %q", ErrShape, table)
	}

	verb, mode := "INSERT", "insert"
	if replace {
		verb, mode = "REPLACE", "replace"
	}
	s.log.Debug("writing rows", "database", database, "table", table, "rows", len(values), "mode", mode)
	logging.Trace(s.log, "row values", "table", table, "values", values)

	write := func() error {
		return s.withDB(ctx, database, func(db *sql.DB) error {
			return writeRows(ctx, db, verb, table, values)
		})
	}

	start := time.Now()
	var err error
	if replace {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxElapsedTime = 10 * time.Second
		err = backoff.Retry(func() error {
			err := write()
			if err != nil && !isBusy(err) {
				return backoff.Permanent(err)
			}
			if err != nil {
				s.log.Warn("database busy, retrying", "table", table)
			}
			return err
		}, backoff.WithContext(b, ctx))
	} else {
		err = write()
	}
	metrics.WriteLatency.WithLabelValues(database).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	metrics.RowsWritten.WithLabelValues(database, table, mode).Add(float64(len(values)))
	return nil
}

func checkShape(values [][]any) error {
	if len(values) == 0 {
		return fmt.Errorf("%w: no values to write", ErrShape)
	}
	width := len(values[0])
	if width == 0 {
		return fmt.Errorf("%w: empty row", ErrShape)
	}
	for i, row := range values {
		if len(row) != width {
			return fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(row), width)
		}
	}
	return nil
}

func writeRows(ctx context.Context, db *sql.DB, verb, table string, values [][]any) error {
	width := len(values[0])
	perStmt := max(1, maxVariables/width)
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", width), ",") + ")"

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", table, err)
	}
	defer tx.Rollback()

	for i := 0; i < len(values); i += perStmt {
		chunk := values[i:min(i+perStmt, len(values))]

		var q strings.Builder
		fmt.Fprintf(&q, "%s INTO %s VALUES ", verb, table)
		args := make([]any, 0, len(chunk)*width)
		for j, row := range chunk {
			if j > 0 {
				q.WriteString(", ")
			}
			q.WriteString(placeholder)
			args = append(args, row...)
		}

		if _, err := tx.ExecContext(ctx, q.String(), args...); err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: %s: %w", ErrDuplicateKey, table, err)
			}
			return fmt.Errorf("write %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code() & 0xff
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}

func isDuplicate(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}

type writeOptions struct {
	insert bool
}

type WriteOption func(*writeOptions)

// WithInsert selects INSERT semantics: writing an existing key fails.
func WithInsert() WriteOption {
	return func(o *writeOptions) {
		o.insert = true
	}
}

func applyWriteOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WriteDaily stores dailies for one station into the binding's table type.
func (s *Store) WriteDaily(ctx context.Context, binding, tableType string, dailies []*models.Daily, opts ...WriteOption) error {
	if len(dailies) == 0 {
		return fmt.Errorf("%w: no dailies to write", ErrShape)
	}
	stations := make([]string, len(dailies))
	for i, d := range dailies {
		if d == nil {
			return fmt.Errorf("%w: daily %d is nil", ErrShape, i)
		}
		stations[i] = d.StationID
	}
	stid, err := sameStation(stations)
	if err != nil {
		return err
	}

	database, tbl, err := s.resolve(binding, tableType)
	if err != nil {
		return err
	}
	rows := make([][]any, 0, len(dailies))
	for i, d := range dailies {
		if tbl.HasModel() && d.Source == "" {
			return fmt.Errorf("%w: daily %d has no source for %s", ErrShape, i, tbl.Type)
		}
		rows = append(rows, dailyRow(tbl, d, d.Source))
	}
	o := applyWriteOptions(opts)
	return s.Write(ctx, database, tbl.PhysicalName(stid), rows, !o.insert)
}

// WriteTimeSeries stores one or more series for one station into the binding's table type.
func (s *Store) WriteTimeSeries(ctx context.Context, binding, tableType string, series []*models.TimeSeries, opts ...WriteOption) error {
	if len(series) == 0 {
		return fmt.Errorf("%w: no time series to write", ErrShape)
	}
	stations := make([]string, len(series))
	for i, ts := range series {
		if ts == nil {
			return fmt.Errorf("%w: time series %d is nil", ErrShape, i)
		}
		stations[i] = ts.StationID
	}
	stid, err := sameStation(stations)
	if err != nil {
		return err
	}

	database, tbl, err := s.resolve(binding, tableType)
	if err != nil {
		return err
	}
	var rows [][]any
	for i, ts := range series {
		if tbl.HasModel() && ts.Source == "" {
			return fmt.Errorf("%w: time series %d has no source for %s", ErrShape, i, tbl.Type)
		}
		rows = append(rows, seriesRows(tbl, ts, ts.Source)...)
	}
	o := applyWriteOptions(opts)
	return s.Write(ctx, database, tbl.PhysicalName(stid), rows, !o.insert)
}

// WriteForecast stores forecasts for one station through the forecast
// binding: the dailies into DAILY_FORECAST and the hourly rows into
// HOURLY_FORECAST. Children are written under the parent's station and source.
func (s *Store) WriteForecast(ctx context.Context, forecasts []*models.Forecast, opts ...WriteOption) error {
	if len(forecasts) == 0 {
		return fmt.Errorf("%w: no forecasts to write", ErrShape)
	}
	stations := make([]string, len(forecasts))
	for i, f := range forecasts {
		if f == nil || f.Daily == nil {
			return fmt.Errorf("%w: forecast %d has no daily", ErrShape, i)
		}
		if f.Source == "" {
			return fmt.Errorf("%w: forecast %d has no source", ErrShape, i)
		}
		stations[i] = f.StationID
	}
	stid, err := sameStation(stations)
	if err != nil {
		return err
	}

	database, dailyTbl, err := s.resolve(config.ForecastBinding, schema.DailyForecast)
	if err != nil {
		return err
	}
	_, hourlyTbl, err := s.resolve(config.ForecastBinding, schema.HourlyForecast)
	if err != nil {
		return err
	}

	dailyRows := make([][]any, 0, len(forecasts))
	var hourlyRows [][]any
	for _, f := range forecasts {
		d := *f.Daily
		d.StationID = f.StationID
		dailyRows = append(dailyRows, dailyRow(dailyTbl, &d, f.Source))
		if f.TimeSeries != nil {
			hourlyRows = append(hourlyRows, seriesRows(hourlyTbl, f.TimeSeries, f.Source)...)
		}
	}

	o := applyWriteOptions(opts)
	if err := s.Write(ctx, database, dailyTbl.PhysicalName(stid), dailyRows, !o.insert); err != nil {
		return err
	}
	if len(hourlyRows) == 0 {
		s.log.Debug("forecast has no hourly rows", "station", stid)
		return nil
	}
	return s.Write(ctx, database, hourlyTbl.PhysicalName(stid), hourlyRows, !o.insert)
}

func sameStation(stations []string) (string, error) {
	first := models.NormalizeStation(stations[0])
	for _, stid := range stations[1:] {
		if models.NormalizeStation(stid) != first {
			return "", fmt.Errorf("%w: %s and %s", ErrMixedStations, first, models.NormalizeStation(stid))
		}
	}
	if first == "" {
		return "", fmt.Errorf("%w: station id is empty", ErrShape)
	}
	if !models.ValidStation(first) {
		return "", fmt.Errorf("%w: %q", ErrStation, first)
	}
	return first, nil
}

func sourceValue(source string) any {
	if source == "" {
		return nil
	}
	return source
}

func dailyRow(tbl *schema.Table, d *models.Daily, source string) []any {
	bindings := tbl.ValueBindings()
	row := make([]any, 0, len(bindings))
	for _, b := range bindings {
		switch b.Kind {
		case schema.BindTime:
			row = append(row, models.FormatTime(d.Date))
		case schema.BindModel:
			row = append(row, sourceValue(source))
		case schema.BindMeasurement:
			row = append(row, d.Value(b.Measurement))
		}
	}
	return row
}

func seriesRows(tbl *schema.Table, ts *models.TimeSeries, source string) [][]any {
	bindings := tbl.ValueBindings()
	rows := make([][]any, 0, len(ts.Rows))
	for i := range ts.Rows {
		r := &ts.Rows[i]
		row := make([]any, 0, len(bindings))
		for _, b := range bindings {
			switch b.Kind {
			case schema.BindTime:
				row = append(row, models.FormatTime(r.Time))
			case schema.BindModel:
				row = append(row, sourceValue(source))
			case schema.BindMeasurement:
				row = append(row, r.Value(b.Measurement))
			}
		}
		rows = append(rows, row)
	}
	return rows
}
