package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lox/wxarchive/internal/config"
	"github.com/lox/wxarchive/internal/logging"
	"github.com/lox/wxarchive/internal/metrics"
	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
)

// DefaultWindow is the span used when a read omits one or both bounds.
const DefaultWindow = 24 * time.Hour

// DefaultIndex is the index column used when a ReadRequest does not name one.
const DefaultIndex = "DateTime"

type ReadRequest struct {
	Database string
	Table    string
	Index    string
	Model    string // optional, matched case-insensitively
	Start    time.Time
	End      time.Time
}

// Result is a raw table read. Columns come from the live table, not the schema.
type Result struct {
	Table   string
	Columns []string
	Rows    [][]any
	Start   time.Time
	End     time.Time
}

// Window fills omitted bounds: neither gives now to now+24h, one gives the
// other 24h away.
func (s *Store) Window(start, end time.Time) (time.Time, time.Time) {
	switch {
	case start.IsZero() && end.IsZero():
		start = s.Now()
		end = start.Add(DefaultWindow)
	case start.IsZero():
		start = end.Add(-DefaultWindow)
	case end.IsZero():
		end = start.Add(DefaultWindow)
	}
	return start.UTC(), end.UTC()
}

// Read returns rows whose index falls in [Start, End], ascending. It returns
// a nil Result, not an error, when nothing matched.
func (s *Store) Read(ctx context.Context, req ReadRequest) (*Result, error) {
	start, end := s.Window(req.Start, req.End)
	index := req.Index
	if index == "" {
		index = DefaultIndex
	}
	if !sqlIdentifier(req.Table) || !sqlIdentifier(index) {
		return nil, fmt.Errorf("read: invalid table %q or index %q", req.Table, index)
	}

	q := fmt.Sprintf("SELECT * FROM %s WHERE %s >= ? AND %s <= ?", req.Table, index, index)
	args := []any{models.FormatTime(start), models.FormatTime(end)}
	if req.Model != "" {
		q += fmt.Sprintf(" AND UPPER(%s) = UPPER(?)", schema.ModelColumn)
		args = append(args, req.Model)
	}
	q += fmt.Sprintf(" ORDER BY %s ASC", index)

	s.log.Debug("reading rows", "table", req.Table, "start", args[0], "end", args[1], "model", req.Model)

	res := &Result{Table: req.Table, Start: start, End: end}
	err := s.withDB(ctx, req.Database, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		res.Columns, err = rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			vals := make([]any, len(res.Columns))
			ptrs := make([]any, len(vals))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			for i, v := range vals {
				if b, ok := v.([]byte); ok {
					vals[i] = append([]byte(nil), b...)
				}
			}
			res.Rows = append(res.Rows, vals)
		}
		return rows.Err()
	})
	if err != nil {
		metrics.Reads.WithLabelValues(req.Database, "error").Inc()
		return nil, fmt.Errorf("read %s: %w", req.Table, err)
	}

	if len(res.Rows) == 0 {
		metrics.Reads.WithLabelValues(req.Database, "empty").Inc()
		s.log.Info("no data found", "table", req.Table, "start", args[0], "end", args[1])
		return nil, nil
	}
	metrics.Reads.WithLabelValues(req.Database, "ok").Inc()
	logging.Trace(s.log, "fetched rows", "table", req.Table, "columns", res.Columns, "rows", res.Rows)
	return res, nil
}

// Query selects a station table's rows by window and optional model.
type Query struct {
	Model string
	Start time.Time
	End   time.Time
}

func (s *Store) readTable(ctx context.Context, binding, tableType, stid string, q Query) (*schema.Table, *Result, error) {
	database, tbl, err := s.resolve(binding, tableType)
	if err != nil {
		return nil, nil, err
	}
	physical, err := physicalName(tbl, stid)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.Read(ctx, ReadRequest{
		Database: database,
		Table:    physical,
		Index:    tbl.IndexColumn(),
		Model:    q.Model,
		Start:    q.Start,
		End:      q.End,
	})
	if err != nil {
		return nil, nil, err
	}
	if res == nil {
		start, end := s.Window(q.Start, q.End)
		return nil, nil, &MissingDataError{Table: physical, Model: q.Model, Start: start, End: end}
	}
	return tbl, res, nil
}

// ReadTimeSeries reads a station's rows into a TimeSeries. Live columns that
// match no measurement are kept in Row.Extra.
func (s *Store) ReadTimeSeries(ctx context.Context, binding, tableType, stid string, q Query) (*models.TimeSeries, error) {
	tbl, res, err := s.readTable(ctx, binding, tableType, stid, q)
	if err != nil {
		return nil, err
	}

	ts := models.NewTimeSeries(stid)
	ts.Source = q.Model
	for _, vals := range res.Rows {
		var row models.Row
		for i, col := range res.Columns {
			v := vals[i]
			switch {
			case strings.EqualFold(col, tbl.IndexColumn()):
				t, err := models.TimeValue(v)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", res.Table, err)
				}
				row.Time = t
			case strings.EqualFold(col, schema.ModelColumn):
				if ts.Source == "" {
					if src, ok := v.(string); ok {
						ts.Source = src
					}
				}
			default:
				if m, ok := models.ParseMeasurement(col); ok && !m.Daily() {
					if err := row.SetValue(m, v); err != nil {
						return nil, fmt.Errorf("%s: %w", res.Table, err)
					}
					continue
				}
				if row.Extra == nil {
					row.Extra = make(map[string]any)
				}
				row.Extra[col] = v
			}
		}
		ts.Add(row)
	}
	return ts, nil
}

// ReadDailies reads a station's rows as dailies. Each daily carries the
// requested model as its source, or the stored model when none was requested.
func (s *Store) ReadDailies(ctx context.Context, binding, tableType, stid string, q Query) ([]*models.Daily, error) {
	tbl, res, err := s.readTable(ctx, binding, tableType, stid, q)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Daily, 0, len(res.Rows))
	for _, vals := range res.Rows {
		d := &models.Daily{StationID: models.NormalizeStation(stid), Source: q.Model}
		for i, col := range res.Columns {
			v := vals[i]
			switch {
			case strings.EqualFold(col, tbl.IndexColumn()):
				t, err := models.TimeValue(v)
				if err != nil {
					return nil, fmt.Errorf("%s: %w", res.Table, err)
				}
				d.Date = models.Day(t)
			case strings.EqualFold(col, schema.ModelColumn):
				if q.Model == "" {
					if src, ok := v.(string); ok {
						d.Source = src
					}
				}
			default:
				if m, ok := models.ParseMeasurement(col); ok && m.Daily() {
					if err := d.SetValue(m, v); err != nil {
						return nil, fmt.Errorf("%s: %w", res.Table, err)
					}
				}
			}
		}
		out = append(out, d)
	}
	return out, nil
}

// ReadDaily reads exactly one daily. More than one match is ErrMultipleRows.
func (s *Store) ReadDaily(ctx context.Context, binding, tableType, stid string, q Query) (*models.Daily, error) {
	dailies, err := s.ReadDailies(ctx, binding, tableType, stid, q)
	if err != nil {
		return nil, err
	}
	if len(dailies) > 1 {
		return nil, fmt.Errorf("%w: %d dailies for %s", ErrMultipleRows, len(dailies), models.NormalizeStation(stid))
	}
	return dailies[0], nil
}

// ForecastQuery controls the hourly half of ReadForecast. The time series
// spans HourStart-HourPadding to HourStart+24+HourPadding hours after the
// forecast day's midnight.
type ForecastQuery struct {
	HourStart            int
	HourPadding          int
	AllowEmptyTimeSeries bool
}

// DefaultForecastQuery returns the configured forecast window.
func (s *Store) DefaultForecastQuery() ForecastQuery {
	return ForecastQuery{
		HourStart:   s.cfg.Forecast.Start(),
		HourPadding: s.cfg.Forecast.Padding(),
	}
}

// ReadForecast reads one model's forecast for a station and day from the
// forecast binding. The daily half is required; the hourly half may be empty
// when AllowEmptyTimeSeries is set.
func (s *Store) ReadForecast(ctx context.Context, stid, model string, date time.Time, fq ForecastQuery) (*models.Forecast, error) {
	if fq.HourStart < 0 || fq.HourStart > 23 {
		return nil, fmt.Errorf("%w: hour start %d not in 0-23", ErrInvalidWindow, fq.HourStart)
	}
	if fq.HourPadding < 0 || fq.HourPadding > 24 {
		return nil, fmt.Errorf("%w: hour padding %d not in 0-24", ErrInvalidWindow, fq.HourPadding)
	}

	day := models.Day(date)
	daily, err := s.ReadDaily(ctx, config.ForecastBinding, schema.DailyForecast, stid, Query{Model: model, Start: day, End: day})
	if err != nil {
		return nil, fmt.Errorf("read daily forecast: %w", err)
	}

	start := day.Add(time.Duration(fq.HourStart-fq.HourPadding) * time.Hour)
	end := day.Add(time.Duration(fq.HourStart+24+fq.HourPadding) * time.Hour)
	ts, err := s.ReadTimeSeries(ctx, config.ForecastBinding, schema.HourlyForecast, stid, Query{Model: model, Start: start, End: end})
	if err != nil {
		if !fq.AllowEmptyTimeSeries || !IsMissingData(err) {
			return nil, fmt.Errorf("read hourly forecast: %w", err)
		}
		s.log.Debug("hourly forecast empty", "station", stid, "model", model, "date", models.FormatTime(day))
		ts = models.NewTimeSeries(stid)
	}

	f := models.NewForecast(stid, model, day)
	f.Daily = daily
	f.TimeSeries = ts
	f.SetSource(model)
	return f, nil
}

func sqlIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return false
		}
	}
	return true
}
