package models

import (
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// NormalizeStation returns the canonical (upper-case) form of a station id.
func NormalizeStation(stid string) string {
	return strings.ToUpper(strings.TrimSpace(stid))
}

// ValidStation reports whether stid, once normalized, is a non-empty
// alphanumeric code that can prefix a table name.
func ValidStation(stid string) bool {
	stid = NormalizeStation(stid)
	if stid == "" {
		return false
	}
	for _, r := range stid {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Row is one timestamped record of a TimeSeries.
type Row struct {
	Time          time.Time
	Temperature   sql.NullFloat64
	Dewpoint      sql.NullFloat64
	Cloud         sql.NullFloat64
	WindSpeed     sql.NullFloat64
	WindDirection sql.NullFloat64
	RainHour      sql.NullFloat64
	Pressure      sql.NullFloat64
	Condition     sql.NullString
	Extra         map[string]any // live columns with no matching measurement
}

// Value returns the stored value for m, or nil when it is null or not carried by a Row.
func (r *Row) Value(m Measurement) any {
	switch m {
	case Temperature:
		return nullFloat(r.Temperature)
	case Dewpoint:
		return nullFloat(r.Dewpoint)
	case Cloud:
		return nullFloat(r.Cloud)
	case WindSpeed:
		return nullFloat(r.WindSpeed)
	case WindDirection:
		return nullFloat(r.WindDirection)
	case RainHour:
		return nullFloat(r.RainHour)
	case Pressure:
		return nullFloat(r.Pressure)
	case Condition:
		if !r.Condition.Valid {
			return nil
		}
		return r.Condition.String
	}
	return nil
}

// SetValue assigns a database value to m. Measurements a Row does not carry are ignored.
func (r *Row) SetValue(m Measurement, v any) error {
	if m == Condition {
		r.Condition = toNullString(v)
		return nil
	}
	var dst *sql.NullFloat64
	switch m {
	case Temperature:
		dst = &r.Temperature
	case Dewpoint:
		dst = &r.Dewpoint
	case Cloud:
		dst = &r.Cloud
	case WindSpeed:
		dst = &r.WindSpeed
	case WindDirection:
		dst = &r.WindDirection
	case RainHour:
		dst = &r.RainHour
	case Pressure:
		dst = &r.Pressure
	default:
		return nil
	}
	f, err := toNullFloat(v)
	if err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	*dst = f
	return nil
}

// TimeSeries is an ordered set of rows for one station and one source.
type TimeSeries struct {
	StationID string
	Source    string
	Rows      []Row
}

func NewTimeSeries(stid string) *TimeSeries {
	return &TimeSeries{StationID: NormalizeStation(stid)}
}

func (ts *TimeSeries) Add(rows ...Row) {
	ts.Rows = append(ts.Rows, rows...)
}

func (ts *TimeSeries) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.Rows)
}

// Sort orders rows by ascending time.
func (ts *TimeSeries) Sort() {
	sort.SliceStable(ts.Rows, func(i, j int) bool {
		return ts.Rows[i].Time.Before(ts.Rows[j].Time)
	})
}

// Daily holds one day's high, low, wind and rain for a station and source.
type Daily struct {
	StationID string
	Date      time.Time
	Source    string
	High      sql.NullFloat64
	Low       sql.NullFloat64
	Wind      sql.NullFloat64
	Rain      sql.NullFloat64
}

func NewDaily(stid string, date time.Time) *Daily {
	return &Daily{StationID: NormalizeStation(stid), Date: Day(date)}
}

// SetValues sets all four measurements as valid.
func (d *Daily) SetValues(high, low, wind, rain float64) {
	d.High = sql.NullFloat64{Float64: high, Valid: true}
	d.Low = sql.NullFloat64{Float64: low, Valid: true}
	d.Wind = sql.NullFloat64{Float64: wind, Valid: true}
	d.Rain = sql.NullFloat64{Float64: rain, Valid: true}
}

func (d *Daily) field(m Measurement) *sql.NullFloat64 {
	switch m {
	case High:
		return &d.High
	case Low:
		return &d.Low
	case Wind:
		return &d.Wind
	case Rain:
		return &d.Rain
	}
	return nil
}

// Value returns the stored value for m, or nil when it is null or not carried by a Daily.
func (d *Daily) Value(m Measurement) any {
	if f := d.field(m); f != nil {
		return nullFloat(*f)
	}
	return nil
}

// SetValue assigns a database value to m. Measurements a Daily does not carry are ignored.
func (d *Daily) SetValue(m Measurement, v any) error {
	f := d.field(m)
	if f == nil {
		return nil
	}
	nf, err := toNullFloat(v)
	if err != nil {
		return fmt.Errorf("%s: %w", m, err)
	}
	*f = nf
	return nil
}

// Forecast is one source's forecast for a station and day: a daily summary
// plus an hourly time series.
type Forecast struct {
	StationID  string
	Source     string
	Date       time.Time
	TimeSeries *TimeSeries
	Daily      *Daily
}

func NewForecast(stid, source string, date time.Time) *Forecast {
	f := &Forecast{
		StationID:  NormalizeStation(stid),
		Date:       Day(date),
		TimeSeries: NewTimeSeries(stid),
		Daily:      NewDaily(stid, date),
	}
	f.SetSource(source)
	return f
}

// SetSource sets the source on the forecast and both of its children.
func (f *Forecast) SetSource(source string) {
	f.Source = source
	if f.TimeSeries != nil {
		f.TimeSeries.Source = source
	}
	if f.Daily != nil {
		f.Daily.Source = source
	}
}

func nullFloat(f sql.NullFloat64) any {
	if !f.Valid {
		return nil
	}
	return f.Float64
}

func toNullFloat(v any) (sql.NullFloat64, error) {
	switch x := v.(type) {
	case nil:
		return sql.NullFloat64{}, nil
	case float64:
		return sql.NullFloat64{Float64: x, Valid: true}, nil
	case float32:
		return sql.NullFloat64{Float64: float64(x), Valid: true}, nil
	case int64:
		return sql.NullFloat64{Float64: float64(x), Valid: true}, nil
	case int:
		return sql.NullFloat64{Float64: float64(x), Valid: true}, nil
	case []byte:
		return toNullFloat(string(x))
	case string:
		if strings.TrimSpace(x) == "" {
			return sql.NullFloat64{}, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return sql.NullFloat64{}, fmt.Errorf("not numeric: %q", x)
		}
		return sql.NullFloat64{Float64: f, Valid: true}, nil
	default:
		return sql.NullFloat64{}, fmt.Errorf("unexpected type %T", v)
	}
}

func toNullString(v any) sql.NullString {
	switch x := v.(type) {
	case nil:
		return sql.NullString{}
	case string:
		return sql.NullString{String: x, Valid: true}
	case []byte:
		return sql.NullString{String: string(x), Valid: true}
	default:
		return sql.NullString{String: fmt.Sprint(x), Valid: true}
	}
}
