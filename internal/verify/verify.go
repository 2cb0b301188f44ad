// Package verify scores archived daily forecasts against verification.
//
// For each station and model it pairs forecasts with the observed VERIF row
// of the same day over a trailing window, then reports bias, error and skill
// relative to climatology and to persistence (yesterday's verification).
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
	"github.com/lox/wxarchive/internal/store"
)

const (
	// WindowDays is the length of the scored window ending at the end date.
	WindowDays = 31
	// FileName is the stats report written under the archive directory.
	FileName = "wxarchive-stats.json"

	sketchAccuracy = 0.01
)

// Variables are the daily measurements scored, in report order.
var Variables = []models.Measurement{models.High, models.Low, models.Wind, models.Rain}

// DailyReader is the part of the store the calculator reads from.
type DailyReader interface {
	ReadDailies(ctx context.Context, binding, tableType, stid string, q store.Query) ([]*models.Daily, error)
	LatestTime(ctx context.Context, binding, tableType, stid string) (time.Time, bool, error)
}

// Stats holds the scores for one variable. Nil values are undefined, for
// example a skill score whose reference error is zero.
type Stats struct {
	Bias               *float64 `json:"bias"`
	RMSE               *float64 `json:"rmse"`
	RMSENoBias         *float64 `json:"rmseNoBias"`
	MAE                *float64 `json:"mae"`
	P50                *float64 `json:"p50"`
	P90                *float64 `json:"p90"`
	SkillClimo         *float64 `json:"skillClimo"`
	SkillClimoNoBias   *float64 `json:"skillClimoNoBias"`
	SkillPersist       *float64 `json:"skillPersist"`
	SkillPersistNoBias *float64 `json:"skillPersistNoBias"`
}

type Attrs struct {
	NumDays       int      `json:"numDays"`
	VerifyingDays []string `json:"verifyingDays"`
}

type ModelStats struct {
	Attrs Attrs            `json:"attrs"`
	Stats map[string]Stats `json:"stats"`
}

// Report maps station to model to scores.
type Report map[string]map[string]*ModelStats

// EndDate is the last scored day for a run at now. Verification for a day is
// not complete until 06Z the day after.
func EndDate(now time.Time) time.Time {
	return models.Day(now.UTC().Add(-30 * time.Hour))
}

type Calculator struct {
	reader  DailyReader
	binding string
	log     *slog.Logger
}

func NewCalculator(reader DailyReader, binding string, log *slog.Logger) *Calculator {
	if log == nil {
		log = slog.Default()
	}
	return &Calculator{reader: reader, binding: binding, log: log}
}

// Compute scores each model for each station over the window ending at end.
// Stations without verification and models without forecasts are skipped.
func (c *Calculator) Compute(ctx context.Context, stations, modelNames []string, end time.Time) (Report, error) {
	report := Report{}
	for _, stid := range stations {
		byModel, err := c.Station(ctx, stid, modelNames, end)
		if err != nil {
			if store.IsMissingData(err) {
				c.log.Warn("skipping station stats", "station", stid, "error", err)
				continue
			}
			return nil, err
		}
		if len(byModel) > 0 {
			report[models.NormalizeStation(stid)] = byModel
		}
	}
	return report, nil
}

// Station scores the models of one station. It returns a MissingDataError
// when the station has no verification or climatology in the window.
func (c *Calculator) Station(ctx context.Context, stid string, modelNames []string, end time.Time) (map[string]*ModelStats, error) {
	end = models.Day(end)
	start := end.AddDate(0, 0, -WindowDays)

	verifs, err := c.reader.ReadDailies(ctx, c.binding, schema.Verif, stid, store.Query{Start: start, End: end})
	if err != nil {
		return nil, err
	}
	verif := byDay(verifs)

	persist := make(map[string]*models.Daily, len(verifs))
	for _, v := range verifs {
		p := *v
		p.Date = v.Date.AddDate(0, 0, 1)
		persist[key(p.Date)] = &p
	}

	climo, err := c.climatology(ctx, stid, start, end)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*ModelStats)
	for _, model := range modelNames {
		forecasts, err := c.reader.ReadDailies(ctx, c.binding, schema.DailyForecast, stid, store.Query{
			Model: model,
			Start: start.AddDate(0, 0, 1),
			End:   end,
		})
		if err != nil {
			if store.IsMissingData(err) {
				c.log.Warn("no forecasts to verify", "station", stid, "model", model)
				continue
			}
			return nil, err
		}
		forecast := byDay(forecasts)

		var days []string
		for d := range forecast {
			if verif[d] != nil && climo[d] != nil && persist[d] != nil {
				days = append(days, d)
			}
		}
		if len(days) == 0 {
			c.log.Warn("no verifying days", "station", stid, "model", model)
			continue
		}
		sort.Strings(days)
		out[model] = Score(forecast, verif, climo, persist, days)
	}
	return out, nil
}

// climatology returns the climo daily for each day in [start, end], taken
// from the year the station's CLIMO table holds. That is the last leap year
// at backfill time, which need not be the last leap year before end.
func (c *Calculator) climatology(ctx context.Context, stid string, start, end time.Time) (map[string]*models.Daily, error) {
	latest, ok, err := c.reader.LatestTime(ctx, c.binding, schema.Climo, stid)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &store.MissingDataError{Table: models.NormalizeStation(stid) + "_" + schema.Climo, Start: start, End: end}
	}
	year := latest.Year()
	rows, err := c.reader.ReadDailies(ctx, c.binding, schema.Climo, stid, store.Query{
		Start: time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		return nil, err
	}
	normals := make(map[string]*models.Daily, len(rows))
	for _, r := range rows {
		normals[r.Date.Format("01-02")] = r
	}

	out := make(map[string]*models.Daily)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		n, ok := normals[d.Format("01-02")]
		if !ok {
			continue
		}
		cp := *n
		cp.Date = d
		out[key(d)] = &cp
	}
	return out, nil
}

func byDay(dailies []*models.Daily) map[string]*models.Daily {
	out := make(map[string]*models.Daily, len(dailies))
	for _, d := range dailies {
		out[key(d.Date)] = d
	}
	return out
}

func key(t time.Time) string {
	return models.FormatTime(models.Day(t))
}

// Score computes the statistics of every variable over the given days. The
// maps are keyed by day as produced by models.FormatTime.
func Score(forecast, verif, climo, persist map[string]*models.Daily, days []string) *ModelStats {
	ms := &ModelStats{
		Attrs: Attrs{NumDays: len(days), VerifyingDays: days},
		Stats: make(map[string]Stats, len(Variables)),
	}
	for _, m := range Variables {
		f := series(forecast, days, m)
		v := series(verif, days, m)
		fe := newErrors(f, v)
		ce := newErrors(series(climo, days, m), v)
		pe := newErrors(series(persist, days, m), v)

		st := Stats{
			Bias:       num(fe.bias),
			RMSE:       num(fe.rmse),
			RMSENoBias: num(fe.rmseNoBias),
			MAE:        num(fe.mae),
		}
		st.P50, st.P90 = fe.quantiles()
		st.SkillClimo = num(1 - fe.rmse/ce.rmse)
		st.SkillClimoNoBias = num(1 - fe.rmseNoBias/ce.rmse)
		st.SkillPersist = num(1 - fe.rmse/pe.rmse)
		st.SkillPersistNoBias = num(1 - fe.rmseNoBias/pe.rmse)
		ms.Stats[m.String()] = st
	}
	return ms
}

func series(byDay map[string]*models.Daily, days []string, m models.Measurement) []float64 {
	out := make([]float64, len(days))
	for i, d := range days {
		out[i] = math.NaN()
		daily := byDay[d]
		if daily == nil {
			continue
		}
		if v, ok := daily.Value(m).(float64); ok {
			out[i] = v
		}
	}
	return out
}

type errorStats struct {
	diffs      []float64
	bias       float64
	rmse       float64
	rmseNoBias float64
	mae        float64
}

// newErrors summarizes forecast minus observed, ignoring pairs where either
// side is missing. All fields are NaN when no pair is complete.
func newErrors(forecast, observed []float64) errorStats {
	e := errorStats{bias: math.NaN(), rmse: math.NaN(), rmseNoBias: math.NaN(), mae: math.NaN()}
	for i := range forecast {
		d := forecast[i] - observed[i]
		if !math.IsNaN(d) {
			e.diffs = append(e.diffs, d)
		}
	}
	if len(e.diffs) == 0 {
		return e
	}

	n := float64(len(e.diffs))
	var sum, sq, abs float64
	for _, d := range e.diffs {
		sum += d
		sq += d * d
		abs += math.Abs(d)
	}
	e.bias = sum / n
	e.rmse = math.Sqrt(sq / n)
	e.mae = abs / n

	var nb float64
	for _, d := range e.diffs {
		nb += (d - e.bias) * (d - e.bias)
	}
	e.rmseNoBias = math.Sqrt(nb / n)
	return e
}

func (e errorStats) quantiles() (*float64, *float64) {
	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		return nil, nil
	}
	for _, d := range e.diffs {
		if err := sketch.Add(math.Abs(d)); err != nil {
			return nil, nil
		}
	}
	if sketch.IsEmpty() {
		return nil, nil
	}
	p50, err := sketch.GetValueAtQuantile(0.5)
	if err != nil {
		return nil, nil
	}
	p90, err := sketch.GetValueAtQuantile(0.9)
	if err != nil {
		return nil, nil
	}
	return num(p50), num(p90)
}

func num(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	return nil
}
