package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
	"github.com/lox/wxarchive/internal/store"
)

type fakeReader map[string][]*models.Daily

func (f fakeReader) ReadDailies(_ context.Context, _, tableType, stid string, q store.Query) ([]*models.Daily, error) {
	table := models.NormalizeStation(stid) + "_" + tableType
	var out []*models.Daily
	for _, d := range f[table] {
		if d.Date.Before(q.Start) || d.Date.After(q.End) {
			continue
		}
		if q.Model != "" && !strings.EqualFold(d.Source, q.Model) {
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, &store.MissingDataError{Table: table, Model: q.Model, Start: q.Start, End: q.End}
	}
	return out, nil
}

func (f fakeReader) LatestTime(_ context.Context, _, tableType, stid string) (time.Time, bool, error) {
	var latest time.Time
	for _, d := range f[models.NormalizeStation(stid)+"_"+tableType] {
		if d.Date.After(latest) {
			latest = d.Date
		}
	}
	return latest, !latest.IsZero(), nil
}

func day(m time.Month, d int) time.Time {
	return time.Date(2020, m, d, 0, 0, 0, 0, time.UTC)
}

func daily(date time.Time, source string, high, low, wind float64) *models.Daily {
	d := models.NewDaily("KSEA", date)
	d.Source = source
	d.SetValues(high, low, wind, 0)
	d.Rain = models.NewDaily("KSEA", date).Rain
	return d
}

func TestEndDate(t *testing.T) {
	assert.Equal(t, day(1, 30), EndDate(time.Date(2020, 1, 31, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, day(1, 29), EndDate(time.Date(2020, 1, 31, 5, 0, 0, 0, time.UTC)))
}

func TestScore(t *testing.T) {
	d1, d2 := models.FormatTime(day(1, 5)), models.FormatTime(day(1, 6))
	days := []string{d1, d2}

	forecast := map[string]*models.Daily{d1: daily(day(1, 5), "GFS", 52, 40, 10), d2: daily(day(1, 6), "GFS", 48, 40, 10)}
	verif := map[string]*models.Daily{d1: daily(day(1, 5), "", 50, 40, 10), d2: daily(day(1, 6), "", 50, 40, 10)}
	climo := map[string]*models.Daily{d1: daily(day(1, 5), "", 45, 35, 10), d2: daily(day(1, 6), "", 45, 35, 10)}
	persist := map[string]*models.Daily{d1: daily(day(1, 5), "", 50, 44, 10), d2: daily(day(1, 6), "", 50, 36, 10)}

	ms := Score(forecast, verif, climo, persist, days)
	assert.Equal(t, 2, ms.Attrs.NumDays)
	assert.Equal(t, days, ms.Attrs.VerifyingDays)

	high := ms.Stats["high"]
	require.NotNil(t, high.Bias)
	assert.InDelta(t, 0, *high.Bias, 1e-9)
	assert.InDelta(t, 2, *high.RMSE, 1e-9)
	assert.InDelta(t, 2, *high.MAE, 1e-9)
	assert.InDelta(t, 2, *high.RMSENoBias, 1e-9)
	assert.InDelta(t, 0.6, *high.SkillClimo, 1e-9)
	assert.InDelta(t, 2, *high.P50, 0.05)
	assert.InDelta(t, 2, *high.P90, 0.05)
	assert.Nil(t, high.SkillPersist, "persistence was perfect")

	low := ms.Stats["low"]
	assert.InDelta(t, 0, *low.RMSE, 1e-9)
	assert.InDelta(t, 1, *low.SkillClimo, 1e-9)
	assert.InDelta(t, 1, *low.SkillPersist, 1e-9)

	rain := ms.Stats["rain"]
	assert.Nil(t, rain.Bias)
	assert.Nil(t, rain.RMSE)
	assert.Nil(t, rain.P50)
}

func TestNewErrorsIgnoresMissingPairs(t *testing.T) {
	e := newErrors([]float64{3, math.NaN(), 1}, []float64{1, 5, math.NaN()})
	assert.Len(t, e.diffs, 1)
	assert.InDelta(t, 2, e.bias, 1e-9)
	assert.InDelta(t, 0, e.rmseNoBias, 1e-9)
}

func TestComputeSkipsMissing(t *testing.T) {
	r := fakeReader{}
	for d := 1; d <= 31; d++ {
		r["KSEA_"+schema.Verif] = append(r["KSEA_"+schema.Verif], daily(day(1, d), "", 50, 40, 10))
	}
	for d := day(1, 1); d.Year() == 2020; d = d.AddDate(0, 0, 1) {
		r["KSEA_"+schema.Climo] = append(r["KSEA_"+schema.Climo], daily(d, "", 45, 35, 8))
	}
	r["KSEA_"+schema.DailyForecast] = []*models.Daily{
		daily(day(1, 5), "GFS", 51, 41, 11),
		daily(day(1, 6), "GFS", 49, 39, 9),
		// Outside the window.
		daily(day(3, 1), "GFS", 0, 0, 0),
	}

	c := NewCalculator(r, "forecast", nil)
	report, err := c.Compute(context.Background(), []string{"KSEA", "KBFI"}, []string{"GFS", "NAM"}, day(1, 31))
	require.NoError(t, err)

	require.Contains(t, report, "KSEA")
	assert.NotContains(t, report, "KBFI", "no verification")
	assert.NotContains(t, report["KSEA"], "NAM", "no forecasts")

	gfs := report["KSEA"]["GFS"]
	require.NotNil(t, gfs)
	assert.Equal(t, []string{models.FormatTime(day(1, 5)), models.FormatTime(day(1, 6))}, gfs.Attrs.VerifyingDays)
	assert.InDelta(t, 1, *gfs.Stats["high"].RMSE, 1e-9)
	assert.InDelta(t, 0.8, *gfs.Stats["high"].SkillClimo, 1e-9)
}

func TestClimatologyUsesStoredYear(t *testing.T) {
	r := fakeReader{}
	feb29 := daily(day(2, 29), "", 44, 33, 7)
	r["KSEA_"+schema.Climo] = []*models.Daily{feb29, daily(day(12, 31), "", 40, 30, 5)}
	c := NewCalculator(r, "forecast", nil)

	// 2024 is itself a leap year but the table still holds 2020.
	end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := c.climatology(context.Background(), "KSEA", end.AddDate(0, 0, -3), end)
	require.NoError(t, err)
	leapDay := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	require.Contains(t, got, models.FormatTime(leapDay))
	assert.Equal(t, leapDay, got[models.FormatTime(leapDay)].Date)

	end = time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err = c.climatology(context.Background(), "KSEA", end.AddDate(0, 0, -3), end)
	require.NoError(t, err)
	assert.Empty(t, got, "2023 has no 29 February")

	end = time.Date(2021, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err = c.climatology(context.Background(), "KSEA", end, end)
	require.NoError(t, err)
	require.Contains(t, got, models.FormatTime(end))
	assert.Equal(t, end, got[models.FormatTime(end)].Date)

	_, err = c.climatology(context.Background(), "KBFI", end, end)
	assert.True(t, store.IsMissingData(err))
}

func TestComputeAfterLeapYearTurnover(t *testing.T) {
	r := fakeReader{}
	end := time.Date(2028, 6, 15, 0, 0, 0, 0, time.UTC)
	for d := end.AddDate(0, 0, -WindowDays); !d.After(end); d = d.AddDate(0, 0, 1) {
		r["KSEA_"+schema.Verif] = append(r["KSEA_"+schema.Verif], daily(d, "", 70, 50, 10))
		r["KSEA_"+schema.DailyForecast] = append(r["KSEA_"+schema.DailyForecast], daily(d, "GFS", 71, 50, 10))
	}
	for d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC); d.Year() == 2024; d = d.AddDate(0, 0, 1) {
		r["KSEA_"+schema.Climo] = append(r["KSEA_"+schema.Climo], daily(d, "", 65, 45, 8))
	}

	report, err := NewCalculator(r, "forecast", nil).Compute(context.Background(), []string{"KSEA"}, []string{"GFS"}, end)
	require.NoError(t, err)
	require.Contains(t, report, "KSEA")
	gfs := report["KSEA"]["GFS"]
	require.NotNil(t, gfs)
	assert.Equal(t, WindowDays, gfs.Attrs.NumDays)
	assert.InDelta(t, 0.8, *gfs.Stats["high"].SkillClimo, 1e-9)
}

func TestWriteJSONRendersNull(t *testing.T) {
	d := models.FormatTime(day(1, 5))
	v := daily(day(1, 5), "", 50, 40, 10)
	ms := Score(map[string]*models.Daily{d: v}, map[string]*models.Daily{d: v}, map[string]*models.Daily{d: v}, map[string]*models.Daily{d: v}, []string{d})

	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, Report{"KSEA": {"GFS": ms}}))

	var decoded map[string]map[string]map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	stats := decoded["KSEA"]["GFS"]["stats"].(map[string]any)
	high := stats["high"].(map[string]any)
	assert.Equal(t, 0.0, high["rmse"])
	assert.Nil(t, high["skillClimo"])
	assert.Contains(t, high, "skillClimo")
}
