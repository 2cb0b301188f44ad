package driver

import (
	"context"
	"hash/fnv"
	"math"
	"time"

	"github.com/lox/wxarchive/internal/models"
)

// DummyName is the source label the dummy driver stamps on its output.
const DummyName = "DUMMY"

// Dummy generates deterministic synthetic data for every capability. The same
// station and day always give the same values.
type Dummy struct{}

func NewDummy() *Dummy {
	return &Dummy{}
}

func seed(stid string, t time.Time, salt string) float64 {
	h := fnv.New64a()
	h.Write([]byte(models.NormalizeStation(stid)))
	h.Write([]byte(models.FormatTime(t)))
	h.Write([]byte(salt))
	return float64(h.Sum64()%10000) / 10000
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func (d *Dummy) daily(stid string, date time.Time, salt string) *models.Daily {
	day := models.NewDaily(stid, date)
	day.Source = DummyName
	high := round(40+seed(stid, day.Date, salt+"high")*50, 0)
	low := round(high-5-seed(stid, day.Date, salt+"low")*20, 0)
	day.SetValues(
		high,
		low,
		round(seed(stid, day.Date, salt+"wind")*40, 0),
		round(seed(stid, day.Date, salt+"rain")*3, 2),
	)
	return day
}

func (d *Dummy) series(stid string, start, end time.Time, step time.Duration, salt string) *models.TimeSeries {
	ts := models.NewTimeSeries(stid)
	ts.Source = DummyName
	for t := start; !t.After(end); t = t.Add(step) {
		var row models.Row
		row.Time = t
		temp := round(40+seed(stid, t, salt+"temp")*30, 1)
		row.SetValue(models.Temperature, temp)
		row.SetValue(models.Dewpoint, round(temp-seed(stid, t, salt+"dew")*10, 1))
		row.SetValue(models.WindSpeed, round(seed(stid, t, salt+"wind")*25, 1))
		row.SetValue(models.WindDirection, round(seed(stid, t, salt+"dir")*360, 0))
		row.SetValue(models.Cloud, round(seed(stid, t, salt+"cloud"), 2))
		ts.Add(row)
	}
	return ts
}

func (d *Dummy) Forecast(_ context.Context, stid string, date time.Time) (*models.Forecast, error) {
	f := models.NewForecast(stid, DummyName, date)
	f.Daily = d.daily(stid, date, "forecast")
	start := f.Date
	f.TimeSeries = d.series(stid, start, start.Add(36*time.Hour), 3*time.Hour, "forecast")
	f.SetSource(DummyName)
	return f, nil
}

func (d *Dummy) Historical(ctx context.Context, stid string, dates []time.Time) ([]*models.Forecast, error) {
	out := make([]*models.Forecast, 0, len(dates))
	for _, date := range dates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := d.Forecast(ctx, stid, date)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (d *Dummy) Verification(_ context.Context, stid string, start, end time.Time) ([]*models.Daily, error) {
	var out []*models.Daily
	for _, day := range Days(start, end) {
		v := d.daily(stid, day, "verif")
		v.Source = ""
		out = append(out, v)
	}
	return out, nil
}

func (d *Dummy) Observations(_ context.Context, stid string, start, end time.Time) (*models.TimeSeries, error) {
	ts := d.series(stid, start.Truncate(time.Hour), end, time.Hour, "obs")
	ts.Source = ""
	return ts, nil
}

func (d *Dummy) Climo(_ context.Context, stid string, year int) ([]*models.Daily, error) {
	start := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(year, 12, 31, 0, 0, 0, 0, time.UTC)
	var out []*models.Daily
	for _, day := range Days(start, end) {
		c := d.daily(stid, day, "climo")
		c.Source = ""
		out = append(out, c)
	}
	return out, nil
}
