package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
	"github.com/lox/wxarchive/internal/store"
)

// PersistenceName is the source label of persistence forecasts.
const PersistenceName = "PERSISTENCE"

// ArchiveReader is the part of the store the persistence driver reads from.
type ArchiveReader interface {
	ReadDaily(ctx context.Context, binding, tableType, stid string, q store.Query) (*models.Daily, error)
	ReadTimeSeries(ctx context.Context, binding, tableType, stid string, q store.Query) (*models.TimeSeries, error)
}

// Persistence forecasts that a day will repeat the previous day's observed
// values: the daily from VERIF and the hourly series from OBS, shifted by 24h.
type Persistence struct {
	reader  ArchiveReader
	binding string
}

func NewPersistence(reader ArchiveReader, binding string) *Persistence {
	return &Persistence{reader: reader, binding: binding}
}

func (p *Persistence) Forecast(ctx context.Context, stid string, date time.Time) (*models.Forecast, error) {
	day := models.Day(date)
	prev := day.AddDate(0, 0, -1)

	verif, err := p.reader.ReadDaily(ctx, p.binding, schema.Verif, stid, store.Query{Start: prev, End: prev})
	if err != nil {
		return nil, fmt.Errorf("persistence for %s: %w", models.FormatTime(day), err)
	}

	f := models.NewForecast(stid, PersistenceName, day)
	f.Daily.High, f.Daily.Low, f.Daily.Wind, f.Daily.Rain = verif.High, verif.Low, verif.Wind, verif.Rain

	obs, err := p.reader.ReadTimeSeries(ctx, p.binding, schema.OBS, stid, store.Query{Start: prev, End: day.Add(-time.Minute)})
	switch {
	case err == nil:
		for _, row := range obs.Rows {
			row.Time = row.Time.Add(24 * time.Hour)
			row.Extra = nil
			f.TimeSeries.Add(row)
		}
	case !store.IsMissingData(err):
		return nil, fmt.Errorf("persistence obs: %w", err)
	}

	f.SetSource(PersistenceName)
	return f, nil
}
