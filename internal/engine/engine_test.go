package engine

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/lox/wxarchive/internal/config"
	"github.com/lox/wxarchive/internal/driver"
	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
	"github.com/lox/wxarchive/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var testNow = time.Date(2020, 1, 10, 12, 0, 0, 0, time.UTC)

type brokenDriver struct{}

func (brokenDriver) Forecast(context.Context, string, time.Time) (*models.Forecast, error) {
	return nil, errors.New("upstream unavailable")
}

func testConfig(root string, modelDrivers map[string]string, stations ...string) *config.Config {
	cfg := &config.Config{
		ArchiveRoot: root,
		Databases:   map[string]config.Database{"forecast_db": {File: "forecast.db"}},
		DataBindings: map[string]config.DataBinding{
			config.ForecastBinding: {Database: "forecast_db", Schema: schema.DefaultName},
		},
		Stations: map[string]config.Station{},
		Models:   map[string]config.Model{},
		Verification: config.Verification{
			Verif: "dummy",
			Obs:   "dummy",
			Climo: "dummy",
		},
	}
	for _, stid := range stations {
		cfg.Stations[stid] = config.Station{}
	}
	for model, d := range modelDrivers {
		cfg.Models[model] = config.Model{Driver: d}
	}
	cfg.ApplyDefaults()
	return cfg
}

func setupEngine(t *testing.T, cfg *config.Config) (*Engine, *store.Store, *clockwork.FakeClock) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	clock := clockwork.NewFakeClockAt(testNow)
	s := store.New(cfg, nil, store.WithClock(clock))

	drivers := driver.NewRegistry()
	require.NoError(t, drivers.Register("dummy", driver.NewDummy()))
	require.NoError(t, drivers.Register("broken", brokenDriver{}))
	require.NoError(t, drivers.Register("persistence", driver.NewPersistence(s, config.ForecastBinding)))

	return New(s, drivers, WithClock(clock)), s, clock
}

func TestRunOnceArchivesAndScores(t *testing.T) {
	cfg := testConfig(t.TempDir(), map[string]string{"DUMMY": "dummy", "PERSISTENCE": "persistence"}, "KSEA", "KBFI")
	e, s, _ := setupEngine(t, cfg)
	ctx := context.Background()

	sum, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"KBFI", "KSEA"}, sum.Backfilled)
	assert.Equal(t, int64(4), sum.Forecasts)
	assert.Zero(t, sum.Failures)

	tomorrow := time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC)
	f, err := s.ReadForecast(ctx, "KSEA", "DUMMY", tomorrow, s.DefaultForecastQuery())
	require.NoError(t, err)
	assert.Equal(t, "DUMMY", f.Daily.Source)
	assert.True(t, f.Daily.High.Valid)

	// Persistence repeats today's verification.
	p, err := s.ReadDaily(ctx, config.ForecastBinding, schema.DailyForecast, "KSEA", store.Query{Model: "PERSISTENCE", Start: tomorrow, End: tomorrow})
	require.NoError(t, err)
	v, err := s.ReadDaily(ctx, config.ForecastBinding, schema.Verif, "KSEA", store.Query{Start: tomorrow.AddDate(0, 0, -1), End: tomorrow.AddDate(0, 0, -1)})
	require.NoError(t, err)
	assert.Equal(t, v.High, p.High)

	_, err = os.Stat(sum.StatsPath)
	require.NoError(t, err)
	require.Contains(t, sum.Report, "KSEA")
	dummy := sum.Report["KSEA"]["DUMMY"]
	require.NotNil(t, dummy)
	assert.Greater(t, dummy.Attrs.NumDays, 20)
	assert.NotNil(t, dummy.Stats["high"].RMSE)

	failures, err := s.RecentFailures(ctx, "forecast_db", 10)
	require.NoError(t, err)
	assert.Empty(t, failures)

	again, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Backfilled, "tables are current after the first pass")
}

func TestRunOnceNextDayPersistence(t *testing.T) {
	cfg := testConfig(t.TempDir(), map[string]string{"PERSISTENCE": "persistence"}, "KSEA")
	e, s, clock := setupEngine(t, cfg)
	ctx := context.Background()

	_, err := e.RunOnce(ctx)
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	sum, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, sum.Backfilled)
	assert.Zero(t, sum.Failures)
	assert.Equal(t, int64(1), sum.Forecasts)

	jan12 := time.Date(2020, 1, 12, 0, 0, 0, 0, time.UTC)
	p, err := s.ReadDaily(ctx, config.ForecastBinding, schema.DailyForecast, "KSEA", store.Query{Model: "PERSISTENCE", Start: jan12, End: jan12})
	require.NoError(t, err)
	v, err := s.ReadDaily(ctx, config.ForecastBinding, schema.Verif, "KSEA", store.Query{Start: jan12.AddDate(0, 0, -1), End: jan12.AddDate(0, 0, -1)})
	require.NoError(t, err)
	assert.Equal(t, v.High, p.High)
}

func TestRunOnceSkipsFailingDriver(t *testing.T) {
	cfg := testConfig(t.TempDir(), map[string]string{"DUMMY": "dummy", "BROKEN": "broken"}, "KSEA")
	e, s, _ := setupEngine(t, cfg)
	ctx := context.Background()

	sum, err := e.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Forecasts)
	assert.Equal(t, int64(1), sum.Failures)

	failures, err := s.RecentFailures(ctx, "forecast_db", 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, store.RunForecast, failures[0].Kind)
	assert.Equal(t, "BROKEN", failures[0].Model.String)
	assert.Contains(t, failures[0].ErrorMessage.String, "upstream unavailable")
}

func TestRunOnceTraceback(t *testing.T) {
	cfg := testConfig(t.TempDir(), map[string]string{"BROKEN": "broken"}, "KSEA")
	cfg.Traceback = true
	e, _, _ := setupEngine(t, cfg)

	_, err := e.RunOnce(context.Background())
	assert.ErrorContains(t, err, "upstream unavailable")
}

func TestRunOnceUnknownDriverIsSkipped(t *testing.T) {
	cfg := testConfig(t.TempDir(), map[string]string{"GFS": "nope"}, "KSEA")
	e, _, _ := setupEngine(t, cfg)

	sum, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.Failures, "history and forecast lookups both fail")
}

func TestLoopStopsOnCancel(t *testing.T) {
	cfg := testConfig(t.TempDir(), map[string]string{"DUMMY": "dummy"}, "KSEA")
	e, s, clock := setupEngine(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Loop(ctx, time.Hour)
	}()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	latest, ok, err := s.LatestTime(context.Background(), config.ForecastBinding, schema.DailyForecast, "KSEA")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, time.Date(2020, 1, 11, 0, 0, 0, 0, time.UTC), latest)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not stop")
	}
}
