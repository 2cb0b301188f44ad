// Package engine sequences a retrieval pass: make sure every station table
// exists and is current, backfill stations that need it, archive tomorrow's
// forecasts and the latest verification, then recompute statistics.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/lox/wxarchive/internal/config"
	"github.com/lox/wxarchive/internal/driver"
	"github.com/lox/wxarchive/internal/logging"
	"github.com/lox/wxarchive/internal/metrics"
	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
	"github.com/lox/wxarchive/internal/store"
	"github.com/lox/wxarchive/internal/verify"
)

type Engine struct {
	store   *store.Store
	cfg     *config.Config
	drivers *driver.Registry
	clock   clockwork.Clock
	log     *slog.Logger
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func New(s *store.Store, drivers *driver.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		cfg:     s.Config(),
		drivers: drivers,
		clock:   clockwork.NewRealClock(),
		log:     logging.Component("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Summary describes one pass.
type Summary struct {
	Backfilled []string
	Forecasts  int64
	Failures   int64
	Report     verify.Report
	StatsPath  string
}

// RunOnce performs one full pass. Table lifecycle errors are returned;
// driver and write failures for a single station or model are logged,
// audited and skipped unless the config sets traceback.
func (e *Engine) RunOnce(ctx context.Context) (*Summary, error) {
	backfill, err := e.store.EnsureTables(ctx, store.PolicyConfigured)
	if err != nil {
		return nil, fmt.Errorf("ensure tables: %w", err)
	}
	sum := &Summary{Backfilled: backfill}
	needsBackfill := make(map[string]bool, len(backfill))
	for _, stid := range backfill {
		needsBackfill[stid] = true
	}

	var forecasts, failures atomic.Int64
	p := &pass{Engine: e, now: e.clock.Now().UTC(), forecasts: &forecasts, failures: &failures}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, stid := range e.cfg.StationIDs() {
		g.Go(func() error {
			return p.station(gctx, stid, needsBackfill[stid])
		})
	}
	err = g.Wait()
	sum.Forecasts = forecasts.Load()
	sum.Failures = failures.Load()
	if err != nil {
		return sum, err
	}

	report, path, err := e.Stats(ctx)
	if err != nil {
		if e.cfg.Traceback {
			return sum, err
		}
		e.log.Error("stats failed", "error", err)
		sum.Failures++
		return sum, nil
	}
	sum.Report, sum.StatsPath = report, path

	e.log.Info("pass complete",
		"stations", len(e.cfg.StationIDs()),
		"backfilled", len(backfill),
		"forecasts", sum.Forecasts,
		"failures", sum.Failures)
	return sum, nil
}

// Loop runs a pass immediately and then every interval until ctx is done.
func (e *Engine) Loop(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = e.cfg.Interval
	}
	if err := e.loopPass(ctx); err != nil {
		return err
	}

	ticker := e.clock.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine shutting down")
			return nil
		case <-ticker.Chan():
			if err := e.loopPass(ctx); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) loopPass(ctx context.Context) error {
	_, err := e.RunOnce(ctx)
	if err == nil || ctx.Err() != nil {
		return nil
	}
	if e.cfg.Traceback {
		return err
	}
	e.log.Error("pass failed", "error", err)
	return nil
}

// Stats computes verification statistics for every station and model and
// writes them as JSON under the archive directory.
func (e *Engine) Stats(ctx context.Context) (verify.Report, string, error) {
	calc := verify.NewCalculator(e.store, config.ForecastBinding, e.log.With("stage", "stats"))
	end := verify.EndDate(e.clock.Now())
	report, err := calc.Compute(ctx, e.cfg.StationIDs(), e.cfg.ModelNames(), end)
	if err != nil {
		return nil, "", fmt.Errorf("compute stats: %w", err)
	}

	dir := filepath.Join(e.cfg.ArchiveRoot, store.ArchiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, verify.FileName+".*")
	if err != nil {
		return nil, "", fmt.Errorf("create stats file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := verify.WriteJSON(tmp, report); err != nil {
		tmp.Close()
		return nil, "", err
	}
	if err := tmp.Close(); err != nil {
		return nil, "", fmt.Errorf("close stats file: %w", err)
	}
	path := filepath.Join(dir, verify.FileName)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return nil, "", fmt.Errorf("rename stats file: %w", err)
	}
	e.log.Info("wrote stats", "path", path, "stations", len(report))
	return report, path, nil
}

// pass carries the state shared by the station workers of one RunOnce.
type pass struct {
	*Engine
	now       time.Time
	forecasts *atomic.Int64
	failures  *atomic.Int64
}

func (p *pass) station(ctx context.Context, stid string, backfill bool) error {
	log := p.log.With("station", stid)
	if backfill {
		log.Info("backfilling station", "since", models.FormatTime(p.cfg.HistoryStart(stid, p.now)))
		if err := p.historical(ctx, stid); err != nil {
			return err
		}
	}

	// Verification first: persistence forecasts read today's row.
	today := models.Day(p.now)
	if err := p.observed(ctx, stid, today.AddDate(0, 0, -1), p.now); err != nil {
		return err
	}

	tomorrow := today.AddDate(0, 0, 1)
	for _, model := range p.cfg.ModelNames() {
		if err := p.forecast(ctx, stid, model, tomorrow); err != nil {
			return err
		}
	}
	return nil
}

func (p *pass) forecast(ctx context.Context, stid, model string, date time.Time) error {
	name := p.cfg.Models[model].Driver
	return p.retrieve(ctx, store.RunForecast, model, stid, name, func(ctx context.Context) (int, error) {
		d, err := p.drivers.Forecast(name)
		if err != nil {
			return 0, err
		}
		f, err := d.Forecast(ctx, stid, date)
		if err != nil {
			return 0, err
		}
		if f == nil {
			return 0, fmt.Errorf("driver %s returned no forecast", name)
		}
		f.SetSource(model)
		p.qualityCheck(stid, store.RunForecast, f.Daily.Scrub(), f.TimeSeries.Scrub())
		if err := p.store.WriteForecast(ctx, []*models.Forecast{f}); err != nil {
			return 0, err
		}
		p.forecasts.Add(1)
		metrics.ForecastsArchived.WithLabelValues(f.StationID, model).Inc()
		return 1 + f.TimeSeries.Len(), nil
	})
}

// observed archives verification and observations for [start, end].
func (p *pass) observed(ctx context.Context, stid string, start, end time.Time) error {
	v := p.cfg.Verification
	if v.Verif != "" {
		err := p.retrieve(ctx, store.RunVerification, "", stid, v.Verif, func(ctx context.Context) (int, error) {
			d, err := p.drivers.Verification(v.Verif)
			if err != nil {
				return 0, err
			}
			dailies, err := d.Verification(ctx, stid, start, end)
			if err != nil {
				return 0, err
			}
			for _, v := range dailies {
				p.qualityCheck(stid, store.RunVerification, v.Scrub())
			}
			if len(dailies) == 0 {
				return 0, nil
			}
			return len(dailies), p.store.WriteDaily(ctx, config.ForecastBinding, schema.Verif, dailies)
		})
		if err != nil {
			return err
		}
	}

	if v.Obs != "" {
		err := p.retrieve(ctx, store.RunObs, "", stid, v.Obs, func(ctx context.Context) (int, error) {
			d, err := p.drivers.Obs(v.Obs)
			if err != nil {
				return 0, err
			}
			ts, err := d.Observations(ctx, stid, start, end)
			if err != nil {
				return 0, err
			}
			p.qualityCheck(stid, store.RunObs, ts.Scrub())
			if ts.Len() == 0 {
				return 0, nil
			}
			return ts.Len(), p.store.WriteTimeSeries(ctx, config.ForecastBinding, schema.OBS, []*models.TimeSeries{ts})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// historical backfills a station from its history start: verification,
// observations, climatology and, for drivers that support it, forecasts.
func (p *pass) historical(ctx context.Context, stid string) error {
	start := p.cfg.HistoryStart(stid, p.now)
	if err := p.observed(ctx, stid, start, p.now); err != nil {
		return err
	}

	if name := p.cfg.Verification.Climo; name != "" {
		err := p.retrieve(ctx, store.RunClimo, "", stid, name, func(ctx context.Context) (int, error) {
			d, err := p.drivers.Climo(name)
			if err != nil {
				return 0, err
			}
			dailies, err := d.Climo(ctx, stid, models.LastLeapYear(p.now.Year()))
			if err != nil {
				return 0, err
			}
			for _, c := range dailies {
				p.qualityCheck(stid, store.RunClimo, c.Scrub())
			}
			if len(dailies) == 0 {
				return 0, nil
			}
			return len(dailies), p.store.WriteDaily(ctx, config.ForecastBinding, schema.Climo, dailies)
		})
		if err != nil {
			return err
		}
	}

	days := driver.Days(start, p.now)
	for _, model := range p.cfg.ModelNames() {
		name := p.cfg.Models[model].Driver
		h, ok, lookupErr := p.drivers.Historical(name)
		if lookupErr == nil && !ok {
			logging.Trace(p.log, "driver has no history", "driver", name, "model", model)
			continue
		}
		err := p.retrieve(ctx, store.RunHistorical, model, stid, name, func(ctx context.Context) (int, error) {
			if lookupErr != nil {
				return 0, lookupErr
			}
			forecasts, err := h.Historical(ctx, stid, days)
			if err != nil {
				return 0, err
			}
			rows := 0
			for _, f := range forecasts {
				f.SetSource(model)
				p.qualityCheck(stid, store.RunHistorical, f.Daily.Scrub(), f.TimeSeries.Scrub())
				rows += 1 + f.TimeSeries.Len()
			}
			if len(forecasts) == 0 {
				return 0, nil
			}
			return rows, p.store.WriteForecast(ctx, forecasts)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// qualityCheck logs the flags raised while scrubbing driver output.
func (p *pass) qualityCheck(stid, kind string, flags ...[]string) {
	var all []string
	for _, f := range flags {
		all = append(all, f...)
	}
	if len(all) > 0 {
		p.log.Warn("dropped implausible values", "station", stid, "kind", kind, "flags", all)
	}
}

// retrieve runs one audited driver call. A failure is returned only when
// the config sets traceback.
func (p *pass) retrieve(ctx context.Context, kind, model, stid, driverName string, fn func(context.Context) (int, error)) error {
	log := p.log.With("station", stid, "kind", kind, "driver", driverName)
	if model != "" {
		log = log.With("model", model)
	}

	database := ""
	if b, err := p.cfg.Binding(config.ForecastBinding); err == nil {
		database = b.Database
	}
	run, err := p.store.StartRun(ctx, database, kind, model, stid)
	if err != nil {
		log.Warn("could not record run start", "error", err)
	}

	rows, err := fn(ctx)
	if err != nil {
		run.Fail(err)
		metrics.DriverCalls.WithLabelValues(driverName, kind, "error").Inc()
	} else {
		run.Succeed(rows)
		metrics.DriverCalls.WithLabelValues(driverName, kind, "ok").Inc()
		log.Debug("retrieved", "rows", rows)
	}
	if run != nil {
		if cerr := p.store.CompleteRun(ctx, run); cerr != nil {
			log.Warn("could not record run completion", "error", cerr)
		}
	}

	if err == nil {
		return nil
	}
	p.failures.Add(1)
	if p.cfg.Traceback {
		return fmt.Errorf("%s %s for %s: %w", kind, driverName, stid, err)
	}
	log.Error("retrieval failed, skipping", "error", err)
	return nil
}
