package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"

	"github.com/lox/wxarchive/internal/config"
	"github.com/lox/wxarchive/internal/driver"
	"github.com/lox/wxarchive/internal/engine"
	"github.com/lox/wxarchive/internal/logging"
	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
	"github.com/lox/wxarchive/internal/store"
)

type Globals struct {
	Config  string                   `help:"Path to the YAML config." default:"wxarchive.yaml" env:"WXARCHIVE_CONFIG" type:"path"`
	Root    string                   `help:"Override archive_root from the config." env:"WXARCHIVE_ROOT" type:"path"`
	Debug   int                      `help:"Override the config debug level (-1 keeps it)." default:"-1" env:"WXARCHIVE_DEBUG"`
	EnvFile kongdotenv.ENVFileConfig `help:"Load environment from this file." name:"env-file" default:".env"`
}

type CLI struct {
	Globals

	Init   InitCmd   `cmd:"" help:"Create station tables and report their state."`
	Run    RunCmd    `cmd:"" help:"Run one retrieval pass and exit."`
	Daemon DaemonCmd `cmd:"" help:"Run retrieval passes on an interval."`
	Read   ReadCmd   `cmd:"" help:"Print archived rows for a station."`
	Stats  StatsCmd  `cmd:"" help:"Recompute verification statistics."`
	Export ExportCmd `cmd:"" help:"Export daily rows to a Parquet file."`
}

type app struct {
	cfg     *config.Config
	store   *store.Store
	drivers *driver.Registry
}

func (g *Globals) load() (*app, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return nil, err
	}
	if g.Root != "" {
		cfg.ArchiveRoot = g.Root
	}
	if g.Debug >= 0 {
		cfg.Debug = g.Debug
	}
	logging.Init(cfg.Debug, cfg.LogJSON)

	schemas := schema.NewRegistry()
	for _, path := range cfg.Schemas {
		s, err := schema.LoadFile(path)
		if err != nil {
			return nil, err
		}
		schemas.Register(s)
	}
	for _, name := range cfg.BindingNames() {
		b, _ := cfg.Binding(name)
		if _, err := schemas.Get(b.Schema); err != nil {
			return nil, err
		}
	}

	st := store.New(cfg, schemas)
	drivers := driver.NewRegistry()
	if err := drivers.Register("dummy", driver.NewDummy()); err != nil {
		return nil, err
	}
	if err := drivers.Register("persistence", driver.NewPersistence(st, config.ForecastBinding)); err != nil {
		return nil, err
	}
	return &app{cfg: cfg, store: st, drivers: drivers}, nil
}

type InitCmd struct {
	Policy string `help:"Reset policy for stale tables." enum:"configured,soft,hard" default:"configured"`
}

func (c *InitCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.load()
	if err != nil {
		return err
	}
	policy, err := store.ParseResetPolicy(c.Policy)
	if err != nil {
		return err
	}
	statuses, err := a.store.CheckTables(ctx, policy)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tLATEST\tSTATE")
	for _, st := range statuses {
		latest := "-"
		if !st.Latest.IsZero() {
			latest = models.FormatTime(st.Latest)
		}
		state := "ok"
		switch {
		case st.Created:
			state = "created"
		case st.Reset:
			state = "reset: " + st.Reason
		case st.Stale:
			state = "stale: " + st.Reason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", st.Table, latest, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if backfill := store.BackfillStations(statuses); len(backfill) > 0 {
		fmt.Printf("stations needing backfill: %s\n", strings.Join(backfill, ", "))
	}
	return nil
}

type RunCmd struct{}

func (c *RunCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.load()
	if err != nil {
		return err
	}
	sum, err := engine.New(a.store, a.drivers).RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("forecasts: %d, failures: %d, backfilled: %d\n", sum.Forecasts, sum.Failures, len(sum.Backfilled))
	if sum.StatsPath != "" {
		fmt.Printf("stats: %s\n", sum.StatsPath)
	}
	return nil
}

type DaemonCmd struct {
	Interval    time.Duration `help:"Time between passes; defaults to the config interval."`
	MetricsAddr string        `help:"Serve Prometheus metrics on this address." default:":9090"`
}

func (c *DaemonCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.load()
	if err != nil {
		return err
	}
	log := logging.Component("daemon")

	var srv *http.Server
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			log.Info("serving metrics", "addr", c.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
	}

	err = engine.New(a.store, a.drivers).Loop(ctx, c.Interval)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn("metrics server shutdown", "error", serr)
		}
	}
	return err
}

type ReadCmd struct {
	Station string `arg:"" help:"Station ID."`
	Type    string `arg:"" help:"Table type, e.g. OBS or DAILY_FORECAST."`
	Binding string `help:"Data binding to read from." default:"forecast"`
	Model   string `help:"Only rows for this model."`
	Start   string `help:"Window start (YYYY-MM-DD HH:MM); defaults to now."`
	End     string `help:"Window end; defaults to 24h after start."`
}

func parseOptionalTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return models.ParseTime(s)
}

func (c *ReadCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.load()
	if err != nil {
		return err
	}
	start, err := parseOptionalTime(c.Start)
	if err != nil {
		return err
	}
	end, err := parseOptionalTime(c.End)
	if err != nil {
		return err
	}

	if !models.ValidStation(c.Station) {
		return fmt.Errorf("invalid station id %q", c.Station)
	}
	database, tbl, err := a.store.TableFor(c.Binding, strings.ToUpper(c.Type))
	if err != nil {
		return err
	}

	res, err := a.store.Read(ctx, store.ReadRequest{
		Database: database,
		Table:    tbl.PhysicalName(c.Station),
		Index:    tbl.IndexColumn(),
		Model:    c.Model,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Fprintln(os.Stderr, "no rows")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			switch x := v.(type) {
			case nil:
				cells[i] = "NULL"
			case []byte:
				cells[i] = string(x)
			default:
				cells[i] = fmt.Sprint(x)
			}
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	return w.Flush()
}

type StatsCmd struct{}

func (c *StatsCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.load()
	if err != nil {
		return err
	}
	report, path, err := engine.New(a.store, a.drivers).Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scored %d stations, wrote %s\n", len(report), path)
	return nil
}

type ExportCmd struct {
	Station string `arg:"" help:"Station ID."`
	Type    string `help:"Daily table type." default:"DAILY_FORECAST" enum:"DAILY_FORECAST,VERIF,CLIMO"`
	Model   string `help:"Only rows for this model."`
	Start   string `help:"Window start; defaults to 30 days ago."`
	End     string `help:"Window end; defaults to now."`
	Out     string `help:"Output Parquet file." required:"" type:"path"`
}

func (c *ExportCmd) Run(ctx context.Context, g *Globals) error {
	a, err := g.load()
	if err != nil {
		return err
	}
	start, err := parseOptionalTime(c.Start)
	if err != nil {
		return err
	}
	end, err := parseOptionalTime(c.End)
	if err != nil {
		return err
	}
	if end.IsZero() {
		end = a.store.Now()
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -config.DefaultRetentionDays)
	}

	f, err := os.Create(c.Out)
	if err != nil {
		return err
	}
	n, err := a.store.ExportDailies(ctx, f, config.ForecastBinding, c.Type, c.Station, store.Query{Model: c.Model, Start: start, End: end})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(c.Out)
		return err
	}
	fmt.Printf("exported %d rows to %s\n", n, c.Out)
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("wxarchive"),
		kong.Description("Archive weather forecasts and verification in per-station SQLite tables."),
		kong.UsageOnError(),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}
