// Package config loads the archive's YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lox/wxarchive/internal/models"
)

// ConfigError reports a missing or invalid configuration value. It is never retried.
type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Key, e.Msg)
}

const (
	DefaultRetentionDays      = 30
	DefaultClimoRetentionDays = 4 * 365.25
	DefaultHourStart          = 6
	DefaultHourPadding        = 6
	DefaultHistoryDays        = 30
	DefaultWorkers            = 4

	// ForecastBinding is the data binding forecasts are read from and written to.
	ForecastBinding = "forecast"

	climoType   = "CLIMO"
	historyDate = "20060102"
)

type Config struct {
	Debug        int                    `yaml:"debug"`
	LogJSON      bool                   `yaml:"log_json"`
	ArchiveRoot  string                 `yaml:"archive_root"`
	Databases    map[string]Database    `yaml:"databases"`
	DataBindings map[string]DataBinding `yaml:"data_bindings"`
	Schemas      []string               `yaml:"schemas"`
	Stations     map[string]Station     `yaml:"stations"`
	Models       map[string]Model       `yaml:"models"`
	Verification Verification           `yaml:"verification"`
	Retention    map[string]Retention   `yaml:"retention"`
	Forecast     ForecastWindow         `yaml:"forecast"`
	Workers      int                    `yaml:"workers"`
	Interval     time.Duration          `yaml:"interval"`
	// Traceback makes engine failures fatal instead of logged and skipped.
	Traceback    bool                   `yaml:"traceback"`
}

// Database maps a logical database name to a file under <archive_root>/archive.
type Database struct {
	File string `yaml:"file"`
}

// DataBinding pairs a database with the schema its tables follow.
type DataBinding struct {
	Database string `yaml:"database"`
	Schema   string `yaml:"schema"`
}

type Station struct {
	// HistoryStart is the first day to backfill, as YYYYMMDD.
	HistoryStart string `yaml:"history_start"`
}

type Model struct {
	Driver string `yaml:"driver"`
}

// Verification names the drivers that supply observed data.
type Verification struct {
	Verif string `yaml:"verif"`
	Obs   string `yaml:"obs"`
	Climo string `yaml:"climo"`
}

type Retention struct {
	Days   float64 `yaml:"days"`
	Policy string  `yaml:"policy"`
}

// Window returns the retention window as a duration.
func (r Retention) Window() time.Duration {
	return time.Duration(r.Days * float64(24*time.Hour))
}

// Hard reports whether stale tables are dropped and recreated.
func (r Retention) Hard() bool {
	return strings.EqualFold(r.Policy, "hard")
}

type ForecastWindow struct {
	HourStart   *int `yaml:"hour_start"`
	HourPadding *int `yaml:"hour_padding"`
}

func (f ForecastWindow) Start() int {
	if f.HourStart == nil {
		return DefaultHourStart
	}
	return *f.HourStart
}

func (f ForecastWindow) Padding() int {
	if f.HourPadding == nil {
		return DefaultHourPadding
	}
	return *f.HourPadding
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys, then applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset optional values.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.Retention == nil {
		c.Retention = map[string]Retention{}
	}
	normalized := make(map[string]Retention, len(c.Retention))
	for k, r := range c.Retention {
		normalized[strings.ToUpper(k)] = r
	}
	c.Retention = normalized
	if c.Stations != nil {
		stations := make(map[string]Station, len(c.Stations))
		for k, s := range c.Stations {
			stations[strings.ToUpper(strings.TrimSpace(k))] = s
		}
		c.Stations = stations
	}
}

// Validate checks required keys and cross references.
func (c *Config) Validate() error {
	if c.ArchiveRoot == "" {
		return &ConfigError{Key: "archive_root", Msg: "required"}
	}
	if len(c.Databases) == 0 {
		return &ConfigError{Key: "databases", Msg: "at least one database is required"}
	}
	for name, db := range c.Databases {
		if db.File == "" {
			return &ConfigError{Key: "databases." + name + ".file", Msg: "required"}
		}
	}
	if len(c.DataBindings) == 0 {
		return &ConfigError{Key: "data_bindings", Msg: "at least one binding is required"}
	}
	for name, b := range c.DataBindings {
		if _, ok := c.Databases[b.Database]; !ok {
			return &ConfigError{Key: "data_bindings." + name + ".database", Msg: fmt.Sprintf("database %q is not declared", b.Database)}
		}
		if b.Schema == "" {
			return &ConfigError{Key: "data_bindings." + name + ".schema", Msg: "required"}
		}
	}
	if _, ok := c.DataBindings[ForecastBinding]; !ok {
		return &ConfigError{Key: "data_bindings." + ForecastBinding, Msg: "required"}
	}
	if len(c.Stations) == 0 {
		return &ConfigError{Key: "stations", Msg: "at least one station is required"}
	}
	for id, st := range c.Stations {
		if !models.ValidStation(id) {
			return &ConfigError{Key: "stations." + id, Msg: "station id must be alphanumeric"}
		}
		if st.HistoryStart == "" {
			continue
		}
		if _, err := time.Parse(historyDate, st.HistoryStart); err != nil {
			return &ConfigError{Key: "stations." + id + ".history_start", Msg: "must be YYYYMMDD"}
		}
	}
	for name, m := range c.Models {
		if m.Driver == "" {
			return &ConfigError{Key: "models." + name + ".driver", Msg: "required"}
		}
	}
	for tt, r := range c.Retention {
		if r.Days < 0 {
			return &ConfigError{Key: "retention." + tt + ".days", Msg: "must not be negative"}
		}
		switch strings.ToLower(r.Policy) {
		case "", "hard", "soft":
		default:
			return &ConfigError{Key: "retention." + tt + ".policy", Msg: fmt.Sprintf("unknown policy %q", r.Policy)}
		}
	}
	if s := c.Forecast.Start(); s < 0 || s > 23 {
		return &ConfigError{Key: "forecast.hour_start", Msg: "must be between 0 and 23"}
	}
	if p := c.Forecast.Padding(); p < 0 || p > 24 {
		return &ConfigError{Key: "forecast.hour_padding", Msg: "must be between 0 and 24"}
	}
	return nil
}

// RetentionFor returns the retention for a table type. Unset fields fall back
// to 30 days (four years for CLIMO) and the hard policy.
func (c *Config) RetentionFor(tableType string) Retention {
	tableType = strings.ToUpper(tableType)
	r := c.Retention[tableType]
	if r.Days == 0 {
		if def, ok := c.Retention["DEFAULT"]; ok && def.Days > 0 && tableType != climoType {
			r.Days = def.Days
		} else if tableType == climoType {
			r.Days = DefaultClimoRetentionDays
		} else {
			r.Days = DefaultRetentionDays
		}
	}
	if r.Policy == "" {
		if def, ok := c.Retention["DEFAULT"]; ok && def.Policy != "" {
			r.Policy = def.Policy
		} else {
			r.Policy = "hard"
		}
	}
	return r
}

// DatabaseFile resolves a logical database to its file path.
func (c *Config) DatabaseFile(database string) (string, error) {
	db, ok := c.Databases[database]
	if !ok {
		return "", &ConfigError{Key: "databases", Msg: fmt.Sprintf("database %q is not declared", database)}
	}
	if db.File == "" {
		return "", &ConfigError{Key: "databases." + database + ".file", Msg: "required"}
	}
	return db.File, nil
}

// Binding resolves a data binding by name.
func (c *Config) Binding(name string) (DataBinding, error) {
	b, ok := c.DataBindings[name]
	if !ok {
		return DataBinding{}, &ConfigError{Key: "data_bindings", Msg: fmt.Sprintf("binding %q is not declared", name)}
	}
	return b, nil
}

// BindingNames returns the declared data bindings, sorted.
func (c *Config) BindingNames() []string {
	out := make([]string, 0, len(c.DataBindings))
	for k := range c.DataBindings {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StationIDs returns the configured stations, sorted.
func (c *Config) StationIDs() []string {
	out := make([]string, 0, len(c.Stations))
	for k := range c.Stations {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ModelNames returns the configured forecast models, sorted.
func (c *Config) ModelNames() []string {
	out := make([]string, 0, len(c.Models))
	for k := range c.Models {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HistoryStart returns the first backfill day for a station, defaulting to
// 30 days before now.
func (c *Config) HistoryStart(stid string, now time.Time) time.Time {
	st := c.Stations[strings.ToUpper(stid)]
	if st.HistoryStart != "" {
		if t, err := time.Parse(historyDate, st.HistoryStart); err == nil {
			return t
		}
	}
	y, m, d := now.UTC().AddDate(0, 0, -DefaultHistoryDays).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
