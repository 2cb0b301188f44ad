// Package driver defines the data sources the engine pulls from and the
// registry that maps configured driver names to them.
//
// A driver implements one or more of the capability interfaces below. The
// registry is filled at process start; lookups of unknown names or missing
// capabilities fail instead of being resolved by reflection.
package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lox/wxarchive/internal/models"
)

// ForecastDriver produces one station's forecast for a day.
type ForecastDriver interface {
	Forecast(ctx context.Context, stid string, date time.Time) (*models.Forecast, error)
}

// HistoricalDriver produces past forecasts for backfill.
type HistoricalDriver interface {
	Historical(ctx context.Context, stid string, dates []time.Time) ([]*models.Forecast, error)
}

// VerificationDriver produces observed daily values for [start, end].
type VerificationDriver interface {
	Verification(ctx context.Context, stid string, start, end time.Time) ([]*models.Daily, error)
}

// ObsDriver produces hourly observations for [start, end].
type ObsDriver interface {
	Observations(ctx context.Context, stid string, start, end time.Time) (*models.TimeSeries, error)
}

// ClimoDriver produces one daily normal per day of the given (leap) year.
type ClimoDriver interface {
	Climo(ctx context.Context, stid string, year int) ([]*models.Daily, error)
}

type Registry struct {
	mu      sync.RWMutex
	drivers map[string]any
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]any)}
}

// Register adds a driver under name. The driver must implement at least one
// capability interface and the name must be unused.
func (r *Registry) Register(name string, d any) error {
	switch d.(type) {
	case ForecastDriver, HistoricalDriver, VerificationDriver, ObsDriver, ClimoDriver:
	default:
		return fmt.Errorf("driver %s: %T implements no driver interface", name, d)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[name]; ok {
		return fmt.Errorf("driver %s already registered", name)
	}
	r.drivers[name] = d
	return nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) get(name string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("driver %q is not registered", name)
	}
	return d, nil
}

func lookup[T any](r *Registry, name, capability string) (T, error) {
	var zero T
	d, err := r.get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := d.(T)
	if !ok {
		return zero, fmt.Errorf("driver %q does not provide %s", name, capability)
	}
	return typed, nil
}

func (r *Registry) Forecast(name string) (ForecastDriver, error) {
	return lookup[ForecastDriver](r, name, "forecasts")
}

// Historical returns the driver's backfill capability. ok is false when the
// driver is registered but cannot backfill.
func (r *Registry) Historical(name string) (HistoricalDriver, bool, error) {
	d, err := r.get(name)
	if err != nil {
		return nil, false, err
	}
	h, ok := d.(HistoricalDriver)
	return h, ok, nil
}

func (r *Registry) Verification(name string) (VerificationDriver, error) {
	return lookup[VerificationDriver](r, name, "verification")
}

func (r *Registry) Obs(name string) (ObsDriver, error) {
	return lookup[ObsDriver](r, name, "observations")
}

func (r *Registry) Climo(name string) (ClimoDriver, error) {
	return lookup[ClimoDriver](r, name, "climatology")
}

// Days lists each midnight from start through end inclusive.
func Days(start, end time.Time) []time.Time {
	var out []time.Time
	for d := models.Day(start); !d.After(models.Day(end)); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}
