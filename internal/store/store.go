// Package store persists weather records into per-station SQLite tables whose
// layout comes from a schema.
//
// Every operation opens the target database, does its work in one statement
// or one transaction, commits and closes. Nothing is held open between calls.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lox/wxarchive/internal/config"
	"github.com/lox/wxarchive/internal/logging"
	"github.com/lox/wxarchive/internal/models"
	"github.com/lox/wxarchive/internal/schema"
)

var (
	ErrConnect       = errors.New("store: cannot open database")
	ErrShape         = errors.New("store: malformed batch")
	ErrMixedStations = errors.New("store: batch mixes stations")
	ErrDuplicateKey  = errors.New("store: duplicate key")
	ErrMultipleRows  = errors.New("store: more than one row matched")
	ErrInvalidWindow = errors.New("store: invalid forecast window")
	ErrStation       = errors.New("store: invalid station id")
)

// physicalName is Table.PhysicalName for a station id that is safe to splice
// into SQL.
func physicalName(tbl *schema.Table, stid string) (string, error) {
	if !models.ValidStation(stid) {
		return "", fmt.Errorf("%w: %q", ErrStation, stid)
	}
	return tbl.PhysicalName(stid), nil
}

// MissingDataError means a read matched no rows. It is returned by the
// domain-level readers; Read itself returns a nil result instead.
type MissingDataError struct {
	Table string
	Model string
	Start time.Time
	End   time.Time
}

func (e *MissingDataError) Error() string {
	msg := fmt.Sprintf("no data in %s between %s and %s", e.Table, models.FormatTime(e.Start), models.FormatTime(e.End))
	if e.Model != "" {
		msg += " for model " + e.Model
	}
	return msg
}

// IsMissingData reports whether err is or wraps a MissingDataError.
func IsMissingData(err error) bool {
	var m *MissingDataError
	return errors.As(err, &m)
}

type Store struct {
	cfg     *config.Config
	schemas *schema.Registry
	clock   clockwork.Clock
	log     *slog.Logger

	mu       sync.Mutex
	migrated map[string]bool
}

type Option func(*Store)

// WithClock sets the clock used for staleness checks and window defaults.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

func New(cfg *config.Config, schemas *schema.Registry, opts ...Option) *Store {
	if schemas == nil {
		schemas = schema.NewRegistry()
	}
	s := &Store{
		cfg:      cfg,
		schemas:  schemas,
		clock:    clockwork.NewRealClock(),
		log:      logging.Component("store"),
		migrated: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Config() *config.Config {
	return s.cfg
}

func (s *Store) Now() time.Time {
	return s.clock.Now().UTC()
}

// TableFor returns the database and table declaration behind a binding and table type.
func (s *Store) TableFor(binding, tableType string) (string, *schema.Table, error) {
	return s.resolve(binding, tableType)
}

// resolve maps a data binding and table type to the database and table declaration.
func (s *Store) resolve(binding, tableType string) (string, *schema.Table, error) {
	b, err := s.cfg.Binding(binding)
	if err != nil {
		return "", nil, err
	}
	sch, err := s.schemas.Get(b.Schema)
	if err != nil {
		return "", nil, err
	}
	tbl, err := sch.Table(tableType)
	if err != nil {
		return "", nil, err
	}
	return b.Database, tbl, nil
}
