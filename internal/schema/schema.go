// Package schema declares the per-station tables of the archive.
//
// A schema maps a table type (OBS, VERIF, ...) to an ordered list of columns.
// The first column is always the indexing timestamp. A pseudo-column named
// "PRIMARY KEY" declares a composite key and is only used when creating the
// table. Every other column is bound to the model column or to a measurement
// when the schema is built, so a misspelt column fails at load time.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/lox/wxarchive/internal/config"
	"github.com/lox/wxarchive/internal/models"
)

// Table types used by the archive.
const (
	OBS            = "OBS"
	HourlyForecast = "HOURLY_FORECAST"
	Verif          = "VERIF"
	DailyForecast  = "DAILY_FORECAST"
	Climo          = "CLIMO"
)

// PrimaryKey is the name of the composite-key pseudo-column.
const PrimaryKey = "PRIMARY KEY"

// ModelColumn is the column that stores the source label.
const ModelColumn = "Model"

type Column struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type BindKind int

const (
	BindTime BindKind = iota + 1
	BindModel
	BindMeasurement
	BindKey
)

// Binding says how a column is filled from a domain object.
type Binding struct {
	Column      string
	Kind        BindKind
	Measurement models.Measurement
}

type Table struct {
	Type     string
	Columns  []Column
	bindings []Binding
}

func newTable(tableType string, cols []Column) (*Table, error) {
	tableType = strings.ToUpper(strings.TrimSpace(tableType))
	if tableType == "" {
		return nil, fmt.Errorf("table type is empty")
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: no columns", tableType)
	}

	t := &Table{Type: tableType, Columns: cols}
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("table %s: column %d has no name", tableType, i)
		}
		if seen[strings.ToUpper(name)] {
			return nil, fmt.Errorf("table %s: duplicate column %q", tableType, name)
		}
		seen[strings.ToUpper(name)] = true

		b := Binding{Column: name}
		switch {
		case i == 0:
			if strings.EqualFold(name, PrimaryKey) {
				return nil, fmt.Errorf("table %s: first column must be the timestamp", tableType)
			}
			b.Kind = BindTime
		case strings.EqualFold(name, PrimaryKey):
			if i != len(cols)-1 {
				return nil, fmt.Errorf("table %s: %s must be the last entry", tableType, PrimaryKey)
			}
			b.Kind = BindKey
		case strings.EqualFold(name, ModelColumn):
			b.Kind = BindModel
		default:
			m, ok := models.ParseMeasurement(name)
			if !ok {
				return nil, fmt.Errorf("table %s: column %q is not a known measurement", tableType, name)
			}
			b.Kind = BindMeasurement
			b.Measurement = m
		}
		t.bindings = append(t.bindings, b)
	}
	return t, nil
}

// IndexColumn is the timestamp column used for range scans.
func (t *Table) IndexColumn() string {
	return t.Columns[0].Name
}

// HasModel reports whether the table stores a source label.
func (t *Table) HasModel() bool {
	for _, b := range t.bindings {
		if b.Kind == BindModel {
			return true
		}
	}
	return false
}

// ValueBindings returns the bindings that receive a value on write, in column order.
func (t *Table) ValueBindings() []Binding {
	out := make([]Binding, 0, len(t.bindings))
	for _, b := range t.bindings {
		if b.Kind != BindKey {
			out = append(out, b)
		}
	}
	return out
}

// PhysicalName returns the per-station table name, e.g. KSEA_DAILY_FORECAST.
func (t *Table) PhysicalName(stid string) string {
	return models.NormalizeStation(stid) + "_" + t.Type
}

// CreateSQL builds the CREATE TABLE statement, joining each pair verbatim.
func (t *Table) CreateSQL(physical string) string {
	parts := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		parts[i] = fmt.Sprintf("%s %s", c.Name, c.Type)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s);", physical, strings.Join(parts, ", "))
}

// Fingerprint identifies the column declaration. A table whose recorded
// fingerprint differs from the schema's is rebuilt like a stale one.
func (t *Table) Fingerprint() string {
	sum := sha256.Sum256([]byte(t.CreateSQL("t")))
	return hex.EncodeToString(sum[:8])
}

// Schema is a named set of table declarations.
type Schema struct {
	Name   string
	tables map[string]*Table
}

// TableDef is the declaration form of one table, as read from YAML.
type TableDef struct {
	Type    string   `yaml:"type"`
	Columns []Column `yaml:"columns"`
}

// New validates the definitions and resolves every column binding.
func New(name string, defs []TableDef) (*Schema, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("schema %s: no tables", name)
	}
	s := &Schema{Name: name, tables: make(map[string]*Table, len(defs))}
	for _, def := range defs {
		t, err := newTable(def.Type, def.Columns)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		if _, dup := s.tables[t.Type]; dup {
			return nil, fmt.Errorf("schema %s: table %s declared twice", name, t.Type)
		}
		s.tables[t.Type] = t
	}
	return s, nil
}

// Table resolves a table type. An undeclared type is a configuration error.
func (s *Schema) Table(tableType string) (*Table, error) {
	t, ok := s.tables[strings.ToUpper(tableType)]
	if !ok {
		return nil, &config.ConfigError{
			Key: "schema." + s.Name,
			Msg: fmt.Sprintf("table type %q is not declared", tableType),
		}
	}
	return t, nil
}

// Types returns the declared table types, sorted.
func (s *Schema) Types() []string {
	out := make([]string, 0, len(s.tables))
	for k := range s.tables {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Require checks that every given table type is declared.
func (s *Schema) Require(types ...string) error {
	for _, tt := range types {
		if _, err := s.Table(tt); err != nil {
			return err
		}
	}
	return nil
}
