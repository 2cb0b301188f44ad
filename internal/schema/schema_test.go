package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/wxarchive/internal/config"
	"github.com/lox/wxarchive/internal/models"
)

func TestDefaultSchemaTables(t *testing.T) {
	s := Default()
	assert.Equal(t, []string{Climo, DailyForecast, HourlyForecast, OBS, Verif}, s.Types())
	require.NoError(t, s.Require(OBS, HourlyForecast, Verif, DailyForecast, Climo))

	df, err := s.Table("daily_forecast")
	require.NoError(t, err)
	assert.Equal(t, "DateTime", df.IndexColumn())
	assert.True(t, df.HasModel())
	assert.Equal(t, "KSEA_DAILY_FORECAST", df.PhysicalName("ksea"))

	verif, err := s.Table(Verif)
	require.NoError(t, err)
	assert.False(t, verif.HasModel())
}

func TestCreateSQLJoinsPairsVerbatim(t *testing.T) {
	df, err := Default().Table(DailyForecast)
	require.NoError(t, err)

	want := "CREATE TABLE KSEA_DAILY_FORECAST (DateTime TEXT NOT NULL, Model TEXT NOT NULL, " +
		"high REAL, low REAL, wind REAL, rain REAL, PRIMARY KEY (DateTime, Model));"
	assert.Equal(t, want, df.CreateSQL("KSEA_DAILY_FORECAST"))
}

func TestValueBindingsSkipPrimaryKey(t *testing.T) {
	df, err := Default().Table(DailyForecast)
	require.NoError(t, err)

	bindings := df.ValueBindings()
	require.Len(t, bindings, 6)
	assert.Equal(t, BindTime, bindings[0].Kind)
	assert.Equal(t, BindModel, bindings[1].Kind)
	assert.Equal(t, BindMeasurement, bindings[2].Kind)
	assert.Equal(t, models.High, bindings[2].Measurement)
	assert.Equal(t, models.Rain, bindings[5].Measurement)
}

func TestUndeclaredTableTypeIsConfigError(t *testing.T) {
	_, err := Default().Table("RADAR")
	require.Error(t, err)

	var cfgErr *config.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestNewRejectsBadDeclarations(t *testing.T) {
	tests := []struct {
		name string
		defs []TableDef
	}{
		{"misspelt measurement", []TableDef{{Type: "OBS", Columns: []Column{{"DateTime", "TEXT"}, {"temprature", "REAL"}}}}},
		{"no columns", []TableDef{{Type: "OBS"}}},
		{"key not last", []TableDef{{Type: "X", Columns: []Column{{"DateTime", "TEXT"}, {PrimaryKey, "(DateTime, Model)"}, {"Model", "TEXT"}}}}},
		{"key first", []TableDef{{Type: "X", Columns: []Column{{PrimaryKey, "(DateTime)"}}}}},
		{"duplicate column", []TableDef{{Type: "X", Columns: []Column{{"DateTime", "TEXT"}, {"high", "REAL"}, {"HIGH", "REAL"}}}}},
		{"duplicate table", []TableDef{
			{Type: "X", Columns: []Column{{"DateTime", "TEXT"}}},
			{Type: "x", Columns: []Column{{"DateTime", "TEXT"}}},
		}},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New("bad", tt.defs)
			assert.Error(t, err)
		})
	}
}

func TestFingerprintTracksDeclaration(t *testing.T) {
	a, err := New("a", []TableDef{{Type: "VERIF", Columns: []Column{{"DateTime", "TEXT"}, {"high", "REAL"}}}})
	require.NoError(t, err)
	b, err := New("b", []TableDef{{Type: "VERIF", Columns: []Column{{"DateTime", "TEXT"}, {"high", "REAL"}, {"low", "REAL"}}}})
	require.NoError(t, err)

	ta, _ := a.Table("VERIF")
	tb, _ := b.Table("VERIF")
	assert.NotEqual(t, ta.Fingerprint(), tb.Fingerprint())

	again, _ := Default().Table(Verif)
	first, _ := Default().Table(Verif)
	assert.Equal(t, first.Fingerprint(), again.Fingerprint())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "extended.yaml")
	data := `
name: extended
tables:
  - type: obs
    columns:
      - {name: DateTime, type: TEXT NOT NULL UNIQUE PRIMARY KEY}
      - {name: temperature, type: REAL}
      - {name: pressure, type: REAL}
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	s, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "extended", s.Name)

	obs, err := s.Table(OBS)
	require.NoError(t, err)
	assert.Equal(t, models.Pressure, obs.ValueBindings()[2].Measurement)

	r := NewRegistry(s)
	assert.Equal(t, []string{"default", "extended"}, r.Names())
	_, err = r.Get("missing")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte("name: x\ntabels: []\n"))
	assert.Error(t, err)
}
