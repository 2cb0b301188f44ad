package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForecastSetSourcePropagates(t *testing.T) {
	date := time.Date(2020, 1, 1, 15, 30, 0, 0, time.UTC)
	f := NewForecast("ksea", "GFS MOS", date)

	assert.Equal(t, "KSEA", f.StationID)
	assert.Equal(t, "KSEA", f.Daily.StationID)
	assert.Equal(t, "KSEA", f.TimeSeries.StationID)
	assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), f.Daily.Date)

	f.SetSource("NAM MOS")
	assert.Equal(t, "NAM MOS", f.Source)
	assert.Equal(t, "NAM MOS", f.Daily.Source)
	assert.Equal(t, "NAM MOS", f.TimeSeries.Source)
}

func TestParseMeasurement(t *testing.T) {
	tests := []struct {
		name string
		want Measurement
		ok   bool
	}{
		{"temperature", Temperature, true},
		{"WINDSPEED", WindSpeed, true},
		{"windDirection", WindDirection, true},
		{"High", High, true},
		{"temprature", 0, false},
		{"DateTime", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseMeasurement(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMeasurementDaily(t *testing.T) {
	assert.True(t, High.Daily())
	assert.True(t, Rain.Daily())
	assert.False(t, Temperature.Daily())
	assert.False(t, Condition.Daily())
	assert.Len(t, Measurements(), 12)
}

func TestDailyValues(t *testing.T) {
	d := NewDaily("KSEA", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Nil(t, d.Value(High))

	d.SetValues(52, 41, 17, 0.40)
	assert.Equal(t, 52.0, d.Value(High))
	assert.Equal(t, 0.40, d.Value(Rain))
	assert.Nil(t, d.Value(Temperature))

	require.NoError(t, d.SetValue(Low, int64(39)))
	assert.Equal(t, 39.0, d.Low.Float64)
	require.NoError(t, d.SetValue(Wind, nil))
	assert.False(t, d.Wind.Valid)
	assert.Error(t, d.SetValue(High, "warm"))
}

func TestRowValues(t *testing.T) {
	var r Row
	require.NoError(t, r.SetValue(Temperature, 56.0))
	require.NoError(t, r.SetValue(Condition, "Rain"))
	require.NoError(t, r.SetValue(Dewpoint, "51"))
	require.NoError(t, r.SetValue(High, 99.0))

	assert.Equal(t, 56.0, r.Value(Temperature))
	assert.Equal(t, 51.0, r.Value(Dewpoint))
	assert.Equal(t, "Rain", r.Value(Condition))
	assert.Nil(t, r.Value(Cloud))
	assert.Nil(t, r.Value(High))
}

func TestTimeSeriesSort(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	ts := NewTimeSeries("ksea")
	ts.Add(Row{Time: base.Add(3 * time.Hour)}, Row{Time: base}, Row{Time: base.Add(time.Hour)})
	ts.Sort()

	require.Equal(t, 3, ts.Len())
	assert.Equal(t, base, ts.Rows[0].Time)
	assert.Equal(t, base.Add(3*time.Hour), ts.Rows[2].Time)
}

func TestTimeFormatRoundTrip(t *testing.T) {
	tm := time.Date(2020, 3, 4, 5, 6, 0, 0, time.UTC)
	s := FormatTime(tm)
	assert.Equal(t, "2020-03-04 05:06", s)

	got, err := ParseTime(s)
	require.NoError(t, err)
	assert.Equal(t, tm, got)

	got, err = ParseTime("2020-03-04 05:06:07")
	require.NoError(t, err)
	assert.Equal(t, tm.Add(7*time.Second), got)

	got, err = ParseTime("2020-03-04")
	require.NoError(t, err)
	assert.Equal(t, Day(tm), got)

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}

func TestFormatTimeSortsLexically(t *testing.T) {
	a := FormatTime(time.Date(2020, 1, 9, 23, 0, 0, 0, time.UTC))
	b := FormatTime(time.Date(2020, 1, 10, 1, 0, 0, 0, time.UTC))
	assert.Less(t, a, b)
}

func TestLastLeapYear(t *testing.T) {
	assert.Equal(t, 2020, LastLeapYear(2020))
	assert.Equal(t, 2020, LastLeapYear(2023))
	assert.Equal(t, 1896, LastLeapYear(1903))
	assert.Equal(t, 2000, LastLeapYear(2000))
}
