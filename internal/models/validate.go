package models

import "sort"

// Quality flags raised for implausible driver values.
const (
	FlagTempOutOfRange     = "temp_out_of_range"
	FlagDewpointOutOfRange = "dewpoint_out_of_range"
	FlagWindDirInvalid     = "wind_dir_invalid"
	FlagWindSpeedUnlikely  = "wind_speed_unlikely"
	FlagPressureOutOfRange = "pressure_out_of_range"
	FlagPrecipOutOfRange   = "precip_out_of_range"
	FlagHighBelowLow       = "high_below_low"
)

type limit struct {
	m        Measurement
	min, max float64
	flag     string
}

// Limits are in archive units: °F, knots, degrees, mb and inches.
var limits = []limit{
	{Temperature, -80, 140, FlagTempOutOfRange},
	{Dewpoint, -100, 100, FlagDewpointOutOfRange},
	{WindSpeed, 0, 200, FlagWindSpeedUnlikely},
	{WindDirection, 0, 360, FlagWindDirInvalid},
	{Pressure, 850, 1090, FlagPressureOutOfRange},
	{RainHour, 0, 15, FlagPrecipOutOfRange},
	{High, -80, 140, FlagTempOutOfRange},
	{Low, -80, 140, FlagTempOutOfRange},
	{Wind, 0, 200, FlagWindSpeedUnlikely},
	{Rain, 0, 50, FlagPrecipOutOfRange},
}

type valuer interface {
	Value(Measurement) any
	SetValue(Measurement, any) error
}

func scrub(v valuer, found map[string]bool) {
	for _, l := range limits {
		x, ok := v.Value(l.m).(float64)
		if !ok {
			continue
		}
		if x < l.min || x > l.max {
			found[l.flag] = true
			v.SetValue(l.m, nil)
		}
	}
}

func flagList(found map[string]bool) []string {
	if len(found) == 0 {
		return nil
	}
	out := make([]string, 0, len(found))
	for f := range found {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Scrub nulls out implausible values and returns the flags raised. A high
// below the low is flagged but kept.
func (d *Daily) Scrub() []string {
	if d == nil {
		return nil
	}
	found := make(map[string]bool)
	scrub(d, found)
	if d.High.Valid && d.Low.Valid && d.High.Float64 < d.Low.Float64 {
		found[FlagHighBelowLow] = true
	}
	return flagList(found)
}

// Scrub nulls out implausible values in every row and returns the flags raised.
func (ts *TimeSeries) Scrub() []string {
	if ts == nil {
		return nil
	}
	found := make(map[string]bool)
	for i := range ts.Rows {
		scrub(&ts.Rows[i], found)
	}
	return flagList(found)
}
