package models

import (
	"fmt"
	"strings"
)

// Measurement is a named quantity carried by a Row or a Daily. Schema columns
// are bound to measurements when a schema is loaded.
type Measurement int

const (
	Temperature Measurement = iota + 1
	Dewpoint
	Cloud
	WindSpeed
	WindDirection
	RainHour
	Pressure
	Condition
	High
	Low
	Wind
	Rain
)

var measurementColumns = []struct {
	m    Measurement
	name string
}{
	{Temperature, "temperature"},
	{Dewpoint, "dewpoint"},
	{Cloud, "cloud"},
	{WindSpeed, "windSpeed"},
	{WindDirection, "windDirection"},
	{RainHour, "rainHour"},
	{Pressure, "pressure"},
	{Condition, "condition"},
	{High, "high"},
	{Low, "low"},
	{Wind, "wind"},
	{Rain, "rain"},
}

// Measurements returns every known measurement in declaration order.
func Measurements() []Measurement {
	out := make([]Measurement, 0, len(measurementColumns))
	for _, mc := range measurementColumns {
		out = append(out, mc.m)
	}
	return out
}

// String returns the canonical column name.
func (m Measurement) String() string {
	for _, mc := range measurementColumns {
		if mc.m == m {
			return mc.name
		}
	}
	return fmt.Sprintf("Measurement(%d)", int(m))
}

// Daily reports whether the measurement belongs to a Daily rather than a Row.
func (m Measurement) Daily() bool {
	return m >= High && m <= Rain
}

// ParseMeasurement resolves a column name to a measurement, ignoring case.
func ParseMeasurement(name string) (Measurement, bool) {
	for _, mc := range measurementColumns {
		if strings.EqualFold(mc.name, name) {
			return mc.m, true
		}
	}
	return 0, false
}
