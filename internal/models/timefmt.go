package models

import (
	"fmt"
	"strings"
	"time"
)

// TimeLayout is the on-disk timestamp format. It is zero-padded, 24-hour and
// zoneless, so lexical order matches chronological order.
const TimeLayout = "2006-01-02 15:04"

var parseLayouts = []string{
	"2006-01-02 15:04:05",
	TimeLayout,
	"2006-01-02",
	time.RFC3339,
}

// FormatTime renders t in UTC using TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts the stored timestamp forms and returns a UTC time.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse timestamp %q", s)
}

// TimeValue converts a value scanned from the database into a time.
func TimeValue(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return ParseTime(t)
	case []byte:
		return ParseTime(string(t))
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is null")
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// LastLeapYear returns the most recent leap year at or before year.
// Climatology is archived for that year so 29 February is always present.
func LastLeapYear(year int) int {
	for !isLeap(year) {
		year--
	}
	return year
}

func isLeap(y int) bool {
	return y%4 == 0 && (y%100 != 0 || y%400 == 0)
}
