package store

import (
	"fmt"
	"time"
)

// Granularity is one of the fixed bucket widths metric points are folded into.
type Granularity int

const (
	Second Granularity = iota
	Minute
	Hour
	Day
	Week
	Month
	Year
)

// Granularities lists every granularity, finest first.
var Granularities = []Granularity{Second, Minute, Hour, Day, Week, Month, Year}

var granularityNames = [...]string{"second", "minute", "hour", "day", "week", "month", "year"}

// metricTables maps each granularity to its bucket table. Table names are
// never built from input.
var metricTables = [...]string{
	"metric_by_second",
	"metric_by_minute",
	"metric_by_hour",
	"metric_by_day",
	"metric_by_week",
	"metric_by_month",
	"metric_by_year",
}

func (g Granularity) String() string {
	if !g.Valid() {
		return fmt.Sprintf("Granularity(%d)", int(g))
	}
	return granularityNames[g]
}

// Valid reports whether g is a known granularity.
func (g Granularity) Valid() bool {
	return g >= Second && g <= Year
}

// Table returns the bucket table backing g.
func (g Granularity) Table() string {
	return metricTables[g]
}

// ParseGranularity resolves a granularity by name.
func ParseGranularity(name string) (Granularity, error) {
	for i, n := range granularityNames {
		if n == name {
			return Granularity(i), nil
		}
	}
	return 0, fmt.Errorf("unknown granularity %q", name)
}

// Truncate rounds t down to the start of its calendar unit in UTC.
// Weeks start on Monday.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Second:
		return t.Truncate(time.Second)
	case Minute:
		return t.Truncate(time.Minute)
	case Hour:
		return t.Truncate(time.Hour)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Year:
		return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	panic(fmt.Sprintf("store: truncate with invalid granularity %d", int(g)))
}
