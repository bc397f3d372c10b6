package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	// Thursday 2024-02-29 13:47:21.5 UTC
	ts := time.Date(2024, time.February, 29, 13, 47, 21, 500_000_000, time.UTC)

	want := map[Granularity]time.Time{
		Second: time.Date(2024, 2, 29, 13, 47, 21, 0, time.UTC),
		Minute: time.Date(2024, 2, 29, 13, 47, 0, 0, time.UTC),
		Hour:   time.Date(2024, 2, 29, 13, 0, 0, 0, time.UTC),
		Day:    time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		Week:   time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC),
		Month:  time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		Year:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	for g, expected := range want {
		assert.Equal(t, expected, g.Truncate(ts), g.String())
	}
}

func TestTruncateWeekStartsMonday(t *testing.T) {
	monday := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)
	sunday := time.Date(2024, time.March, 10, 23, 59, 59, 0, time.UTC)
	nextMonday := time.Date(2024, time.March, 11, 0, 0, 1, 0, time.UTC)

	assert.Equal(t, monday, Week.Truncate(monday))
	assert.Equal(t, monday, Week.Truncate(sunday))
	assert.Equal(t, monday.AddDate(0, 0, 7), Week.Truncate(nextMonday))
}

func TestTruncateUsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	local := time.Date(2024, time.January, 1, 5, 0, 0, 0, loc) // 2023-12-31 19:00 UTC

	assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), Day.Truncate(local))
	assert.Equal(t, time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), Year.Truncate(local))
}

func TestGranularityTables(t *testing.T) {
	seen := map[string]bool{}
	for _, g := range Granularities {
		assert.Equal(t, "metric_by_"+g.String(), g.Table())
		assert.False(t, seen[g.Table()])
		seen[g.Table()] = true

		parsed, err := ParseGranularity(g.String())
		require.NoError(t, err)
		assert.Equal(t, g, parsed)
	}
	assert.Len(t, seen, 7)

	_, err := ParseGranularity("fortnight")
	assert.Error(t, err)
	assert.False(t, Granularity(42).Valid())
}
