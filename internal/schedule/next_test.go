package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportflow/internal/domain"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func baseSchedule(freq domain.Frequency) domain.ScheduleDefinition {
	return domain.ScheduleDefinition{
		Frequency: freq,
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		TimeOfDay: domain.TimeOfDay{Hour: 9, Minute: 0},
		Timezone:  "UTC",
	}
}

func TestNextRunOnce(t *testing.T) {
	s := baseSchedule(domain.FreqOnce)
	s.StartDate = mustTime(t, "2024-06-01T09:00:00Z")

	next, ok, err := NextRun(s, mustTime(t, "2024-05-01T00:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, s.StartDate, next)

	// Exhausted once the start has passed.
	_, ok, err = NextRun(s, mustTime(t, "2024-06-01T09:00:01Z"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextRunDaily(t *testing.T) {
	s := baseSchedule(domain.FreqDaily)

	// Before today's 09:00: same day.
	next, ok, err := NextRun(s, mustTime(t, "2024-03-10T08:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2024-03-10T09:00:00Z"), next)

	// At exactly 09:00: strictly after means tomorrow.
	next, _, err = NextRun(s, mustTime(t, "2024-03-10T09:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-11T09:00:00Z"), next)
}

func TestNextRunWeekly(t *testing.T) {
	s := baseSchedule(domain.FreqWeekly)
	s.DayOfWeek = 3 // Wednesday

	// 2024-03-11 is a Monday.
	next, ok, err := NextRun(s, mustTime(t, "2024-03-11T10:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2024-03-13T09:00:00Z"), next)
	assert.Equal(t, time.Wednesday, next.Weekday())

	// From a Wednesday before time-of-day: the same day.
	next, _, err = NextRun(s, mustTime(t, "2024-03-13T08:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-13T09:00:00Z"), next)

	// From a Wednesday after time-of-day: the following Wednesday.
	next, _, err = NextRun(s, mustTime(t, "2024-03-13T10:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-03-20T09:00:00Z"), next)
}

func TestNextRunWeeklyDayOutOfRange(t *testing.T) {
	// A store row that bypassed validation must error, never spin.
	s := baseSchedule(domain.FreqWeekly)
	s.DayOfWeek = 7
	_, _, err := NextRun(s, mustTime(t, "2024-03-11T10:00:00Z"))
	require.Error(t, err)

	s.DayOfWeek = -1
	_, _, err = NextRun(s, mustTime(t, "2024-03-11T10:00:00Z"))
	require.Error(t, err)
}

func TestNextRunMonthlyClamping(t *testing.T) {
	s := baseSchedule(domain.FreqMonthly)
	s.DayOfMonth = 31

	// Day 31 still ahead in January.
	next, ok, err := NextRun(s, mustTime(t, "2024-01-20T10:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2024-01-31T09:00:00Z"), next)

	// February 2024 is a leap month: clamp to the 29th, not March.
	next, _, err = NextRun(s, mustTime(t, "2024-02-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-02-29T09:00:00Z"), next)

	// Non-leap February clamps to the 28th. The schedule must already be
	// eligible in 2023 for this one.
	s2023 := s
	s2023.StartDate = mustTime(t, "2023-01-01T00:00:00Z")
	next, _, err = NextRun(s2023, mustTime(t, "2023-02-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2023-02-28T09:00:00Z"), next)

	// Stepping from Jan 31 must not skip February.
	next, _, err = NextRun(s, mustTime(t, "2024-01-31T09:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-02-29T09:00:00Z"), next)
}

func TestNextRunQuarterly(t *testing.T) {
	s := baseSchedule(domain.FreqQuarterly)
	s.DayOfMonth = 15

	// Within Q1 before Jan 15: quarter-start month applies.
	next, ok, err := NextRun(s, mustTime(t, "2024-01-10T00:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2024-01-15T09:00:00Z"), next)

	// Past Jan 15: roll to April.
	next, _, err = NextRun(s, mustTime(t, "2024-02-20T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2024-04-15T09:00:00Z"), next)

	// Q4 rolls into next year's Q1.
	next, _, err = NextRun(s, mustTime(t, "2024-11-01T00:00:00Z"))
	require.NoError(t, err)
	assert.Equal(t, mustTime(t, "2025-01-15T09:00:00Z"), next)
}

func TestNextRunYearly(t *testing.T) {
	s := baseSchedule(domain.FreqYearly)
	s.StartDate = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.DayOfMonth = 30

	next, ok, err := NextRun(s, mustTime(t, "2024-07-01T00:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2025-06-30T09:00:00Z"), next)
}

func TestNextRunCustomCron(t *testing.T) {
	s := baseSchedule(domain.FreqCustom)
	s.CronExpr = "30 14 * * 1" // 14:30 every Monday

	next, ok, err := NextRun(s, mustTime(t, "2024-03-12T00:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2024-03-18T14:30:00Z"), next)

	s.CronExpr = "not a cron"
	_, _, err = NextRun(s, mustTime(t, "2024-03-12T00:00:00Z"))
	assert.Error(t, err)
}

func TestNextRunEndDateExhaustion(t *testing.T) {
	s := baseSchedule(domain.FreqDaily)
	end := mustTime(t, "2024-03-12T00:00:00Z")
	s.EndDate = &end

	next, ok, err := NextRun(s, mustTime(t, "2024-03-11T08:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2024-03-11T09:00:00Z"), next)

	_, ok, err = NextRun(s, mustTime(t, "2024-03-11T10:00:00Z"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNextRunStartDateEligibility(t *testing.T) {
	s := baseSchedule(domain.FreqDaily)
	s.StartDate = mustTime(t, "2024-05-01T00:00:00Z")

	// Before the start date the first occurrence is on/after it.
	next, ok, err := NextRun(s, mustTime(t, "2024-03-01T00:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2024-05-01T09:00:00Z"), next)
}

func TestNextRunTimezone(t *testing.T) {
	s := baseSchedule(domain.FreqDaily)
	s.Timezone = "America/New_York"

	// 09:00 New York is 13:00 UTC in March (EDT).
	next, ok, err := NextRun(s, mustTime(t, "2024-03-20T00:00:00Z"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mustTime(t, "2024-03-20T13:00:00Z"), next.UTC())

	s.Timezone = "Not/AZone"
	_, _, err = NextRun(s, mustTime(t, "2024-03-20T00:00:00Z"))
	assert.Error(t, err)
}

func TestNextRunMonotonicity(t *testing.T) {
	for _, freq := range []domain.Frequency{
		domain.FreqDaily, domain.FreqWeekly, domain.FreqMonthly,
		domain.FreqQuarterly, domain.FreqYearly,
	} {
		t.Run(string(freq), func(t *testing.T) {
			s := baseSchedule(freq)
			s.DayOfWeek = 2
			s.DayOfMonth = 31

			from := mustTime(t, "2024-01-01T00:00:00Z")
			for i := 0; i < 50; i++ {
				next, ok, err := NextRun(s, from)
				require.NoError(t, err)
				require.True(t, ok)
				require.True(t, next.After(from), "next %v not after from %v", next, from)
				from = next
			}
		})
	}
}
