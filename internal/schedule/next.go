package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"reportflow/internal/domain"
)

// cronParser accepts the canonical five-field form
// (minute hour day-of-month month day-of-week).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the next execution instant strictly after from, evaluated
// in the schedule's timezone. ok=false means the schedule is exhausted (a
// Once schedule whose start has passed, or a candidate beyond EndDate) and
// should be disabled rather than retried.
func NextRun(s domain.ScheduleDefinition, from time.Time) (time.Time, bool, error) {
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load timezone %q: %w", s.Timezone, err)
	}

	if s.Frequency == domain.FreqOnce {
		if s.StartDate.Before(from) {
			return time.Time{}, false, nil
		}
		return s.StartDate, true, nil
	}

	// The schedule is eligible on/after StartDate; a candidate landing
	// exactly on the start instant must still count as "strictly after".
	if from.Before(s.StartDate) {
		from = s.StartDate.Add(-time.Nanosecond)
	}

	var next time.Time
	switch s.Frequency {
	case domain.FreqCustom:
		sched, perr := cronParser.Parse(s.CronExpr)
		if perr != nil {
			return time.Time{}, false, fmt.Errorf("parse cron %q: %w", s.CronExpr, perr)
		}
		next = sched.Next(from.In(loc))
		if next.IsZero() {
			return time.Time{}, false, nil
		}
	case domain.FreqDaily:
		next = stepDays(s, from, loc, 1)
	case domain.FreqWeekly:
		// Guard here as well as in Validate: a stored out-of-range day
		// would otherwise make the day walk in nextWeekly never terminate.
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			return time.Time{}, false, fmt.Errorf("day of week %d out of range", s.DayOfWeek)
		}
		next = nextWeekly(s, from, loc)
	case domain.FreqMonthly:
		next = stepMonths(s, from, loc, 1)
	case domain.FreqQuarterly:
		next = nextQuarterly(s, from, loc)
	case domain.FreqYearly:
		next = nextYearly(s, from, loc)
	default:
		return time.Time{}, false, fmt.Errorf("unknown frequency %q", s.Frequency)
	}

	if s.EndDate != nil && next.After(*s.EndDate) {
		return time.Time{}, false, nil
	}
	return next, true, nil
}

// atTime builds the instant at y/m/d with the schedule's time of day in loc.
func atTime(s domain.ScheduleDefinition, y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, s.TimeOfDay.Hour, s.TimeOfDay.Minute, 0, 0, loc)
}

// clampDay limits day to the actual length of the month, so day 31 in a
// 30-day month yields the month's last day rather than rolling over.
func clampDay(y int, m time.Month, day int) int {
	last := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	if day < 1 {
		return 1
	}
	return day
}

func stepDays(s domain.ScheduleDefinition, from time.Time, loc *time.Location, days int) time.Time {
	f := from.In(loc)
	cand := atTime(s, f.Year(), f.Month(), f.Day(), loc)
	if !cand.After(from) {
		cand = cand.AddDate(0, 0, days)
	}
	return cand
}

func nextWeekly(s domain.ScheduleDefinition, from time.Time, loc *time.Location) time.Time {
	cand := stepDays(s, from, loc, 1)
	for int(cand.Weekday()) != s.DayOfWeek {
		cand = cand.AddDate(0, 0, 1)
	}
	return cand
}

func stepMonths(s domain.ScheduleDefinition, from time.Time, loc *time.Location, months int) time.Time {
	f := from.In(loc)
	y, m := f.Year(), f.Month()
	cand := atTime(s, y, m, clampDay(y, m, s.DayOfMonth), loc)
	for !cand.After(from) {
		// Normalize via the first of the month so that stepping from
		// e.g. Jan 31 does not skip February.
		first := time.Date(y, m, 1, 0, 0, 0, 0, loc).AddDate(0, months, 0)
		y, m = first.Year(), first.Month()
		cand = atTime(s, y, m, clampDay(y, m, s.DayOfMonth), loc)
	}
	return cand
}

// nextQuarterly anchors candidates to quarter-start months (Jan, Apr, Jul,
// Oct) at the configured day of month, stepping three months at a time.
func nextQuarterly(s domain.ScheduleDefinition, from time.Time, loc *time.Location) time.Time {
	f := from.In(loc)
	y := f.Year()
	m := time.Month((int(f.Month())-1)/3*3 + 1)
	cand := atTime(s, y, m, clampDay(y, m, s.DayOfMonth), loc)
	for !cand.After(from) {
		first := time.Date(y, m, 1, 0, 0, 0, 0, loc).AddDate(0, 3, 0)
		y, m = first.Year(), first.Month()
		cand = atTime(s, y, m, clampDay(y, m, s.DayOfMonth), loc)
	}
	return cand
}

// nextYearly anchors to the start date's month at the configured day of
// month, stepping one year at a time.
func nextYearly(s domain.ScheduleDefinition, from time.Time, loc *time.Location) time.Time {
	m := s.StartDate.In(loc).Month()
	y := from.In(loc).Year()
	cand := atTime(s, y, m, clampDay(y, m, s.DayOfMonth), loc)
	for !cand.After(from) {
		y++
		cand = atTime(s, y, m, clampDay(y, m, s.DayOfMonth), loc)
	}
	return cand
}

// ValidateCronExpression checks a five-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
