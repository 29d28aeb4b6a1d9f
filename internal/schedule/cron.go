package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"reportflow/internal/domain"
)

// CronExpr synthesizes the canonical five-field cron form of a schedule.
// Once has no cron form; Custom returns its expression unchanged.
func CronExpr(s domain.ScheduleDefinition) (string, bool) {
	min, hour := s.TimeOfDay.Minute, s.TimeOfDay.Hour
	switch s.Frequency {
	case domain.FreqCustom:
		return s.CronExpr, s.CronExpr != ""
	case domain.FreqDaily:
		return fmt.Sprintf("%d %d * * *", min, hour), true
	case domain.FreqWeekly:
		return fmt.Sprintf("%d %d * * %d", min, hour, s.DayOfWeek), true
	case domain.FreqMonthly:
		return fmt.Sprintf("%d %d %d * *", min, hour, s.DayOfMonth), true
	case domain.FreqQuarterly:
		return fmt.Sprintf("%d %d %d 1,4,7,10 *", min, hour, s.DayOfMonth), true
	case domain.FreqYearly:
		return fmt.Sprintf("%d %d %d %d *", min, hour, s.DayOfMonth, int(s.StartDate.Month())), true
	}
	return "", false
}

// Describe renders a short display-only sentence for a five-field cron
// expression, e.g. "at 09:00, every Monday". The output is illustrative and
// must never be parsed back.
func Describe(expr string) string {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return expr
	}
	min, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	var parts []string
	if h, errH := strconv.Atoi(hour); errH == nil {
		if m, errM := strconv.Atoi(min); errM == nil {
			parts = append(parts, fmt.Sprintf("at %02d:%02d", h, m))
		}
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("at minute %s of hour %s", min, hour))
	}

	switch {
	case dom == "*" && dow == "*":
		if month == "*" {
			parts = append(parts, "every day")
		} else {
			parts = append(parts, "every day of month "+monthNames(month))
		}
	case dow != "*":
		parts = append(parts, "every "+dayNames(dow))
	default:
		if month == "*" {
			parts = append(parts, "on day "+dom+" of every month")
		} else {
			parts = append(parts, "on day "+dom+" of "+monthNames(month))
		}
	}
	return strings.Join(parts, ", ")
}

func dayNames(dow string) string {
	var names []string
	for _, f := range strings.Split(dow, ",") {
		if n, err := strconv.Atoi(f); err == nil && n >= 0 && n <= 6 {
			names = append(names, time.Weekday(n).String())
		} else {
			names = append(names, f)
		}
	}
	return strings.Join(names, ", ")
}

func monthNames(month string) string {
	var names []string
	for _, f := range strings.Split(month, ",") {
		if n, err := strconv.Atoi(f); err == nil && n >= 1 && n <= 12 {
			names = append(names, time.Month(n).String())
		} else {
			names = append(names, f)
		}
	}
	return strings.Join(names, ", ")
}
