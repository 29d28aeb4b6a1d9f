package schedule

import (
	"net/url"
	"regexp"

	"reportflow/internal/domain"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate cross-checks a schedule and its delivery configuration. All
// violations are reported, not just the first; an empty result means the
// schedule is activatable.
func Validate(s domain.ScheduleDefinition) []domain.FieldError {
	var errs []domain.FieldError
	add := func(field, msg string) {
		errs = append(errs, domain.FieldError{Field: field, Message: msg})
	}

	if !s.Frequency.Valid() {
		add("frequency", "unknown frequency")
	}
	if s.ReportID == "" {
		add("report_id", "report id is required")
	}
	if s.StartDate.IsZero() {
		add("start_date", "start date is required")
	}
	if s.EndDate != nil && !s.EndDate.After(s.StartDate) {
		add("end_date", "end date must be after start date")
	}
	if _, err := s.Location(); err != nil {
		add("timezone", "unknown timezone")
	}
	if s.TimeOfDay.Hour < 0 || s.TimeOfDay.Hour > 23 {
		add("time_of_day.hour", "hour must be between 0 and 23")
	}
	if s.TimeOfDay.Minute < 0 || s.TimeOfDay.Minute > 59 {
		add("time_of_day.minute", "minute must be between 0 and 59")
	}

	switch s.Frequency {
	case domain.FreqCustom:
		if s.CronExpr == "" {
			add("cron_expr", "custom frequency requires a cron expression")
		} else if err := ValidateCronExpression(s.CronExpr); err != nil {
			add("cron_expr", "invalid cron expression: "+err.Error())
		}
	case domain.FreqWeekly:
		if s.DayOfWeek < 0 || s.DayOfWeek > 6 {
			add("day_of_week", "day of week must be between 0 and 6")
		}
	case domain.FreqMonthly, domain.FreqQuarterly, domain.FreqYearly:
		if s.DayOfMonth < 1 || s.DayOfMonth > 31 {
			add("day_of_month", "day of month must be between 1 and 31")
		}
	}

	d := s.Delivery
	if len(d.Methods) == 0 {
		add("delivery.methods", "at least one delivery method is required")
	}
	for _, m := range d.Methods {
		if !m.Valid() {
			add("delivery.methods", "unknown delivery method: "+string(m))
		}
	}
	if !d.Format.Valid() {
		add("delivery.format", "unknown report format")
	}

	if d.HasMethod(domain.MethodEmail) && len(d.Email.Recipients) == 0 {
		add("delivery.email.recipients", "email delivery requires at least one recipient")
	}
	if d.HasMethod(domain.MethodFTP) && d.FTP.Host == "" {
		add("delivery.ftp.host", "ftp delivery requires a host")
	}
	if d.HasMethod(domain.MethodWebhook) {
		if d.Webhook.URL == "" {
			add("delivery.webhook.url", "webhook delivery requires a url")
		} else if u, err := url.Parse(d.Webhook.URL); err != nil || u.Scheme == "" || u.Host == "" {
			add("delivery.webhook.url", "webhook url is not a valid absolute URL")
		}
	}
	if d.HasMethod(domain.MethodDatabase) {
		if d.Database.DSN == "" {
			add("delivery.database.dsn", "database delivery requires a connection string")
		}
		if d.Database.Table == "" {
			add("delivery.database.table", "database delivery requires a table")
		} else if !identRe.MatchString(d.Database.Table) {
			add("delivery.database.table", "table must be a bare SQL identifier")
		}
	}

	if d.IncludeLink && d.LinkExpiryDays <= 0 {
		add("delivery.link_expiry_days", "link expiry must be positive when links are enabled")
	}

	if s.Retry.MaxRetries < 0 {
		add("retry.max_retries", "max retries cannot be negative")
	}
	if s.Retry.RetryOnFailure && s.Retry.RetryDelaySeconds < 0 {
		add("retry.retry_delay_seconds", "retry delay cannot be negative")
	}

	return errs
}
