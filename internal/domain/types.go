package domain

import "time"

// Frequency is the recurrence kind of a schedule.
type Frequency string

const (
	FreqOnce      Frequency = "once"
	FreqDaily     Frequency = "daily"
	FreqWeekly    Frequency = "weekly"
	FreqMonthly   Frequency = "monthly"
	FreqQuarterly Frequency = "quarterly"
	FreqYearly    Frequency = "yearly"
	FreqCustom    Frequency = "custom"
)

func (f Frequency) Valid() bool {
	switch f {
	case FreqOnce, FreqDaily, FreqWeekly, FreqMonthly, FreqQuarterly, FreqYearly, FreqCustom:
		return true
	}
	return false
}

// DeliveryMethod identifies one output channel.
type DeliveryMethod string

const (
	MethodEmail        DeliveryMethod = "email"
	MethodCloudStorage DeliveryMethod = "cloud_storage"
	MethodFTP          DeliveryMethod = "ftp"
	MethodWebhook      DeliveryMethod = "webhook"
	MethodDatabase     DeliveryMethod = "database"
)

func (m DeliveryMethod) Valid() bool {
	switch m {
	case MethodEmail, MethodCloudStorage, MethodFTP, MethodWebhook, MethodDatabase:
		return true
	}
	return false
}

// ReportFormat is the rendered artifact format.
type ReportFormat string

const (
	FormatPDF     ReportFormat = "pdf"
	FormatExcel   ReportFormat = "excel"
	FormatCSV     ReportFormat = "csv"
	FormatJSON    ReportFormat = "json"
	FormatImage   ReportFormat = "image"
	FormatArchive ReportFormat = "archive"
)

func (f ReportFormat) Valid() bool {
	switch f {
	case FormatPDF, FormatExcel, FormatCSV, FormatJSON, FormatImage, FormatArchive:
		return true
	}
	return false
}

// Priority orders dispatch under backpressure. It never affects correctness.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Rank maps priority to a sortable weight (higher runs first).
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// RunStatus is the lifecycle state of a ScheduledReportRun.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunRendering  RunStatus = "rendering"
	RunDelivering RunStatus = "delivering"
	RunSucceeded  RunStatus = "succeeded"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// Well-known failure reasons recorded on runs and channel results.
const (
	ReasonRenderFailed = "render_failed"
	ReasonTimeout      = "timeout"
)

// TimeOfDay is the wall-clock execution time in the schedule's timezone.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ScheduleDefinition is the declarative recurrence rule plus its delivery,
// notification and retry policies. ID and ReportID are immutable after
// creation. NextRun is cached by the scheduler and advanced after each
// execution; it is nil once the schedule is exhausted.
type ScheduleDefinition struct {
	ID         string     `json:"id"`
	ReportID   string     `json:"report_id"`
	Frequency  Frequency  `json:"frequency"`
	StartDate  time.Time  `json:"start_date"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	TimeOfDay  TimeOfDay  `json:"time_of_day"`
	DayOfWeek  int        `json:"day_of_week"`  // 0=Sunday, weekly only
	DayOfMonth int        `json:"day_of_month"` // monthly/quarterly/yearly
	CronExpr   string     `json:"cron_expr,omitempty"`
	Timezone   string     `json:"timezone"`
	Enabled    bool       `json:"enabled"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`

	Delivery     DeliveryConfiguration `json:"delivery"`
	Notification NotificationPolicy    `json:"notification"`
	Retry        RetryPolicy           `json:"retry"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Location resolves the schedule's IANA zone, defaulting to UTC.
func (s ScheduleDefinition) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(s.Timezone)
}

// DeliveryConfiguration is owned 1:1 by a schedule. Only the settings for
// the selected methods are required.
type DeliveryConfiguration struct {
	Methods []DeliveryMethod `json:"methods"`
	Format  ReportFormat     `json:"format"`

	Email    EmailSettings    `json:"email,omitempty"`
	Storage  StorageSettings  `json:"storage,omitempty"`
	FTP      FTPSettings      `json:"ftp,omitempty"`
	Webhook  WebhookSettings  `json:"webhook,omitempty"`
	Database DatabaseSettings `json:"database,omitempty"`

	Password       string `json:"password,omitempty"` // artifact protection where the format supports it
	IncludeLink    bool   `json:"include_link,omitempty"`
	LinkExpiryDays int    `json:"link_expiry_days,omitempty"`
}

// HasMethod reports whether m is one of the selected delivery methods.
func (d DeliveryConfiguration) HasMethod(m DeliveryMethod) bool {
	for _, v := range d.Methods {
		if v == m {
			return true
		}
	}
	return false
}

type EmailSettings struct {
	Recipients []string `json:"recipients,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Body       string   `json:"body,omitempty"`
}

type StorageSettings struct {
	Bucket       string `json:"bucket,omitempty"`
	PathTemplate string `json:"path_template,omitempty"`
}

type FTPSettings struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Path     string `json:"path,omitempty"`
}

type WebhookSettings struct {
	URL    string `json:"url,omitempty"`
	Method string `json:"method,omitempty"` // HTTP verb, default POST
}

type DatabaseSettings struct {
	DSN   string `json:"dsn,omitempty"`
	Table string `json:"table,omitempty"`
}

// NotificationPolicy controls success/failure notifications for a schedule.
type NotificationPolicy struct {
	OnSuccess      bool     `json:"on_success"`
	OnFailure      bool     `json:"on_failure"`
	Recipients     []string `json:"recipients,omitempty"`
	IncludePreview bool     `json:"include_preview"`
}

// RetryPolicy bounds re-execution of a failed run.
type RetryPolicy struct {
	RetryOnFailure    bool     `json:"retry_on_failure"`
	MaxRetries        int      `json:"max_retries"`
	RetryDelaySeconds int      `json:"retry_delay_seconds"`
	TimeoutSeconds    int      `json:"timeout_seconds"`
	Priority          Priority `json:"priority"`
}

// ChannelResult is the outcome of one channel delivery within an attempt.
type ChannelResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// ScheduledReportRun is one execution instance of a schedule. Retries
// increment Attempt on the same run; they never create a new run. Once
// terminal the record is immutable history.
type ScheduledReportRun struct {
	ID          string                           `json:"id"`
	ScheduleID  string                           `json:"schedule_id"`
	TriggeredAt time.Time                        `json:"triggered_at"`
	Status      RunStatus                        `json:"status"`
	Attempt     int                              `json:"attempt"` // 1-based
	Channels    map[DeliveryMethod]ChannelResult `json:"channels,omitempty"`
	ArtifactRef string                           `json:"artifact_ref,omitempty"`
	Reason      string                           `json:"reason,omitempty"`
	CompletedAt *time.Time                       `json:"completed_at,omitempty"`
}

// FieldError is one field-scoped validation violation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string { return e.Field + ": " + e.Message }
