package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reportflow/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClaimed  = errors.New("schedule is claimed by another instance")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;
CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  report_id TEXT NOT NULL,
  frequency TEXT NOT NULL,
  start_date DATETIME NOT NULL,
  end_date DATETIME,
  hour INTEGER NOT NULL DEFAULT 0,
  minute INTEGER NOT NULL DEFAULT 0,
  day_of_week INTEGER NOT NULL DEFAULT 0,
  day_of_month INTEGER NOT NULL DEFAULT 1,
  cron_expr TEXT NOT NULL DEFAULT '',
  timezone TEXT NOT NULL DEFAULT 'UTC',
  enabled INTEGER NOT NULL DEFAULT 1,
  next_run DATETIME,
  last_run DATETIME,
  delivery TEXT NOT NULL,
  notification TEXT NOT NULL,
  retry TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 1,
  claimed_by TEXT,
  claimed_until DATETIME,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run, priority DESC);
CREATE TABLE IF NOT EXISTS runs (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL,
  triggered_at DATETIME NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  attempt INTEGER NOT NULL DEFAULT 1,
  channels TEXT NOT NULL DEFAULT '{}',
  artifact_ref TEXT NOT NULL DEFAULT '',
  reason TEXT NOT NULL DEFAULT '',
  completed_at DATETIME,
  FOREIGN KEY(schedule_id) REFERENCES schedules(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_runs_schedule ON runs(schedule_id, triggered_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the durable collection of schedules and their run history. The
// claim operations are the concurrency boundary: at most one instance holds
// a schedule's claim at any instant.
type Store interface {
	CreateSchedule(ctx context.Context, s domain.ScheduleDefinition) (string, error)
	GetSchedule(ctx context.Context, id string) (domain.ScheduleDefinition, error)
	ListSchedules(ctx context.Context) ([]domain.ScheduleDefinition, error)
	UpdateSchedule(ctx context.Context, s domain.ScheduleDefinition) error
	DeleteSchedule(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error

	DueSchedules(ctx context.Context, now time.Time) ([]domain.ScheduleDefinition, error)
	Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, id, owner string) error
	RecoverStaleClaims(ctx context.Context, now time.Time) (int, error)
	AdvanceAfterRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error
	RecordLastRun(ctx context.Context, id string, lastRun time.Time) error

	CreateRun(ctx context.Context, r domain.ScheduledReportRun) (string, error)
	UpdateRun(ctx context.Context, r domain.ScheduledReportRun) error
	GetRun(ctx context.Context, id string) (domain.ScheduledReportRun, error)
	ListRuns(ctx context.Context, scheduleID string, limit int) ([]domain.ScheduledReportRun, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func (r *sqliteStore) CreateSchedule(ctx context.Context, s domain.ScheduleDefinition) (string, error) {
	id := s.ID
	if id == "" {
		id = "sch_" + uuid.NewString()
	}
	delivery, notification, retry, err := marshalPolicies(s)
	if err != nil {
		return "", err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO schedules (id,report_id,frequency,start_date,end_date,hour,minute,day_of_week,day_of_month,cron_expr,timezone,enabled,next_run,last_run,delivery,notification,retry,priority,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, s.ReportID, s.Frequency, s.StartDate, s.EndDate,
		s.TimeOfDay.Hour, s.TimeOfDay.Minute, s.DayOfWeek, s.DayOfMonth,
		s.CronExpr, s.Timezone, s.Enabled, s.NextRun, s.LastRun,
		delivery, notification, retry, s.Retry.Priority.Rank())
	return id, err
}

const scheduleCols = `id,report_id,frequency,start_date,end_date,hour,minute,day_of_week,day_of_month,cron_expr,timezone,enabled,next_run,last_run,delivery,notification,retry,created_at,updated_at`

func (r *sqliteStore) GetSchedule(ctx context.Context, id string) (domain.ScheduleDefinition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	s, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduleDefinition{}, ErrNotFound
	}
	return s, err
}

func (r *sqliteStore) ListSchedules(ctx context.Context) ([]domain.ScheduleDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *sqliteStore) UpdateSchedule(ctx context.Context, s domain.ScheduleDefinition) error {
	delivery, notification, retry, err := marshalPolicies(s)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET frequency=?,start_date=?,end_date=?,hour=?,minute=?,day_of_week=?,day_of_month=?,cron_expr=?,timezone=?,enabled=?,next_run=?,delivery=?,notification=?,retry=?,priority=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, s.Frequency, s.StartDate, s.EndDate,
		s.TimeOfDay.Hour, s.TimeOfDay.Minute, s.DayOfWeek, s.DayOfMonth,
		s.CronExpr, s.Timezone, s.Enabled, s.NextRun,
		delivery, notification, retry, s.Retry.Priority.Rank(), s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteStore) DeleteSchedule(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM schedules WHERE id=?", id)
	return err
}

func (r *sqliteStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET enabled=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, enabled, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteStore) DueSchedules(ctx context.Context, now time.Time) ([]domain.ScheduleDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+scheduleCols+` FROM schedules
WHERE enabled=1 AND next_run IS NOT NULL AND next_run <= ?
  AND (claimed_by IS NULL OR claimed_until <= ?)
ORDER BY priority DESC, next_run`, now, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// Claim takes exclusive time-bounded ownership of a schedule. The update is
// a compare-and-swap: it only lands if no live claim exists, so concurrent
// claimants observe exactly one success.
func (r *sqliteStore) Claim(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET claimed_by=?, claimed_until=?, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND enabled=1 AND (claimed_by IS NULL OR claimed_until <= ?)`,
		owner, now.Add(ttl), id, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *sqliteStore) Release(ctx context.Context, id, owner string) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET claimed_by=NULL, claimed_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE id=? AND claimed_by=?`, id, owner)
	return err
}

func (r *sqliteStore) RecoverStaleClaims(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE schedules SET claimed_by=NULL, claimed_until=NULL, updated_at=CURRENT_TIMESTAMP
WHERE claimed_by IS NOT NULL AND claimed_until <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AdvanceAfterRun records the last execution and the following occurrence.
// A nil nextRun means the schedule is naturally exhausted: it is disabled
// and next_run cleared in the same statement.
func (r *sqliteStore) AdvanceAfterRun(ctx context.Context, id string, lastRun time.Time, nextRun *time.Time) error {
	if nextRun == nil {
		_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=NULL, enabled=0, updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun, id)
		return err
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun, *nextRun, id)
	return err
}

// RecordLastRun sets last_run and nothing else. Manual triggers use it so a
// concurrent schedule update cannot have its next_run overwritten.
func (r *sqliteStore) RecordLastRun(ctx context.Context, id string, lastRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE schedules SET last_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, lastRun, id)
	return err
}

func (r *sqliteStore) CreateRun(ctx context.Context, run domain.ScheduledReportRun) (string, error) {
	id := run.ID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	if run.Status == "" {
		run.Status = domain.RunPending
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	channels, err := marshalChannels(run.Channels)
	if err != nil {
		return "", err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO runs (id,schedule_id,triggered_at,status,attempt,channels,artifact_ref,reason,completed_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		id, run.ScheduleID, run.TriggeredAt, run.Status, run.Attempt,
		channels, run.ArtifactRef, run.Reason, run.CompletedAt)
	return id, err
}

func (r *sqliteStore) UpdateRun(ctx context.Context, run domain.ScheduledReportRun) error {
	channels, err := marshalChannels(run.Channels)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE runs SET status=?, attempt=?, channels=?, artifact_ref=?, reason=?, completed_at=?
WHERE id=?`, run.Status, run.Attempt, channels, run.ArtifactRef, run.Reason, run.CompletedAt, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runCols = `id,schedule_id,triggered_at,status,attempt,channels,artifact_ref,reason,completed_at`

func (r *sqliteStore) GetRun(ctx context.Context, id string) (domain.ScheduledReportRun, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id=?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledReportRun{}, ErrNotFound
	}
	return run, err
}

func (r *sqliteStore) ListRuns(ctx context.Context, scheduleID string, limit int) ([]domain.ScheduledReportRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+runCols+` FROM runs WHERE schedule_id=? ORDER BY triggered_at DESC LIMIT ?`, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.ScheduledReportRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.ScheduleDefinition, error) {
	var s domain.ScheduleDefinition
	var endDate, nextRun, lastRun sql.NullTime
	var delivery, notification, retry []byte
	err := row.Scan(&s.ID, &s.ReportID, &s.Frequency, &s.StartDate, &endDate,
		&s.TimeOfDay.Hour, &s.TimeOfDay.Minute, &s.DayOfWeek, &s.DayOfMonth,
		&s.CronExpr, &s.Timezone, &s.Enabled, &nextRun, &lastRun,
		&delivery, &notification, &retry, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.ScheduleDefinition{}, err
	}
	if endDate.Valid {
		t := endDate.Time
		s.EndDate = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		s.NextRun = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		s.LastRun = &t
	}
	if err := json.Unmarshal(delivery, &s.Delivery); err != nil {
		return domain.ScheduleDefinition{}, fmt.Errorf("decode delivery for %s: %w", s.ID, err)
	}
	if err := json.Unmarshal(notification, &s.Notification); err != nil {
		return domain.ScheduleDefinition{}, fmt.Errorf("decode notification for %s: %w", s.ID, err)
	}
	if err := json.Unmarshal(retry, &s.Retry); err != nil {
		return domain.ScheduleDefinition{}, fmt.Errorf("decode retry for %s: %w", s.ID, err)
	}
	return s, nil
}

func collectSchedules(rows *sql.Rows) ([]domain.ScheduleDefinition, error) {
	var schedules []domain.ScheduleDefinition
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func scanRun(row rowScanner) (domain.ScheduledReportRun, error) {
	var run domain.ScheduledReportRun
	var channels []byte
	var completed sql.NullTime
	err := row.Scan(&run.ID, &run.ScheduleID, &run.TriggeredAt, &run.Status,
		&run.Attempt, &channels, &run.ArtifactRef, &run.Reason, &completed)
	if err != nil {
		return domain.ScheduledReportRun{}, err
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &run.Channels); err != nil {
			return domain.ScheduledReportRun{}, fmt.Errorf("decode channels for %s: %w", run.ID, err)
		}
	}
	return run, nil
}

func marshalPolicies(s domain.ScheduleDefinition) (delivery, notification, retry []byte, err error) {
	if delivery, err = json.Marshal(s.Delivery); err != nil {
		return
	}
	if notification, err = json.Marshal(s.Notification); err != nil {
		return
	}
	retry, err = json.Marshal(s.Retry)
	return
}

func marshalChannels(m map[domain.DeliveryMethod]domain.ChannelResult) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
