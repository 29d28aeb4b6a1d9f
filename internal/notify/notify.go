// Package notify sends success/failure notifications for terminal runs.
// Notification errors are logged, never propagated: the run's recorded
// outcome is the authoritative result, notifications are best effort.
package notify

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/gomail.v2"

	"reportflow/internal/domain"
)

// Notifier receives every terminal run together with its schedule and
// decides, per the schedule's notification policy, whether to notify.
type Notifier interface {
	Notify(run domain.ScheduledReportRun, schedule domain.ScheduleDefinition)
}

// Email sends notifications over SMTP.
type Email struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmail(host string, port int, from, password string) *Email {
	return &Email{dialer: gomail.NewDialer(host, port, from, password), from: from}
}

func (n *Email) Notify(run domain.ScheduledReportRun, schedule domain.ScheduleDefinition) {
	policy := schedule.Notification
	switch run.Status {
	case domain.RunSucceeded:
		if !policy.OnSuccess {
			return
		}
	case domain.RunFailed, domain.RunCancelled:
		if !policy.OnFailure {
			return
		}
	default:
		return
	}
	if len(policy.Recipients) == 0 {
		log.Debug().Str("schedule_id", schedule.ID).Msg("notification enabled but no recipients")
		return
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", policy.Recipients...)
	m.SetHeader("Subject", subject(run, schedule))
	m.SetBody("text/plain", body(run, schedule, policy.IncludePreview))

	if err := n.dialer.DialAndSend(m); err != nil {
		log.Error().Err(err).
			Str("run_id", run.ID).
			Str("schedule_id", schedule.ID).
			Msg("failed to send run notification")
		return
	}
	log.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("run notification sent")
}

func subject(run domain.ScheduledReportRun, schedule domain.ScheduleDefinition) string {
	if run.Status == domain.RunSucceeded {
		return fmt.Sprintf("Report %s delivered", schedule.ReportID)
	}
	return fmt.Sprintf("Report %s delivery failed", schedule.ReportID)
}

func body(run domain.ScheduledReportRun, schedule domain.ScheduleDefinition, includePreview bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schedule %s (report %s) finished with status %s after %d attempt(s).\n",
		schedule.ID, schedule.ReportID, run.Status, run.Attempt)
	if run.Reason != "" {
		fmt.Fprintf(&b, "Reason: %s\n", run.Reason)
	}
	for method, result := range run.Channels {
		if result.OK {
			fmt.Fprintf(&b, "- %s: delivered\n", method)
		} else {
			fmt.Fprintf(&b, "- %s: failed (%s)\n", method, result.Reason)
		}
	}
	if includePreview && run.ArtifactRef != "" {
		fmt.Fprintf(&b, "\nArtifact: %s\n", run.ArtifactRef)
	}
	return b.String()
}

// Discard drops all notifications; used when no SMTP account is configured.
type Discard struct{}

func (Discard) Notify(run domain.ScheduledReportRun, schedule domain.ScheduleDefinition) {
	log.Debug().Str("run_id", run.ID).Msg("notifications disabled, dropping")
}
