// Package email delivers report artifacts as attachments over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"time"

	"gopkg.in/gomail.v2"

	"reportflow/internal/channel"
	"reportflow/internal/domain"
)

// Config holds the SMTP account used for all outgoing mail.
type Config struct {
	Host     string
	Port     int
	From     string
	Password string
}

type Adapter struct {
	cfg    Config
	dialer *gomail.Dialer
}

func New(cfg Config) *Adapter {
	return &Adapter{
		cfg:    cfg,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.From, cfg.Password),
	}
}

func (a *Adapter) Deliver(ctx context.Context, artifact channel.Artifact, cfg domain.DeliveryConfiguration) (channel.Receipt, error) {
	settings := cfg.Email
	if len(settings.Recipients) == 0 {
		return channel.Receipt{}, channel.Permanentf(nil, "no recipients configured")
	}
	for _, rcpt := range settings.Recipients {
		if _, err := mail.ParseAddress(rcpt); err != nil {
			return channel.Receipt{}, channel.Permanentf(err, "malformed recipient %q", rcpt)
		}
	}

	subject := settings.Subject
	if subject == "" {
		subject = "Scheduled report: " + artifact.Filename
	}
	body := renderBody(settings.Body, artifact)
	if body == "" {
		body = "Your scheduled report is attached."
	}

	m := gomail.NewMessage()
	m.SetHeader("From", a.cfg.From)
	m.SetHeader("To", settings.Recipients...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)
	m.Attach(artifact.Filename,
		gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(artifact.Data)
			return err
		}),
		gomail.SetHeader(map[string][]string{"Content-Type": {artifact.ContentType}}))

	// gomail has no context support; run the send aside and race the
	// deadline so the attempt timeout still binds.
	done := make(chan error, 1)
	go func() { done <- a.dialer.DialAndSend(m) }()
	select {
	case <-ctx.Done():
		return channel.Receipt{}, channel.Transientf(ctx.Err(), "smtp send cancelled")
	case err := <-done:
		if err != nil {
			return channel.Receipt{}, channel.Transientf(err, "smtp send to %d recipients failed", len(settings.Recipients))
		}
	}

	return channel.Receipt{
		Ref:         fmt.Sprintf("smtp:%s:%d", a.cfg.Host, len(settings.Recipients)),
		DeliveredAt: time.Now().UTC(),
	}, nil
}

// renderBody keeps template-ish substitution trivial: the only supported
// placeholder is {{filename}}.
func renderBody(tpl string, artifact channel.Artifact) string {
	if tpl == "" {
		return ""
	}
	return string(bytes.ReplaceAll([]byte(tpl), []byte("{{filename}}"), []byte(artifact.Filename)))
}
