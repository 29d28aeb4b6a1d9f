// Package webhook pushes report artifacts to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"reportflow/internal/channel"
	"reportflow/internal/domain"
)

type Adapter struct {
	client *http.Client
}

func New() *Adapter {
	return &Adapter{client: &http.Client{Timeout: 60 * time.Second}}
}

func (a *Adapter) Deliver(ctx context.Context, artifact channel.Artifact, cfg domain.DeliveryConfiguration) (channel.Receipt, error) {
	settings := cfg.Webhook
	if settings.URL == "" {
		return channel.Receipt{}, channel.Permanentf(nil, "no webhook url configured")
	}
	method := strings.ToUpper(settings.Method)
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, settings.URL, bytes.NewReader(artifact.Data))
	if err != nil {
		return channel.Receipt{}, channel.Permanentf(err, "build webhook request")
	}
	req.Header.Set("Content-Type", artifact.ContentType)
	req.Header.Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, artifact.Filename))
	req.Header.Set("X-Report-Ref", artifact.Ref)

	resp, err := a.client.Do(req)
	if err != nil {
		return channel.Receipt{}, channel.Transientf(err, "webhook %s %s failed", method, settings.URL)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return channel.Receipt{
			Ref:         fmt.Sprintf("%s %s -> %d", method, settings.URL, resp.StatusCode),
			DeliveredAt: time.Now().UTC(),
		}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The endpoint rejected the request itself; retrying the same
		// payload cannot change the answer.
		return channel.Receipt{}, channel.Permanentf(nil, "webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	default:
		return channel.Receipt{}, channel.Transientf(nil, "webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
