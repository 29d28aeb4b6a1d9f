// Package dbsink writes report artifacts as rows into an external database
// table. The table must exist with columns (artifact_ref TEXT, filename
// TEXT, content_type TEXT, payload BYTEA, delivered_at TIMESTAMPTZ).
package dbsink

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"reportflow/internal/channel"
	"reportflow/internal/domain"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Deliver(ctx context.Context, artifact channel.Artifact, cfg domain.DeliveryConfiguration) (channel.Receipt, error) {
	settings := cfg.Database
	if settings.DSN == "" {
		return channel.Receipt{}, channel.Permanentf(nil, "no database connection configured")
	}
	// The table name is interpolated into SQL; anything but a bare
	// identifier is refused outright.
	if !identRe.MatchString(settings.Table) {
		return channel.Receipt{}, channel.Permanentf(nil, "invalid table name %q", settings.Table)
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", settings.DSN)
	if err != nil {
		return channel.Receipt{}, channel.Transientf(err, "connect to sink database failed")
	}
	defer db.Close()

	now := time.Now().UTC()
	query := fmt.Sprintf(
		`INSERT INTO %s (artifact_ref, filename, content_type, payload, delivered_at) VALUES ($1, $2, $3, $4, $5)`,
		settings.Table)
	if _, err := db.ExecContext(ctx, query, artifact.Ref, artifact.Filename, artifact.ContentType, artifact.Data, now); err != nil {
		return channel.Receipt{}, channel.Transientf(err, "insert into %s failed", settings.Table)
	}

	return channel.Receipt{
		Ref:         fmt.Sprintf("db:%s:%s", settings.Table, artifact.Ref),
		DeliveredAt: now,
	}, nil
}
