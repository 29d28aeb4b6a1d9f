// Package objstore uploads report artifacts to S3-compatible object storage
// and, when the schedule asks for it, produces a presigned share link.
package objstore

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"reportflow/internal/channel"
	"reportflow/internal/domain"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string // default bucket when the schedule does not set one
}

type Adapter struct {
	client *minio.Client
	cfg    Config
}

func New(cfg Config) (*Adapter, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Adapter{client: client, cfg: cfg}, nil
}

func (a *Adapter) Deliver(ctx context.Context, artifact channel.Artifact, cfg domain.DeliveryConfiguration) (channel.Receipt, error) {
	bucket := cfg.Storage.Bucket
	if bucket == "" {
		bucket = a.cfg.Bucket
	}
	if bucket == "" {
		return channel.Receipt{}, channel.Permanentf(nil, "no bucket configured")
	}

	key := objectKey(cfg.Storage.PathTemplate, artifact)
	_, err := a.client.PutObject(ctx, bucket, key,
		bytes.NewReader(artifact.Data), int64(len(artifact.Data)),
		minio.PutObjectOptions{ContentType: artifact.ContentType})
	if err != nil {
		return channel.Receipt{}, channel.Transientf(err, "upload %s to bucket %s failed", key, bucket)
	}

	ref := fmt.Sprintf("s3://%s/%s", bucket, key)
	if cfg.IncludeLink {
		expiry := time.Duration(cfg.LinkExpiryDays) * 24 * time.Hour
		link, perr := a.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
		if perr != nil {
			// The upload landed; a failed presign downgrades to the
			// plain object ref rather than failing the channel.
			log.Warn().Err(perr).Str("object", ref).Msg("presign share link failed")
		} else {
			ref = link.String()
		}
	}

	return channel.Receipt{Ref: ref, DeliveredAt: time.Now().UTC()}, nil
}

// objectKey expands the path template. Supported placeholders: {filename},
// {date}. An empty template stores under reports/<date>/<filename>.
func objectKey(tpl string, artifact channel.Artifact) string {
	date := time.Now().UTC().Format("2006-01-02")
	if tpl == "" {
		return fmt.Sprintf("reports/%s/%s", date, artifact.Filename)
	}
	key := strings.ReplaceAll(tpl, "{filename}", artifact.Filename)
	key = strings.ReplaceAll(key, "{date}", date)
	return strings.TrimPrefix(key, "/")
}
