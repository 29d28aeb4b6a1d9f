// Package ftp uploads report artifacts to an FTP server.
package ftp

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"reportflow/internal/channel"
	"reportflow/internal/domain"
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Deliver(ctx context.Context, artifact channel.Artifact, cfg domain.DeliveryConfiguration) (channel.Receipt, error) {
	settings := cfg.FTP
	if settings.Host == "" {
		return channel.Receipt{}, channel.Permanentf(nil, "no ftp host configured")
	}
	port := settings.Port
	if port == 0 {
		port = 21
	}
	addr := fmt.Sprintf("%s:%d", settings.Host, port)

	conn, err := ftp.Dial(addr, ftp.DialWithContext(ctx), ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return channel.Receipt{}, channel.Transientf(err, "dial ftp %s failed", addr)
	}
	defer conn.Quit()

	user := settings.Username
	if user == "" {
		user = "anonymous"
	}
	if err := conn.Login(user, settings.Password); err != nil {
		// A rejected login will not pass on retry.
		return channel.Receipt{}, channel.Permanentf(err, "ftp login as %s rejected", user)
	}

	remote := path.Join(settings.Path, artifact.Filename)
	if dir := path.Dir(remote); dir != "." && dir != "/" {
		// Best effort; most servers fail MKD on existing directories.
		mkdirAll(conn, dir)
	}
	if err := conn.Stor(remote, bytes.NewReader(artifact.Data)); err != nil {
		return channel.Receipt{}, channel.Transientf(err, "ftp store %s failed", remote)
	}

	return channel.Receipt{
		Ref:         "ftp://" + settings.Host + "/" + strings.TrimPrefix(remote, "/"),
		DeliveredAt: time.Now().UTC(),
	}, nil
}

func mkdirAll(conn *ftp.ServerConn, dir string) {
	parts := strings.Split(strings.Trim(dir, "/"), "/")
	cur := ""
	for _, p := range parts {
		cur = cur + "/" + p
		_ = conn.MakeDir(cur)
	}
}
