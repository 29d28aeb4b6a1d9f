package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"reportflow/internal/api"
	"reportflow/internal/channel"
	"reportflow/internal/channel/dbsink"
	"reportflow/internal/channel/email"
	"reportflow/internal/channel/ftp"
	"reportflow/internal/channel/objstore"
	"reportflow/internal/channel/webhook"
	"reportflow/internal/dispatch"
	"reportflow/internal/domain"
	"reportflow/internal/notify"
	"reportflow/internal/render"
	"reportflow/internal/scheduler"
	"reportflow/internal/store"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "HTTP bind address")
		dbPath    = flag.String("db", "reportflow.db", "SQLite DB path")
		workers   = flag.Int("workers", 8, "max concurrent deliveries")
		poll      = flag.Duration("poll", 30*time.Second, "schedule poll interval")
		claimTTL  = flag.Duration("claim-ttl", 10*time.Minute, "schedule claim time-to-live")
		sourceURL = flag.String("source", "http://localhost:9090", "report data service base URL")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.NewSQLite(db)

	adapters := map[domain.DeliveryMethod]channel.Adapter{
		domain.MethodFTP:      ftp.New(),
		domain.MethodWebhook:  webhook.New(),
		domain.MethodDatabase: dbsink.New(),
	}

	var notifier notify.Notifier = notify.Discard{}
	if host := os.Getenv("SMTP_HOST"); host != "" {
		port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
		if port == 0 {
			port = 587
		}
		cfg := email.Config{
			Host:     host,
			Port:     port,
			From:     os.Getenv("SMTP_FROM"),
			Password: os.Getenv("SMTP_PASSWORD"),
		}
		adapters[domain.MethodEmail] = email.New(cfg)
		notifier = notify.NewEmail(cfg.Host, cfg.Port, cfg.From, cfg.Password)
		log.Info().Str("host", host).Msg("email channel enabled")
	}

	if endpoint := os.Getenv("S3_ENDPOINT"); endpoint != "" {
		objAdapter, err := objstore.New(objstore.Config{
			Endpoint:  endpoint,
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			UseSSL:    os.Getenv("S3_USE_SSL") == "true",
			Bucket:    os.Getenv("S3_BUCKET"),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("object storage client")
		}
		adapters[domain.MethodCloudStorage] = objAdapter
		log.Info().Str("endpoint", endpoint).Msg("cloud storage channel enabled")
	}

	renderer := render.NewTabular(render.NewHTTPSource(*sourceURL))
	dispatcher := dispatch.New(st, renderer, adapters, notifier, *workers)
	svc := scheduler.NewService(st, dispatcher, *poll, *claimTTL)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Start(ctx)

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st, svc)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
