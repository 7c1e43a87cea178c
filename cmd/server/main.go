// Command server runs the webhook admission HTTP surface: the two
// per-provider endpoints, health probes, metrics, and the admin replay
// endpoint. It is the long-running process a load balancer points
// provider webhooks at.
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsbridge/sync-core/internal/config"
	"github.com/opsbridge/sync-core/internal/deadletter"
	"github.com/opsbridge/sync-core/internal/health"
	"github.com/opsbridge/sync-core/internal/httpserver"
	"github.com/opsbridge/sync-core/internal/logging"
	"github.com/opsbridge/sync-core/internal/mapping"
	"github.com/opsbridge/sync-core/internal/metrics"
	"github.com/opsbridge/sync-core/internal/sourceapi"
	"github.com/opsbridge/sync-core/internal/store"
	"github.com/opsbridge/sync-core/internal/sync"
	"github.com/opsbridge/sync-core/internal/targetapi"
	"github.com/opsbridge/sync-core/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)

	ctx := context.Background()
	db, err := store.Open(ctx, cfg.DBURL, cfg.DBMaxOpenConns)
	if err != nil {
		return err
	}
	defer db.Close()

	reglib, err := mapping.Load(cfg.MappingPath)
	if err != nil {
		return err
	}
	mapper := mapping.NewMapper(reglib)

	httpClient := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxConnsPerHost: cfg.HTTPClientMaxConnsPerHost,
		},
	}

	srcApp := &sourceapi.App{
		AppID:          cfg.SrcAppID,
		InstallationID: cfg.SrcInstallationID,
		PrivateKey:     []byte(cfg.SrcPrivateKeyPEM),
	}
	srcClient := sourceapi.NewClient(srcApp, httpClient, "https://api.github.com", logger, reg)
	tgtClient := targetapi.NewClient(cfg.TgtToken, cfg.TgtAPIVersion, "https://api.notion.com", httpClient, logger, reg)

	orchestrator := sync.New(db, mapper, srcClient, tgtClient, cfg.TgtDatabaseID, logger, reg)

	whHandler := webhook.NewHandler(cfg, orchestrator, logger, reg)
	healthHandler := health.NewHandler(db, cfg.Environment)
	sched := deadletter.New(db, orchestrator, deadletter.Config{
		Interval:                time.Duration(cfg.ReplayIntervalMinutes) * time.Minute,
		BatchSize:               cfg.ReplayBatchSize,
		MaxAttempts:             cfg.ReplayMaxAttempts,
		ProcessedEventRetention: time.Duration(cfg.ProcessedEventRetentionDays) * 24 * time.Hour,
		AdminBearerToken:        cfg.AdminBearerToken,
	}, logger, reg)

	srv := httpserver.New(cfg.ListenAddr, whHandler, healthHandler, sched, cfg.ShutdownGrace, logger)
	return srv.Run(ctx)
}
