// Command scheduler runs the maintenance loop standalone: dead-letter
// replay sweeps and processed-event retention pruning, separated from
// the webhook-serving process so each can scale and restart
// independently.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opsbridge/sync-core/internal/config"
	"github.com/opsbridge/sync-core/internal/deadletter"
	"github.com/opsbridge/sync-core/internal/logging"
	"github.com/opsbridge/sync-core/internal/mapping"
	"github.com/opsbridge/sync-core/internal/metrics"
	"github.com/opsbridge/sync-core/internal/sourceapi"
	"github.com/opsbridge/sync-core/internal/store"
	"github.com/opsbridge/sync-core/internal/sync"
	"github.com/opsbridge/sync-core/internal/targetapi"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	sched := deadletter.New(db, orchestrator, deadletter.Config{
		Interval:                time.Duration(cfg.ReplayIntervalMinutes) * time.Minute,
		BatchSize:               cfg.ReplayBatchSize,
		MaxAttempts:             cfg.ReplayMaxAttempts,
		ProcessedEventRetention: time.Duration(cfg.ProcessedEventRetentionDays) * 24 * time.Hour,
		AdminBearerToken:        cfg.AdminBearerToken,
	}, logger, reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: ":9100", Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sched.Run(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	return metricsSrv.Shutdown(shutdownCtx)
}
