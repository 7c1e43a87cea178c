// Package httpserver wires the bridge's HTTP surface and adds graceful
// shutdown to the teacher's plain server: listen, serve in a goroutine,
// wait for SIGTERM/SIGINT, then drain with a bounded deadline.
package httpserver

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opsbridge/sync-core/internal/deadletter"
	"github.com/opsbridge/sync-core/internal/health"
	"github.com/opsbridge/sync-core/internal/webhook"
)

// Server bundles the mux and the *http.Server it's served through.
type Server struct {
	httpSrv *http.Server
	log     *zap.Logger
	grace   time.Duration
}

// New builds the bridge's HTTP mux: webhook admission, health probes,
// metrics, and the admin replay endpoint.
func New(addr string, wh *webhook.Handler, hh *health.Handler, sched *deadletter.Scheduler, grace time.Duration, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/src", wh.ServeSrc)
	mux.HandleFunc("/webhook/tgt", wh.ServeTgt)
	mux.HandleFunc("/health", hh.ServeHealth)
	mux.HandleFunc("/health/ci", hh.ServeHealthCI)
	mux.HandleFunc("/replay-deadletters", sched.ServeReplayNow)
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		httpSrv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log:   log,
		grace: grace,
	}
}

// Run serves until ctx is cancelled or a SIGTERM/SIGINT arrives,
// draining in-flight requests within the configured grace period.
func (s *Server) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-sigCtx.Done():
		s.log.Info("shutdown signal received, draining")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}
