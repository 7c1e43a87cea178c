// Package deadletter implements the periodic replay sweep and the
// admin-triggered replay endpoint: a ticker loop that lists rows due
// for another attempt and bounds total work per tick with a batch size.
package deadletter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/opsbridge/sync-core/internal/bridgeerr"
	"github.com/opsbridge/sync-core/internal/metrics"
	"github.com/opsbridge/sync-core/internal/model"
	"github.com/opsbridge/sync-core/internal/store"
)

const (
	baseBackoff    = time.Minute
	maxBackoff     = time.Hour
	pruneRetention = 14 * 24 * time.Hour
)

// Replayer re-executes a dead-lettered event exactly as if it had just
// arrived from the webhook admission layer, and polls the target for
// changes missed while its own webhook delivery was unavailable.
type Replayer interface {
	HandleInbound(ctx context.Context, ev model.InboundEvent) (model.Outcome, error)
	ReconcileSince(ctx context.Context, since time.Time) (int, error)
}

// Scheduler runs the replay sweep and retention pruning on independent
// tickers, and serves the admin replay-now endpoint.
type Scheduler struct {
	db       *store.DB
	dlRepo   store.DeadLetterRepo
	peRepo   store.ProcessedEventRepo
	replayer Replayer
	log      *zap.Logger
	metrics  *metrics.Registry

	interval            time.Duration
	batchSize           int
	maxAttempts         int
	processedRetention  time.Duration
	adminBearerToken    string
}

// Config configures a Scheduler.
type Config struct {
	Interval                  time.Duration
	BatchSize                 int
	MaxAttempts               int
	ProcessedEventRetention   time.Duration
	AdminBearerToken          string
}

// New constructs a Scheduler.
func New(db *store.DB, replayer Replayer, cfg Config, log *zap.Logger, m *metrics.Registry) *Scheduler {
	return &Scheduler{
		db:                 db,
		replayer:           replayer,
		interval:           cfg.Interval,
		batchSize:          cfg.BatchSize,
		maxAttempts:        cfg.MaxAttempts,
		processedRetention: cfg.ProcessedEventRetention,
		adminBearerToken:   cfg.AdminBearerToken,
		log:                log,
		metrics:            m,
	}
}

// Run blocks running the replay sweep and retention pruning until ctx
// is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	replayTicker := time.NewTicker(s.interval)
	defer replayTicker.Stop()
	pruneTicker := time.NewTicker(24 * time.Hour)
	defer pruneTicker.Stop()
	gaugeTicker := time.NewTicker(30 * time.Second)
	defer gaugeTicker.Stop()
	reconcileTicker := time.NewTicker(15 * time.Minute)
	defer reconcileTicker.Stop()
	lastReconcile := time.Now().UTC()

	for {
		select {
		case <-ctx.Done():
			return
		case <-replayTicker.C:
			attempted, succeeded, err := s.sweep(ctx)
			if err != nil {
				s.log.Error("dead letter sweep failed", zap.Error(err))
			} else if attempted > 0 {
				s.log.Info("dead letter sweep completed", zap.Int("attempted", attempted), zap.Int("succeeded", succeeded))
			}
		case <-pruneTicker.C:
			if err := s.prune(ctx); err != nil {
				s.log.Error("processed event prune failed", zap.Error(err))
			}
		case <-gaugeTicker.C:
			s.refreshGauges(ctx)
		case now := <-reconcileTicker.C:
			n, err := s.replayer.ReconcileSince(ctx, lastReconcile)
			if err != nil {
				s.log.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			lastReconcile = now.UTC()
			if n > 0 {
				s.log.Info("reconciliation sweep replayed pages", zap.Int("count", n))
			}
		}
	}
}

// sweep replays every due, non-archived dead letter up to batchSize,
// reporting how many it attempted and how many it successfully
// cleared so callers can report a contractual {attempted,succeeded}.
func (s *Scheduler) sweep(ctx context.Context) (attempted, succeeded int, err error) {
	due, err := s.dlRepo.ListDue(ctx, s.db, time.Now().UTC(), s.batchSize)
	if err != nil {
		return 0, 0, fmt.Errorf("deadletter: list due: %w", err)
	}
	for _, dl := range due {
		attempted++
		if s.replayOne(ctx, dl) {
			succeeded++
		}
	}
	return attempted, succeeded, nil
}

func (s *Scheduler) replayOne(ctx context.Context, dl model.DeadLetter) bool {
	ev := model.InboundEvent{
		Provider:   dl.Provider,
		EventKind:  dl.EventKind,
		RawPayload: dl.RawPayload,
		ReceivedAt: dl.CreatedAt,
	}
	_, err := s.replayer.HandleInbound(ctx, ev)
	if err == nil || bridgeerr.Is(err, bridgeerr.KindAlreadyProcessed) {
		if derr := s.dlRepo.Delete(ctx, s.db, dl.ID); derr != nil {
			s.log.Error("failed to delete replayed dead letter", zap.String("id", dl.ID), zap.Error(derr))
		}
		return true
	}

	if dl.Attempts+1 >= s.maxAttempts {
		if aerr := s.dlRepo.Archive(ctx, s.db, dl.ID); aerr != nil {
			s.log.Error("failed to archive dead letter", zap.String("id", dl.ID), zap.Error(aerr))
		}
		return false
	}

	next := backoffFor(dl.Attempts + 1)
	if berr := s.dlRepo.BumpForRetry(ctx, s.db, dl.ID, time.Now().UTC().Add(next), err.Error()); berr != nil {
		s.log.Error("failed to bump dead letter for retry", zap.String("id", dl.ID), zap.Error(berr))
	}
	return false
}

func backoffFor(attempts int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempts-1)))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (s *Scheduler) prune(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.processedRetention)
	if s.processedRetention == 0 {
		cutoff = time.Now().UTC().Add(-pruneRetention)
	}
	n, err := s.peRepo.PruneOlderThan(ctx, s.db, cutoff)
	if err != nil {
		return fmt.Errorf("deadletter: prune processed_event: %w", err)
	}
	if n > 0 {
		s.log.Info("pruned processed events", zap.Int64("count", n))
	}
	return nil
}

func (s *Scheduler) refreshGauges(ctx context.Context) {
	total, byProvider, err := s.dlRepo.CountPending(ctx, s.db)
	if err != nil {
		s.log.Error("failed to refresh dead letter gauges", zap.Error(err))
		return
	}
	s.metrics.DeadletterQueueSizeBasic.Set(float64(total))
	for provider, n := range byProvider {
		s.metrics.DeadletterQueueSizeByProvider.WithLabelValues(provider).Set(float64(n))
	}
}

// ServeReplayNow handles POST /replay-deadletters, forcing an
// immediate sweep outside the regular interval. The admin bearer token
// is compared in constant time to avoid a timing side-channel on the
// one endpoint not authenticated by provider signature.
func (s *Scheduler) ServeReplayNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	attempted, succeeded, err := s.sweep(r.Context())
	if err != nil {
		s.log.Error("admin-triggered sweep failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{"attempted": attempted, "succeeded": succeeded})
}

func (s *Scheduler) authorized(r *http.Request) bool {
	if s.adminBearerToken == "" {
		return false
	}
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return false
	}
	got := h[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.adminBearerToken)) == 1
}
