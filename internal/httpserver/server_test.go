package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsbridge/sync-core/internal/config"
	"github.com/opsbridge/sync-core/internal/deadletter"
	"github.com/opsbridge/sync-core/internal/health"
	"github.com/opsbridge/sync-core/internal/metrics"
	"github.com/opsbridge/sync-core/internal/model"
	"github.com/opsbridge/sync-core/internal/store"
	"github.com/opsbridge/sync-core/internal/webhook"
)

type fakeEvents struct{}

func (fakeEvents) HandleInbound(ctx context.Context, ev model.InboundEvent) (model.Outcome, error) {
	return model.OutcomeOK, nil
}

func (fakeEvents) EnqueueDeadLetter(ctx context.Context, ev model.InboundEvent, reason string) error {
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	mockDB, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := &store.DB{DB: sqlx.NewDb(mockDB, "pgx")}

	m := metrics.NewRegistry(prometheus.NewRegistry())
	cfg := &config.Config{MaxRequestBytes: 1 << 20}
	wh := webhook.NewHandler(cfg, fakeEvents{}, zap.NewNop(), m)
	hh := health.NewHandler(db, "test")
	sched := deadletter.New(db, nil, deadletter.Config{AdminBearerToken: "secret"}, zap.NewNop(), m)

	return New(":0", wh, hh, sched, 5*time.Second, zap.NewNop())
}

func TestNew_RoutesHealthEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.NotEqual(t, http.StatusNotFound, rec.Code)
}

func TestNew_RoutesAdminReplayEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/replay-deadletters", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNew_RoutesMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNew_RoutesWebhookEndpointsRejectingGet(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/webhook/src", "/webhook/tgt"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.httpSrv.Handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code, "path %s", path)
	}
}
