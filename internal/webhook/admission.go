// Package webhook implements webhook admission and signature
// verification: the two HTTP-facing handlers that accept inbound
// deliveries from the source and target providers, authenticate them,
// and hand them to the sync orchestrator within a bounded deadline.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opsbridge/sync-core/internal/bridgeerr"
	"github.com/opsbridge/sync-core/internal/canon"
	"github.com/opsbridge/sync-core/internal/config"
	"github.com/opsbridge/sync-core/internal/logging"
	"github.com/opsbridge/sync-core/internal/metrics"
	"github.com/opsbridge/sync-core/internal/model"
)

// EventHandler is implemented by the Sync Orchestrator. Handler calls
// it once a delivery has been authenticated and parsed into an
// InboundEvent; orchestration may run synchronously within the
// request, but must complete within admissionDeadline or the caller
// hands the event to the DLQ and still answers 202.
type EventHandler interface {
	HandleInbound(ctx context.Context, ev model.InboundEvent) (model.Outcome, error)
	EnqueueDeadLetter(ctx context.Context, ev model.InboundEvent, reason string) error
}

const admissionDeadline = 10 * time.Second

// Handler serves the two per-provider webhook endpoints.
type Handler struct {
	cfg     *config.Config
	events  EventHandler
	log     *zap.Logger
	metrics *metrics.Registry

	srcLimiter *rate.Limiter
	tgtLimiter *rate.Limiter
}

// NewHandler constructs a Handler. cfg.RateLimitPerMinute == 0 disables
// admission-side rate limiting entirely.
func NewHandler(cfg *config.Config, events EventHandler, log *zap.Logger, m *metrics.Registry) *Handler {
	h := &Handler{cfg: cfg, events: events, log: log, metrics: m}
	if cfg.RateLimitPerMinute > 0 {
		per := rate.Every(time.Minute / time.Duration(cfg.RateLimitPerMinute))
		h.srcLimiter = rate.NewLimiter(per, cfg.RateLimitPerMinute)
		h.tgtLimiter = rate.NewLimiter(per, cfg.RateLimitPerMinute)
	}
	return h
}

// ServeSrc handles POST /webhook/src.
func (h *Handler) ServeSrc(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.ProviderSrc, h.srcLimiter, h.cfg.Src.Secret, h.cfg.Src)
}

// ServeTgt handles POST /webhook/tgt.
func (h *Handler) ServeTgt(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, model.ProviderTgt, h.tgtLimiter, h.cfg.Tgt.Secret, h.cfg.Tgt)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, provider model.Provider, limiter *rate.Limiter, secret []byte, auth config.ProviderAuth) {
	clientIP := clientIPOf(r)

	if r.Method != http.MethodPost {
		h.reject(w, string(provider), "", http.StatusMethodNotAllowed, "method_not_allowed", clientIP)
		return
	}

	if limiter != nil && !limiter.Allow() {
		h.metrics.RateLimitHitsTotal.WithLabelValues(r.URL.Path).Inc()
		h.reject(w, string(provider), "", bridgeerr.HTTPStatus(bridgeerr.KindRateLimited), string(bridgeerr.KindRateLimited), clientIP)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.reject(w, string(provider), "", bridgeerr.HTTPStatus(bridgeerr.KindRequestTooLarge), string(bridgeerr.KindRequestTooLarge), clientIP)
		return
	}

	sig := r.Header.Get("signature")
	if sig == "" {
		sig = r.Header.Get("X-Hub-Signature-256")
	}
	if !verifySignature(body, sig, secret) {
		logging.SecurityEvent(h.log, "signature_mismatch", clientIP, zap.String("provider", string(provider)))
		h.reject(w, string(provider), "", bridgeerr.HTTPStatus(bridgeerr.KindInvalidSignature), string(bridgeerr.KindInvalidSignature), clientIP)
		return
	}

	if auth.EnforceReplayWindow {
		if err := verifyTimestamp(r.Header.Get("timestamp"), auth.ReplayWindow, time.Now().UTC()); err != nil {
			logging.SecurityEvent(h.log, "replay_window_violation", clientIP, zap.String("provider", string(provider)), zap.Error(err))
			h.reject(w, string(provider), "", bridgeerr.HTTPStatus(bridgeerr.KindInvalidSignature), string(bridgeerr.KindInvalidSignature), clientIP)
			return
		}
	}

	eventKind := r.Header.Get("event-kind")
	if eventKind == "" {
		eventKind = r.Header.Get("X-GitHub-Event")
	}

	if !json.Valid(body) {
		h.reject(w, string(provider), eventKind, bridgeerr.HTTPStatus(bridgeerr.KindInvalidPayload), string(bridgeerr.KindInvalidPayload), clientIP)
		return
	}

	hash, err := canon.ContentHash(body)
	if err != nil {
		h.reject(w, string(provider), eventKind, bridgeerr.HTTPStatus(bridgeerr.KindInvalidPayload), string(bridgeerr.KindInvalidPayload), clientIP)
		return
	}

	ev := model.InboundEvent{
		Provider:    provider,
		EventKind:   eventKind,
		DeliveryID:  r.Header.Get("delivery-id"),
		RawPayload:  body,
		ReceivedAt:  time.Now().UTC(),
		SourceIP:    clientIP,
		ContentHash: canon.Hex(hash),
	}

	ctx, cancel := context.WithTimeout(r.Context(), admissionDeadline)
	defer cancel()

	outcome, err := h.events.HandleInbound(ctx, ev)
	if err != nil {
		if ctx.Err() != nil || bridgeerr.Is(err, bridgeerr.KindUpstreamTransient) || bridgeerr.Is(err, bridgeerr.KindTimeout) {
			// bounded deadline exceeded or a transient upstream failure:
			// hand off to the DLQ and still answer 202.
			if dlqErr := h.events.EnqueueDeadLetter(context.Background(), ev, err.Error()); dlqErr != nil {
				h.log.Error("failed to enqueue dead letter", zap.Error(dlqErr))
				h.reject(w, string(provider), eventKind, http.StatusInternalServerError, string(bridgeerr.KindInternal), clientIP)
				return
			}
			h.accept(w, string(provider), eventKind, "deadlettered", clientIP)
			return
		}
		if bridgeerr.Is(err, bridgeerr.KindDuplicateInFlight) || bridgeerr.Is(err, bridgeerr.KindAlreadyProcessed) {
			h.accept(w, string(provider), eventKind, string(outcomeOrKind(err)), clientIP)
			return
		}
		h.metrics.WebhookErrorsTotal.WithLabelValues(string(provider), "internal").Inc()
		h.reject(w, string(provider), eventKind, http.StatusInternalServerError, string(bridgeerr.KindInternal), clientIP)
		return
	}

	h.accept(w, string(provider), eventKind, string(outcome), clientIP)
}

func outcomeOrKind(err error) bridgeerr.Kind {
	if bridgeerr.Is(err, bridgeerr.KindDuplicateInFlight) {
		return bridgeerr.KindDuplicateInFlight
	}
	return bridgeerr.KindAlreadyProcessed
}

func (h *Handler) accept(w http.ResponseWriter, provider, eventKind, outcome, clientIP string) {
	logging.Admission(h.log, provider, eventKind, outcome, clientIP)
	h.metrics.HTTPRequestsTotal.WithLabelValues("/webhook/"+provider, http.MethodPost, "202").Inc()
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "outcome": outcome})
}

func (h *Handler) reject(w http.ResponseWriter, provider, eventKind string, status int, kind, clientIP string) {
	logging.Admission(h.log, provider, eventKind, kind, clientIP)
	h.metrics.WebhookErrorsTotal.WithLabelValues(provider, kind).Inc()
	h.metrics.HTTPRequestsTotal.WithLabelValues("/webhook/"+provider, http.MethodPost, strconv.Itoa(status)).Inc()
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": kind})
}

func clientIPOf(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
