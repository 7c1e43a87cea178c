// Package health serves the liveness and readiness probes, surfacing
// dead-letter backlog and orphaned-mapping counts alongside basic
// database connectivity and a disk-write check.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/opsbridge/sync-core/internal/store"
)

const probeTimeout = 3 * time.Second

// CheckResult is one named probe's outcome within a Status.
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Status is the payload returned by /health and /health/ci.
type Status struct {
	Status      string                 `json:"status"`
	Timestamp   string                 `json:"timestamp"`
	Environment string                 `json:"environment"`
	Checks      map[string]CheckResult `json:"checks"`
}

// Handler serves /health and /health/ci against a live database
// connection.
type Handler struct {
	db          *store.DB
	dlRepo      store.DeadLetterRepo
	mappingRepo store.MappingRepo
	environment string
}

// NewHandler builds a Handler. environment is echoed verbatim into
// every Status so a dashboard can tell readiness snapshots apart by
// deployment.
func NewHandler(db *store.DB, environment string) *Handler {
	return &Handler{db: db, environment: environment}
}

// ServeHealth reports liveness: the process is up, the database is
// reachable, and the filesystem backing its working directory accepts
// writes.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := map[string]CheckResult{
		"self":     h.checkSelf(),
		"database": h.checkDatabase(ctx),
		"disk":     h.checkDisk(),
	}
	h.respond(w, checks)
}

// ServeHealthCI reports a richer readiness snapshot for CI smoke
// checks: the same liveness probes plus dead-letter backlog and
// orphaned-mapping counts, so a pipeline can assert the bridge isn't
// silently accumulating failures. It omits outbound-dependency checks
// so missing provider credentials in a test lane never mark the build
// red.
func (h *Handler) ServeHealthCI(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	checks := map[string]CheckResult{
		"self":              h.checkSelf(),
		"database":          h.checkDatabase(ctx),
		"disk":              h.checkDisk(),
		"dead_letter_queue": h.checkDeadLetterBacklog(ctx),
		"orphaned_mappings": h.checkOrphanedMappings(ctx),
	}
	h.respond(w, checks)
}

func (h *Handler) respond(w http.ResponseWriter, checks map[string]CheckResult) {
	status := aggregate(checks)
	if status == "error" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(Status{
		Status:      status,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Environment: h.environment,
		Checks:      checks,
	})
}

// aggregate collapses individual check results into the top-level
// status: any error wins, then any degraded, else healthy.
func aggregate(checks map[string]CheckResult) string {
	degraded := false
	for _, c := range checks {
		switch c.Status {
		case "error":
			return "error"
		case "degraded":
			degraded = true
		}
	}
	if degraded {
		return "degraded"
	}
	return "healthy"
}

func (h *Handler) checkSelf() CheckResult {
	return CheckResult{Status: "healthy"}
}

func (h *Handler) checkDatabase(ctx context.Context) CheckResult {
	if err := h.db.PingContext(ctx); err != nil {
		return CheckResult{Status: "error", Message: err.Error()}
	}
	return CheckResult{Status: "healthy"}
}

// checkDisk confirms the working directory's filesystem still accepts
// writes by round-tripping a temp file. There's no portable way to
// read free space without a platform-specific syscall, so this checks
// the failure mode that actually matters: a read-only or full disk
// refusing the write.
func (h *Handler) checkDisk() CheckResult {
	f, err := os.CreateTemp("", "sync-core-health-*")
	if err != nil {
		return CheckResult{Status: "error", Message: err.Error()}
	}
	name := f.Name()
	_, writeErr := f.Write([]byte("ok"))
	closeErr := f.Close()
	_ = os.Remove(name)
	if writeErr != nil {
		return CheckResult{Status: "error", Message: writeErr.Error()}
	}
	if closeErr != nil {
		return CheckResult{Status: "error", Message: closeErr.Error()}
	}
	return CheckResult{Status: "healthy"}
}

func (h *Handler) checkDeadLetterBacklog(ctx context.Context) CheckResult {
	pending, _, err := h.dlRepo.CountPending(ctx, h.db)
	if err != nil {
		return CheckResult{Status: "error", Message: err.Error()}
	}
	if pending > 0 {
		return CheckResult{Status: "degraded", Message: pendingMessage(pending)}
	}
	return CheckResult{Status: "healthy"}
}

func (h *Handler) checkOrphanedMappings(ctx context.Context) CheckResult {
	n, err := h.mappingRepo.CountOrphaned(ctx, h.db)
	if err != nil {
		return CheckResult{Status: "error", Message: err.Error()}
	}
	if n > 0 {
		return CheckResult{Status: "degraded", Message: orphanedMessage(n)}
	}
	return CheckResult{Status: "healthy"}
}

func pendingMessage(n int64) string {
	return strconv.FormatInt(n, 10) + " dead letters pending replay"
}

func orphanedMessage(n int64) string {
	return strconv.FormatInt(n, 10) + " mappings orphaned"
}
