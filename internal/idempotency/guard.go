// Package idempotency implements the idempotency guard: fingerprint
// construction plus the insert-or-read transaction that guarantees no
// event with the same fingerprint executes twice, even under
// concurrent redelivery.
package idempotency

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opsbridge/sync-core/internal/bridgeerr"
	"github.com/opsbridge/sync-core/internal/canon"
	"github.com/opsbridge/sync-core/internal/model"
	"github.com/opsbridge/sync-core/internal/store"
)

// Fingerprint builds the stable identity of a webhook delivery: a
// content hash scoped by provider and event kind, further scoped by
// delivery ID when the provider supplies one.
func Fingerprint(provider model.Provider, eventKind string, rawPayload []byte, deliveryID string) (string, error) {
	canonBody, err := canon.JSON(rawPayload)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(eventKind))
	h.Write([]byte{0})
	h.Write(canonBody)
	contentHash := h.Sum(nil)

	if deliveryID == "" {
		return fmt.Sprintf("%x", contentHash), nil
	}
	h2 := sha256.New()
	h2.Write(contentHash)
	h2.Write([]byte(deliveryID))
	return fmt.Sprintf("%x", h2.Sum(nil)), nil
}

// Guard serializes execution per fingerprint against the database's
// uniqueness constraint, the single serialization point for duplicate
// detection.
type Guard struct {
	db   *store.DB
	repo store.ProcessedEventRepo
}

// New constructs a Guard backed by db.
func New(db *store.DB) *Guard {
	return &Guard{db: db}
}

// Effect is the business logic to run exactly once per fingerprint. It
// receives the open transaction so the Mapping write and the
// ProcessedEvent outcome update commit or roll back together.
type Effect func(ctx context.Context, tx *sqlx.Tx) (model.Outcome, error)

// Execute runs effect under the idempotency guard for fingerprint. It
// returns the effect's outcome on a fresh or retried execution, or a
// bridgeerr of Kind KindDuplicateInFlight / KindAlreadyProcessed when
// the fingerprint has already been (or is currently being) processed.
func (g *Guard) Execute(ctx context.Context, fingerprint string, effect Effect) (model.Outcome, error) {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInternal, "begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	inserted, err := g.repo.TryInsert(ctx, tx, fingerprint, now)
	if err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInternal, "try insert processed_event", err)
	}

	proceed := inserted
	if !inserted {
		existing, err := g.repo.Find(ctx, tx, fingerprint)
		if err != nil {
			return "", bridgeerr.Wrap(bridgeerr.KindInternal, "find processed_event", err)
		}
		switch existing.Outcome {
		case model.OutcomeInProgress:
			return "", bridgeerr.New(bridgeerr.KindDuplicateInFlight, "event already in flight")
		case model.OutcomeOK, model.OutcomeSkipped:
			return existing.Outcome, bridgeerr.New(bridgeerr.KindAlreadyProcessed, "event already processed")
		case model.OutcomeFailed:
			if err := g.repo.MarkRetrying(ctx, tx, fingerprint); err != nil {
				return "", bridgeerr.Wrap(bridgeerr.KindInternal, "mark retrying", err)
			}
			proceed = true
		}
	}

	if !proceed {
		return "", bridgeerr.New(bridgeerr.KindInternal, "unreachable: guard did not decide")
	}

	outcome, effErr := effect(ctx, tx)
	if effErr != nil {
		outcome = model.OutcomeFailed
	}
	if err := g.repo.UpdateOutcome(ctx, tx, fingerprint, outcome); err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInternal, "update outcome", err)
	}

	if effErr != nil {
		// Still commit: the ProcessedEvent row must reach outcome=failed
		// durably so a later redelivery retries instead of executing
		// a second time outside the guard.
		if cerr := tx.Commit(); cerr != nil {
			return "", bridgeerr.Wrap(bridgeerr.KindInternal, "commit failed outcome", cerr)
		}
		return outcome, effErr
	}

	if err := tx.Commit(); err != nil {
		return "", bridgeerr.Wrap(bridgeerr.KindInternal, "commit", err)
	}
	return outcome, nil
}
