package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opsbridge/sync-core/internal/model"
)

// ProcessedEventRepo implements the idempotency ledger operations.
type ProcessedEventRepo struct{}

// TryInsert attempts to create a new in_progress row for fingerprint.
// It returns (true, nil) on success, or (false, nil) if a row already
// exists; the caller should then call Find to branch on its outcome.
// The database's uniqueness constraint is authoritative: under a
// concurrent equal fingerprint the loser always observes rowsAffected
// == 0 here, never a partial insert.
func (ProcessedEventRepo) TryInsert(ctx context.Context, ex sqlx.ExecerContext, fingerprint string, now time.Time) (bool, error) {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO processed_event (fingerprint, first_seen_at, outcome, attempts)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (fingerprint) DO NOTHING`, fingerprint, now, model.OutcomeInProgress)
	if err != nil {
		return false, fmt.Errorf("store: try insert processed_event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: try insert processed_event: rows affected: %w", err)
	}
	return n == 1, nil
}

// Find reads the current row for fingerprint.
func (ProcessedEventRepo) Find(ctx context.Context, q sqlx.QueryerContext, fingerprint string) (model.ProcessedEvent, error) {
	return find(ctx, q, fingerprint)
}

func find(ctx context.Context, q sqlx.QueryerContext, fingerprint string) (model.ProcessedEvent, error) {
	var row struct {
		Fingerprint string    `db:"fingerprint"`
		FirstSeenAt time.Time `db:"first_seen_at"`
		Outcome     string    `db:"outcome"`
		Attempts    int       `db:"attempts"`
	}
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT fingerprint, first_seen_at, outcome, attempts FROM processed_event WHERE fingerprint = $1`, fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ProcessedEvent{}, ErrNotFound
	}
	if err != nil {
		return model.ProcessedEvent{}, fmt.Errorf("store: find processed_event: %w", err)
	}
	return model.ProcessedEvent{
		Fingerprint: row.Fingerprint,
		FirstSeenAt: row.FirstSeenAt,
		Outcome:     model.Outcome(row.Outcome),
		Attempts:    row.Attempts,
	}, nil
}

// MarkRetrying transitions a previously-failed row back to in_progress
// and bumps attempts, so a retried delivery proceeds to execute again.
func (ProcessedEventRepo) MarkRetrying(ctx context.Context, ex sqlx.ExecerContext, fingerprint string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE processed_event SET outcome = $1, attempts = attempts + 1 WHERE fingerprint = $2`,
		model.OutcomeInProgress, fingerprint)
	if err != nil {
		return fmt.Errorf("store: mark retrying: %w", err)
	}
	return nil
}

// UpdateOutcome records the terminal outcome of a processed event.
// Callers must do this in the same transaction as the Mapping write it
// guards.
func (ProcessedEventRepo) UpdateOutcome(ctx context.Context, ex sqlx.ExecerContext, fingerprint string, outcome model.Outcome) error {
	_, err := ex.ExecContext(ctx, `UPDATE processed_event SET outcome = $1 WHERE fingerprint = $2`, outcome, fingerprint)
	if err != nil {
		return fmt.Errorf("store: update outcome: %w", err)
	}
	return nil
}

// PruneOlderThan deletes ProcessedEvent rows older than cutoff,
// returning the count removed.
func (ProcessedEventRepo) PruneOlderThan(ctx context.Context, ex sqlx.ExecerContext, cutoff time.Time) (int64, error) {
	res, err := ex.ExecContext(ctx, `DELETE FROM processed_event WHERE first_seen_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune processed_event: %w", err)
	}
	return res.RowsAffected()
}
