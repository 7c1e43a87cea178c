package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/opsbridge/sync-core/internal/model"
)

// DeadLetterRepo implements the DeadLetter persistence operations.
type DeadLetterRepo struct{}

// Insert persists a new dead-letter entry.
func (DeadLetterRepo) Insert(ctx context.Context, ex sqlx.ExecerContext, dl model.DeadLetter) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO deadletter (id, fingerprint, provider, event_kind, raw_payload, failure_reason, attempts, next_attempt_at, created_at, archived)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, FALSE)`,
		dl.ID, dl.Fingerprint, string(dl.Provider), dl.EventKind, dl.RawPayload, dl.FailureReason, dl.Attempts, dl.NextAttemptAt, dl.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert deadletter: %w", err)
	}
	return nil
}

// ListDue returns up to limit non-archived DeadLetter rows whose
// next_attempt_at has passed, ordered by created_at.
func (DeadLetterRepo) ListDue(ctx context.Context, q sqlx.QueryerContext, now time.Time, limit int) ([]model.DeadLetter, error) {
	var rows []struct {
		ID            string    `db:"id"`
		Fingerprint   string    `db:"fingerprint"`
		Provider      string    `db:"provider"`
		EventKind     string    `db:"event_kind"`
		RawPayload    []byte    `db:"raw_payload"`
		FailureReason string    `db:"failure_reason"`
		Attempts      int       `db:"attempts"`
		NextAttemptAt time.Time `db:"next_attempt_at"`
		CreatedAt     time.Time `db:"created_at"`
	}
	err := sqlx.SelectContext(ctx, q, &rows, `
		SELECT id, fingerprint, provider, event_kind, raw_payload, failure_reason, attempts, next_attempt_at, created_at
		FROM deadletter WHERE NOT archived AND next_attempt_at <= $1
		ORDER BY created_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list due deadletters: %w", err)
	}
	out := make([]model.DeadLetter, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.DeadLetter{
			ID: r.ID, Fingerprint: r.Fingerprint, Provider: model.Provider(r.Provider),
			EventKind: r.EventKind, RawPayload: r.RawPayload, FailureReason: r.FailureReason,
			Attempts: r.Attempts, NextAttemptAt: r.NextAttemptAt, CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// Delete removes a dead-letter row after a successful replay.
func (DeadLetterRepo) Delete(ctx context.Context, ex sqlx.ExecerContext, id string) error {
	_, err := ex.ExecContext(ctx, `DELETE FROM deadletter WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete deadletter: %w", err)
	}
	return nil
}

// BumpForRetry records the caller-computed next attempt time and the
// failure reason, and increments attempts after a repeated replay
// failure.
func (DeadLetterRepo) BumpForRetry(ctx context.Context, ex sqlx.ExecerContext, id string, nextAttemptAt time.Time, reason string) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE deadletter SET attempts = attempts + 1, next_attempt_at = $1, failure_reason = $2 WHERE id = $3`,
		nextAttemptAt, reason, id)
	if err != nil {
		return fmt.Errorf("store: bump deadletter: %w", err)
	}
	return nil
}

// Archive marks a dead-letter terminal after max_attempts is exceeded;
// it is then excluded from ListDue and not retried automatically.
func (DeadLetterRepo) Archive(ctx context.Context, ex sqlx.ExecerContext, id string) error {
	_, err := ex.ExecContext(ctx, `UPDATE deadletter SET archived = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: archive deadletter: %w", err)
	}
	return nil
}

// CountPending returns the total and per-provider pending (non-archived)
// counts, feeding the two deadletter_queue_size* gauges.
func (DeadLetterRepo) CountPending(ctx context.Context, q sqlx.QueryerContext) (total int64, byProvider map[string]int64, err error) {
	if err = sqlx.GetContext(ctx, q, &total, `SELECT COUNT(*) FROM deadletter WHERE NOT archived`); err != nil {
		return 0, nil, fmt.Errorf("store: count pending deadletters: %w", err)
	}
	var rows []struct {
		Provider string `db:"provider"`
		N        int64  `db:"n"`
	}
	if err = sqlx.SelectContext(ctx, q, &rows, `SELECT provider, COUNT(*) AS n FROM deadletter WHERE NOT archived GROUP BY provider`); err != nil {
		return 0, nil, fmt.Errorf("store: count pending deadletters by provider: %w", err)
	}
	byProvider = make(map[string]int64, len(rows))
	for _, r := range rows {
		byProvider[r.Provider] = r.N
	}
	return total, byProvider, nil
}
