package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/sync-core/internal/bridgeerr"
	"github.com/opsbridge/sync-core/internal/model"
	"github.com/opsbridge/sync-core/internal/store"
)

func newMockGuard(t *testing.T) (*Guard, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := &store.DB{DB: sqlx.NewDb(mockDB, "pgx")}
	return New(db), mock
}

func TestFingerprint_StableForIdenticalInput(t *testing.T) {
	a, err := Fingerprint(model.ProviderSrc, "issues", []byte(`{"a":1,"b":2}`), "del-1")
	require.NoError(t, err)
	b, err := Fingerprint(model.ProviderSrc, "issues", []byte(`{"b":2,"a":1}`), "del-1")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestFingerprint_DiffersByProviderEventKindOrDeliveryID(t *testing.T) {
	base, err := Fingerprint(model.ProviderSrc, "issues", []byte(`{"a":1}`), "del-1")
	require.NoError(t, err)

	other, err := Fingerprint(model.ProviderTgt, "issues", []byte(`{"a":1}`), "del-1")
	require.NoError(t, err)
	require.NotEqual(t, base, other)

	other, err = Fingerprint(model.ProviderSrc, "pages", []byte(`{"a":1}`), "del-1")
	require.NoError(t, err)
	require.NotEqual(t, base, other)

	other, err = Fingerprint(model.ProviderSrc, "issues", []byte(`{"a":1}`), "del-2")
	require.NoError(t, err)
	require.NotEqual(t, base, other)
}

func TestFingerprint_EmptyDeliveryIDOmitsSecondHashRound(t *testing.T) {
	withoutDelivery, err := Fingerprint(model.ProviderSrc, "issues", []byte(`{"a":1}`), "")
	require.NoError(t, err)
	withDelivery, err := Fingerprint(model.ProviderSrc, "issues", []byte(`{"a":1}`), "del-1")
	require.NoError(t, err)
	require.NotEqual(t, withoutDelivery, withDelivery)
}

func TestGuard_Execute_FreshFingerprintRunsEffectAndCommits(t *testing.T) {
	g, mock := newMockGuard(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO processed_event`).
		WithArgs("fp-1", sqlmock.AnyArg(), model.OutcomeInProgress).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE processed_event SET outcome`).
		WithArgs(model.OutcomeOK, "fp-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ran := false
	outcome, err := g.Execute(context.Background(), "fp-1", func(ctx context.Context, tx *sqlx.Tx) (model.Outcome, error) {
		ran = true
		return model.OutcomeOK, nil
	})

	require.NoError(t, err)
	require.Equal(t, model.OutcomeOK, outcome)
	require.True(t, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_Execute_InProgressDuplicateRejectedWithoutRunningEffect(t *testing.T) {
	g, mock := newMockGuard(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO processed_event`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT fingerprint, first_seen_at, outcome, attempts FROM processed_event`).
		WithArgs("fp-dup").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "first_seen_at", "outcome", "attempts"}).
			AddRow("fp-dup", time.Now(), string(model.OutcomeInProgress), 1))
	mock.ExpectRollback()

	ran := false
	_, err := g.Execute(context.Background(), "fp-dup", func(ctx context.Context, tx *sqlx.Tx) (model.Outcome, error) {
		ran = true
		return model.OutcomeOK, nil
	})

	require.Error(t, err)
	require.True(t, bridgeerr.Is(err, bridgeerr.KindDuplicateInFlight))
	require.False(t, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_Execute_AlreadyProcessedReturnsPastOutcomeWithoutRerunning(t *testing.T) {
	g, mock := newMockGuard(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO processed_event`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT fingerprint, first_seen_at, outcome, attempts FROM processed_event`).
		WithArgs("fp-done").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "first_seen_at", "outcome", "attempts"}).
			AddRow("fp-done", time.Now(), string(model.OutcomeOK), 1))
	mock.ExpectRollback()

	ran := false
	outcome, err := g.Execute(context.Background(), "fp-done", func(ctx context.Context, tx *sqlx.Tx) (model.Outcome, error) {
		ran = true
		return model.OutcomeOK, nil
	})

	require.Error(t, err)
	require.True(t, bridgeerr.Is(err, bridgeerr.KindAlreadyProcessed))
	require.Equal(t, model.OutcomeOK, outcome)
	require.False(t, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_Execute_PreviouslyFailedRetriesAndReExecutes(t *testing.T) {
	g, mock := newMockGuard(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO processed_event`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT fingerprint, first_seen_at, outcome, attempts FROM processed_event`).
		WithArgs("fp-retry").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "first_seen_at", "outcome", "attempts"}).
			AddRow("fp-retry", time.Now(), string(model.OutcomeFailed), 1))
	mock.ExpectExec(`UPDATE processed_event SET outcome = \$1, attempts = attempts \+ 1`).
		WithArgs(model.OutcomeInProgress, "fp-retry").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE processed_event SET outcome`).
		WithArgs(model.OutcomeOK, "fp-retry").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ran := false
	outcome, err := g.Execute(context.Background(), "fp-retry", func(ctx context.Context, tx *sqlx.Tx) (model.Outcome, error) {
		ran = true
		return model.OutcomeOK, nil
	})

	require.NoError(t, err)
	require.Equal(t, model.OutcomeOK, outcome)
	require.True(t, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_Execute_EffectFailureStillCommitsFailedOutcome(t *testing.T) {
	g, mock := newMockGuard(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO processed_event`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE processed_event SET outcome`).
		WithArgs(model.OutcomeFailed, "fp-fail").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := g.Execute(context.Background(), "fp-fail", func(ctx context.Context, tx *sqlx.Tx) (model.Outcome, error) {
		return "", bridgeerr.New(bridgeerr.KindUpstreamTransient, "boom")
	})

	require.Error(t, err)
	require.True(t, bridgeerr.Is(err, bridgeerr.KindUpstreamTransient))
	require.NoError(t, mock.ExpectationsWereMet())
}
