package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/opsbridge/sync-core/internal/model"
)

func TestMappingRepo_FindByIssue_ReturnsErrNotFoundWhenMissing(t *testing.T) {
	db, mock := newMockSqlx(t)
	mock.ExpectQuery(`FROM mapping WHERE src_repo = \$1 AND src_number = \$2`).
		WithArgs("acme/widgets", 42).
		WillReturnRows(sqlmock.NewRows([]string{
			"src_repo", "src_number", "page_id", "last_src_hash", "last_tgt_hash",
			"last_sync_direction", "last_sync_at", "version", "orphaned",
		}))

	var repo MappingRepo
	_, err := repo.FindByIssue(context.Background(), db, "acme/widgets", 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMappingRepo_FindByPage_DecodesRow(t *testing.T) {
	db, mock := newMockSqlx(t)
	now := time.Now()
	mock.ExpectQuery(`FROM mapping WHERE page_id = \$1`).
		WithArgs("page-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"src_repo", "src_number", "page_id", "last_src_hash", "last_tgt_hash",
			"last_sync_direction", "last_sync_at", "version", "orphaned",
		}).AddRow("acme/widgets", 42, "page-1", "hash-a", "hash-b", "SRC->TGT", now, int64(3), false))

	var repo MappingRepo
	m, err := repo.FindByPage(context.Background(), db, "page-1")
	require.NoError(t, err)
	require.Equal(t, "acme/widgets", m.SrcRepo)
	require.Equal(t, 42, m.SrcNumber)
	require.Equal(t, int64(3), m.Version)
	require.False(t, m.Orphaned)
}

func TestMappingRepo_UpdateAfterSync_RejectsUnsupportedDirection(t *testing.T) {
	db, _ := newMockSqlx(t)
	var repo MappingRepo
	err := repo.UpdateAfterSync(context.Background(), db, "acme/widgets", 42, "hash", model.DirectionNone, time.Now())
	require.Error(t, err)
}

func TestMappingRepo_UpdateAfterSync_WritesSrcHashColumnForSrcToTgt(t *testing.T) {
	db, mock := newMockSqlx(t)
	now := time.Now()
	mock.ExpectExec(`UPDATE mapping SET last_src_hash = \$1, last_sync_direction = \$2, last_sync_at = \$3, version = version \+ 1`).
		WithArgs("new-hash", string(model.DirectionSrcToTgt), now, "acme/widgets", 42).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var repo MappingRepo
	err := repo.UpdateAfterSync(context.Background(), db, "acme/widgets", 42, "new-hash", model.DirectionSrcToTgt, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMappingRepo_MarkOrphaned(t *testing.T) {
	db, mock := newMockSqlx(t)
	mock.ExpectExec(`UPDATE mapping SET orphaned = TRUE WHERE src_repo = \$1 AND src_number = \$2`).
		WithArgs("acme/widgets", 42).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var repo MappingRepo
	err := repo.MarkOrphaned(context.Background(), db, "acme/widgets", 42)
	require.NoError(t, err)
}
