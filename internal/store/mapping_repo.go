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

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("store: not found")

type mappingRow struct {
	SrcRepo           string         `db:"src_repo"`
	SrcNumber         int            `db:"src_number"`
	PageID            string         `db:"page_id"`
	LastSrcHash       string         `db:"last_src_hash"`
	LastTgtHash       string         `db:"last_tgt_hash"`
	LastSyncDirection string         `db:"last_sync_direction"`
	LastSyncAt        sql.NullTime   `db:"last_sync_at"`
	Version           int64          `db:"version"`
	Orphaned          bool           `db:"orphaned"`
}

func (r mappingRow) toModel() model.Mapping {
	m := model.Mapping{
		SrcRepo:           r.SrcRepo,
		SrcNumber:         r.SrcNumber,
		PageID:            r.PageID,
		LastSrcHash:       r.LastSrcHash,
		LastTgtHash:       r.LastTgtHash,
		LastSyncDirection: model.SyncDirection(r.LastSyncDirection),
		Version:           r.Version,
		Orphaned:          r.Orphaned,
	}
	if r.LastSyncAt.Valid {
		m.LastSyncAt = r.LastSyncAt.Time
	}
	return m
}

// MappingRepo implements the Mapping persistence operations.
type MappingRepo struct{}

// FindByIssue looks up a Mapping by its (src_repo, src_number) natural key.
func (MappingRepo) FindByIssue(ctx context.Context, q sqlx.QueryerContext, repo string, number int) (model.Mapping, error) {
	var row mappingRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT src_repo, src_number, page_id, last_src_hash, last_tgt_hash,
		       last_sync_direction, last_sync_at, version, orphaned
		FROM mapping WHERE src_repo = $1 AND src_number = $2`, repo, number)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mapping{}, ErrNotFound
	}
	if err != nil {
		return model.Mapping{}, fmt.Errorf("store: find mapping by issue: %w", err)
	}
	return row.toModel(), nil
}

// FindByPage looks up a Mapping by its unique page_id.
func (MappingRepo) FindByPage(ctx context.Context, q sqlx.QueryerContext, pageID string) (model.Mapping, error) {
	var row mappingRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT src_repo, src_number, page_id, last_src_hash, last_tgt_hash,
		       last_sync_direction, last_sync_at, version, orphaned
		FROM mapping WHERE page_id = $1`, pageID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Mapping{}, ErrNotFound
	}
	if err != nil {
		return model.Mapping{}, fmt.Errorf("store: find mapping by page: %w", err)
	}
	return row.toModel(), nil
}

// Insert creates a brand-new Mapping at version 1.
func (MappingRepo) Insert(ctx context.Context, ex sqlx.ExecerContext, m model.Mapping) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO mapping (src_repo, src_number, page_id, last_src_hash, last_tgt_hash,
		                      last_sync_direction, last_sync_at, version, orphaned)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		m.SrcRepo, m.SrcNumber, m.PageID, m.LastSrcHash, m.LastTgtHash,
		string(m.LastSyncDirection), m.LastSyncAt, m.Version, m.Orphaned)
	if err != nil {
		return fmt.Errorf("store: insert mapping: %w", err)
	}
	return nil
}

// UpdateAfterSync persists the post-write state of a Mapping,
// incrementing version and setting last_sync_at. Version strictly
// increases on every successful write.
func (MappingRepo) UpdateAfterSync(ctx context.Context, ex sqlx.ExecerContext, repo string, number int, hash string, direction model.SyncDirection, now time.Time) error {
	var col string
	switch direction {
	case model.DirectionSrcToTgt:
		col = "last_src_hash"
	case model.DirectionTgtToSrc:
		col = "last_tgt_hash"
	default:
		return fmt.Errorf("store: update after sync: unsupported direction %q", direction)
	}
	q := fmt.Sprintf(`
		UPDATE mapping SET %s = $1, last_sync_direction = $2, last_sync_at = $3, version = version + 1
		WHERE src_repo = $4 AND src_number = $5`, col)
	_, err := ex.ExecContext(ctx, q, hash, string(direction), now, repo, number)
	if err != nil {
		return fmt.Errorf("store: update mapping after sync: %w", err)
	}
	return nil
}

// MarkOrphaned flags a Mapping as orphaned after a 404 against its
// page.
func (MappingRepo) MarkOrphaned(ctx context.Context, ex sqlx.ExecerContext, repo string, number int) error {
	_, err := ex.ExecContext(ctx, `UPDATE mapping SET orphaned = TRUE WHERE src_repo = $1 AND src_number = $2`, repo, number)
	if err != nil {
		return fmt.Errorf("store: mark orphaned: %w", err)
	}
	return nil
}

// CountOrphaned returns the number of mappings flagged orphaned,
// feeding the health surface's orphaned-mapping check.
func (MappingRepo) CountOrphaned(ctx context.Context, q sqlx.QueryerContext) (int64, error) {
	var n int64
	if err := sqlx.GetContext(ctx, q, &n, `SELECT COUNT(*) FROM mapping WHERE orphaned`); err != nil {
		return 0, fmt.Errorf("store: count orphaned mappings: %w", err)
	}
	return n, nil
}
