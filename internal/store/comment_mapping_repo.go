package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/opsbridge/sync-core/internal/model"
)

// CommentMappingRepo implements the comment_mapping operations used by
// optional comment sync.
type CommentMappingRepo struct{}

// Find looks up the counterpart of a (side, remote_id) comment.
func (CommentMappingRepo) Find(ctx context.Context, q sqlx.QueryerContext, side model.Provider, remoteID string) (model.CommentMapping, error) {
	var row struct {
		Side          string `db:"side"`
		RemoteID      string `db:"remote_id"`
		OtherSide     string `db:"other_side"`
		OtherRemoteID string `db:"other_remote_id"`
	}
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT side, remote_id, other_side, other_remote_id FROM comment_mapping WHERE side = $1 AND remote_id = $2`,
		string(side), remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CommentMapping{}, ErrNotFound
	}
	if err != nil {
		return model.CommentMapping{}, fmt.Errorf("store: find comment mapping: %w", err)
	}
	return model.CommentMapping{
		Side: model.Provider(row.Side), RemoteID: row.RemoteID,
		OtherSide: model.Provider(row.OtherSide), OtherRemoteID: row.OtherRemoteID,
	}, nil
}

// Insert records both directions of a new comment coupling so a
// lookup from either side finds its counterpart.
func (CommentMappingRepo) Insert(ctx context.Context, ex sqlx.ExecerContext, cm model.CommentMapping) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO comment_mapping (side, remote_id, other_side, other_remote_id) VALUES ($1,$2,$3,$4)
		ON CONFLICT (side, remote_id) DO NOTHING`,
		string(cm.Side), cm.RemoteID, string(cm.OtherSide), cm.OtherRemoteID)
	if err != nil {
		return fmt.Errorf("store: insert comment mapping: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO comment_mapping (side, remote_id, other_side, other_remote_id) VALUES ($1,$2,$3,$4)
		ON CONFLICT (side, remote_id) DO NOTHING`,
		string(cm.OtherSide), cm.OtherRemoteID, string(cm.Side), cm.RemoteID)
	if err != nil {
		return fmt.Errorf("store: insert comment mapping (reverse): %w", err)
	}
	return nil
}
