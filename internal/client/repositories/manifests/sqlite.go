package manifests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/google/uuid"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	query := `SELECT base_version, remote_version, need_sync, blob FROM manifests WHERE vlob_id = ?`

	rec := &Record{ID: id}
	err := r.db.QueryRowContext(ctx, query, id).Scan(&rec.BaseVersion, &rec.RemoteVersion, &rec.NeedSync, &rec.Blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbx.MapClosed(fmt.Errorf("failed to get manifest %s: %w", id, err))
	}
	return rec, nil
}

// Upsert stores rec. On conflict the blob, base version and flag are
// replaced and the remote version is kept if it is ahead.
func (r *SQLiteRepository) Upsert(ctx context.Context, rec Record) error {
	query := `INSERT INTO manifests (vlob_id, base_version, remote_version, need_sync, blob)
			VALUES (?, ?, MAX(?, ?), ?, ?)
			ON CONFLICT(vlob_id) DO UPDATE SET
				base_version = excluded.base_version,
				remote_version = MAX(manifests.remote_version, excluded.remote_version),
				need_sync = excluded.need_sync,
				blob = excluded.blob
	`
	_, err := r.db.ExecContext(ctx, query,
		rec.ID, rec.BaseVersion, rec.RemoteVersion, rec.BaseVersion, rec.NeedSync, rec.Blob)
	if err != nil {
		return dbx.MapClosed(fmt.Errorf("failed to upsert manifest %s: %w", rec.ID, err))
	}
	return nil
}

func (r *SQLiteRepository) ListNeedSync(ctx context.Context) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `SELECT vlob_id FROM manifests WHERE need_sync = 1 ORDER BY vlob_id`)
}

func (r *SQLiteRepository) ListNeedInboundSync(ctx context.Context) ([]uuid.UUID, error) {
	return r.listIDs(ctx, `SELECT vlob_id FROM manifests WHERE remote_version > base_version ORDER BY vlob_id`)
}

func (r *SQLiteRepository) UpdateRemoteVersions(ctx context.Context, versions map[uuid.UUID]uint32) error {
	query := `UPDATE manifests SET remote_version = MAX(remote_version, ?) WHERE vlob_id = ?`
	for id, version := range versions {
		if _, err := r.db.ExecContext(ctx, query, version, id); err != nil {
			return dbx.MapClosed(fmt.Errorf("failed to update remote version of %s: %w", id, err))
		}
	}
	return nil
}

func (r *SQLiteRepository) listIDs(ctx context.Context, query string) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, dbx.MapClosed(fmt.Errorf("failed to list manifests: %w", err))
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
