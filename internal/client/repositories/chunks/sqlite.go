package chunks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

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

func table(kind Kind) (name, idColumn string) {
	if kind == Block {
		return "blocks", "block_id"
	}
	return "chunks", "chunk_id"
}

func (r *SQLiteRepository) Get(ctx context.Context, kind Kind, id uuid.UUID, now time.Time) ([]byte, error) {
	name, col := table(kind)

	var data []byte
	err := r.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT data FROM %s WHERE %s = ?`, name, col), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbx.MapClosed(fmt.Errorf("failed to get %s %s: %w", kind, id, err))
	}

	if _, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET accessed_on = ? WHERE %s = ?`, name, col), now.UnixNano(), id); err != nil {
		return nil, dbx.MapClosed(fmt.Errorf("failed to touch %s %s: %w", kind, id, err))
	}

	return decompress(data)
}

func (r *SQLiteRepository) Set(ctx context.Context, kind Kind, id uuid.UUID, data []byte, now time.Time) error {
	name, col := table(kind)

	packed, err := compress(data)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s, size, accessed_on, data) VALUES (?, ?, ?, ?)
			ON CONFLICT(%s) DO UPDATE SET
				size = excluded.size,
				accessed_on = excluded.accessed_on,
				data = excluded.data
	`, name, col, col)
	if _, err := r.db.ExecContext(ctx, query, id, len(data), now.UnixNano(), packed); err != nil {
		return dbx.MapClosed(fmt.Errorf("failed to set %s %s: %w", kind, id, err))
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, kind Kind, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	name, col := table(kind)

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	query := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, name, col, placeholders)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return dbx.MapClosed(fmt.Errorf("failed to delete %ss: %w", kind, err))
	}
	return nil
}

// Promote runs two statements: call it inside dbx.WithTx to make it atomic.
func (r *SQLiteRepository) Promote(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `INSERT INTO blocks (block_id, size, accessed_on, data)
			SELECT chunk_id, size, ?, data FROM chunks WHERE chunk_id = ?
			ON CONFLICT(block_id) DO UPDATE SET
				size = excluded.size,
				accessed_on = excluded.accessed_on,
				data = excluded.data
	`, now.UnixNano(), id)
	if err != nil {
		return false, dbx.MapClosed(fmt.Errorf("failed to promote chunk %s: %w", id, err))
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra == 0 {
		return false, nil
	}

	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE chunk_id = ?`, id); err != nil {
		return false, dbx.MapClosed(fmt.Errorf("failed to remove promoted chunk %s: %w", id, err))
	}
	return true, nil
}

func (r *SQLiteRepository) CountBlocks(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n); err != nil {
		return 0, dbx.MapClosed(fmt.Errorf("failed to count blocks: %w", err))
	}
	return n, nil
}

func (r *SQLiteRepository) EvictBlocks(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM blocks WHERE block_id IN (
			SELECT block_id FROM blocks ORDER BY accessed_on ASC LIMIT ?
		)`, n)
	if err != nil {
		return 0, dbx.MapClosed(fmt.Errorf("failed to evict blocks: %w", err))
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(ra), nil
}
