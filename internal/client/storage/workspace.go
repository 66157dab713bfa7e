package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/gophsync/internal/client/migrations"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/chunks"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/manifests"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/filex"
	"github.com/google/uuid"
)

// ManifestRecord is a stored encrypted manifest.
type ManifestRecord = manifests.Record

// WorkspaceStorage persists the local data of one workspace.
type WorkspaceStorage struct {
	db      *sql.DB
	realmID uuid.UUID
	clock   clock.Clock

	manifests manifests.Repository
	chunks    chunks.Repository
	metadata  metadata.Repository
}

// OpenWorkspace opens (creating it if needed) the database of realmID in
// dataDir and applies pending migrations.
func OpenWorkspace(ctx context.Context, dataDir string, realmID uuid.UUID, clk clock.Clock) (*WorkspaceStorage, error) {
	path := filex.WorkspaceDBPath(dataDir, realmID.String())
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}

	db, err := dbx.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := NewWorkspaceStorage(ctx, db, realmID, clk)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWorkspaceStorage wraps an open database. The storage takes ownership
// of db and closes it in Close.
func NewWorkspaceStorage(ctx context.Context, db *sql.DB, realmID uuid.UUID, clk clock.Clock) (*WorkspaceStorage, error) {
	if err := migrations.Up(ctx, db); err != nil {
		return nil, err
	}
	return &WorkspaceStorage{
		db:        db,
		realmID:   realmID,
		clock:     clk,
		manifests: manifests.NewSQLiteRepository(db),
		chunks:    chunks.NewSQLiteRepository(db),
		metadata:  metadata.NewSQLiteRepository(db),
	}, nil
}

func (s *WorkspaceStorage) RealmID() uuid.UUID { return s.realmID }

// Close releases the database.
func (s *WorkspaceStorage) Close() error {
	return s.db.Close()
}

// GetManifest returns the stored manifest, or nil when there is none.
func (s *WorkspaceStorage) GetManifest(ctx context.Context, id uuid.UUID) (*ManifestRecord, error) {
	return s.manifests.Get(ctx, id)
}

// UpdateManifest stores one manifest.
func (s *WorkspaceStorage) UpdateManifest(ctx context.Context, rec ManifestRecord) error {
	return s.manifests.Upsert(ctx, rec)
}

// UpdateManifests stores several manifests atomically.
func (s *WorkspaceStorage) UpdateManifests(ctx context.Context, recs ...ManifestRecord) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := manifests.NewSQLiteRepository(tx)
		for _, rec := range recs {
			if err := repo.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateManifestAndChunks stores a file manifest together with the chunks
// it now references and drops the chunks it no longer does, atomically.
func (s *WorkspaceStorage) UpdateManifestAndChunks(ctx context.Context, rec ManifestRecord, newChunks map[uuid.UUID][]byte, removedChunks []uuid.UUID) error {
	now := s.clock.Now()
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		chunkRepo := chunks.NewSQLiteRepository(tx)
		for id, data := range newChunks {
			if err := chunkRepo.Set(ctx, chunks.Chunk, id, data, now); err != nil {
				return err
			}
		}
		if err := chunkRepo.Delete(ctx, chunks.Chunk, removedChunks...); err != nil {
			return err
		}
		return manifests.NewSQLiteRepository(tx).Upsert(ctx, rec)
	})
}

func (s *WorkspaceStorage) ListNeedSync(ctx context.Context) ([]uuid.UUID, error) {
	return s.manifests.ListNeedSync(ctx)
}

func (s *WorkspaceStorage) ListNeedInboundSync(ctx context.Context) ([]uuid.UUID, error) {
	return s.manifests.ListNeedInboundSync(ctx)
}

// GetRealmCheckpoint returns the index of the last vlob change seen, 0 if
// the realm was never polled.
func (s *WorkspaceStorage) GetRealmCheckpoint(ctx context.Context) (int64, error) {
	return s.metadata.GetInt64(ctx, metadata.KeyRealmCheckpoint)
}

// UpdateRealmCheckpoint records the remote versions learned from a poll and
// moves the checkpoint, atomically.
func (s *WorkspaceStorage) UpdateRealmCheckpoint(ctx context.Context, checkpoint int64, versions map[uuid.UUID]uint32) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := manifests.NewSQLiteRepository(tx).UpdateRemoteVersions(ctx, versions); err != nil {
			return err
		}
		return metadata.NewSQLiteRepository(tx).SetInt64(ctx, metadata.KeyRealmCheckpoint, checkpoint)
	})
}

// GetChunk returns local chunk data, nil when missing.
func (s *WorkspaceStorage) GetChunk(ctx context.Context, id uuid.UUID) ([]byte, error) {
	return s.chunks.Get(ctx, chunks.Chunk, id, s.clock.Now())
}

// GetBlock returns cached block data, nil when missing.
func (s *WorkspaceStorage) GetBlock(ctx context.Context, id uuid.UUID) ([]byte, error) {
	return s.chunks.Get(ctx, chunks.Block, id, s.clock.Now())
}

func (s *WorkspaceStorage) SetChunk(ctx context.Context, id uuid.UUID, data []byte) error {
	return s.chunks.Set(ctx, chunks.Chunk, id, data, s.clock.Now())
}

func (s *WorkspaceStorage) SetBlock(ctx context.Context, id uuid.UUID, data []byte) error {
	return s.chunks.Set(ctx, chunks.Block, id, data, s.clock.Now())
}

func (s *WorkspaceStorage) ClearChunks(ctx context.Context, ids ...uuid.UUID) error {
	return s.chunks.Delete(ctx, chunks.Chunk, ids...)
}

func (s *WorkspaceStorage) ClearBlocks(ctx context.Context, ids ...uuid.UUID) error {
	return s.chunks.Delete(ctx, chunks.Block, ids...)
}

// PromoteChunkToBlock moves a local chunk into the block cache once it is
// known to the server. It reports false when the chunk was not found.
func (s *WorkspaceStorage) PromoteChunkToBlock(ctx context.Context, id uuid.UUID) (bool, error) {
	var promoted bool
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		promoted, err = chunks.NewSQLiteRepository(tx).Promote(ctx, id, s.clock.Now())
		return err
	})
	return promoted, err
}

// CleanupBlocks trims the block cache when it holds more than limit
// blocks. An extra 10% of limit is evicted so that the next insertions do
// not trigger another pass right away. It returns the number of evicted
// blocks.
func (s *WorkspaceStorage) CleanupBlocks(ctx context.Context, limit int) (int, error) {
	count, err := s.chunks.CountBlocks(ctx)
	if err != nil {
		return 0, err
	}
	if count <= limit {
		return 0, nil
	}
	return s.chunks.EvictBlocks(ctx, count-limit+limit/10)
}
