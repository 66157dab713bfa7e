package store

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

func localMiss(id models.ChunkID) error {
	return fmt.Errorf("%w: chunk %s", common.ErrLocalMiss, id)
}

// GetChunk returns the raw data of a chunk written on this device and not
// uploaded yet.
func (s *Store) GetChunk(ctx context.Context, id models.ChunkID) ([]byte, error) {
	if err := s.checkStopped(); err != nil {
		return nil, err
	}
	data, err := s.storage.GetChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, localMiss(id)
	}
	return data, nil
}

// GetChunkOrBlockLocalOnly returns the raw data behind c from the local
// chunks or the block cache, without downloading anything.
func (s *Store) GetChunkOrBlockLocalOnly(ctx context.Context, c models.ChunkView) ([]byte, error) {
	if err := s.checkStopped(); err != nil {
		return nil, err
	}
	data, err := s.storage.GetChunk(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	if data != nil {
		return data, nil
	}
	if c.Access == nil {
		return nil, localMiss(c.ID)
	}
	data, err = s.storage.GetBlock(ctx, c.Access.ID)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, localMiss(c.ID)
	}
	return data, nil
}

func (s *Store) SetChunk(ctx context.Context, id models.ChunkID, data []byte) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	return s.storage.SetChunk(ctx, id, data)
}

// SetBlock caches a downloaded block and trims the cache if needed.
func (s *Store) SetBlock(ctx context.Context, id models.BlockID, data []byte) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	if err := s.storage.SetBlock(ctx, id, data); err != nil {
		return err
	}
	return s.Cleanup(ctx)
}

func (s *Store) ClearChunk(ctx context.Context, id models.ChunkID) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	return s.storage.ClearChunks(ctx, id)
}

func (s *Store) ClearBlock(ctx context.Context, id models.BlockID) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	return s.storage.ClearBlocks(ctx, id)
}

// PromoteLocalChunkAsBlock moves an uploaded chunk into the block cache,
// where it becomes evictable.
func (s *Store) PromoteLocalChunkAsBlock(ctx context.Context, id models.ChunkID) error {
	if err := s.checkStopped(); err != nil {
		return err
	}
	if _, err := s.storage.PromoteChunkToBlock(ctx, id); err != nil {
		return err
	}
	return s.Cleanup(ctx)
}

// Cleanup evicts the least recently used blocks beyond the cache size.
func (s *Store) Cleanup(ctx context.Context) error {
	evicted, err := s.storage.CleanupBlocks(ctx, s.cacheBlocks)
	if err != nil {
		return err
	}
	if evicted > 0 {
		s.logger.Debug(ctx, "block cache trimmed", "evicted", evicted)
	}
	return nil
}
