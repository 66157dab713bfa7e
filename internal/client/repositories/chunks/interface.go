package chunks

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Kind selects the table an operation applies to.
type Kind int

const (
	// Chunk is locally written data, never evicted.
	Chunk Kind = iota
	// Block is server-backed data, subject to cache eviction.
	Block
)

func (k Kind) String() string {
	if k == Block {
		return "block"
	}
	return "chunk"
}

// Repository describes the chunk and block operations of the storage layer.
type Repository interface {
	// Get returns the data stored under id and marks it as accessed at now.
	// A missing id yields (nil, nil).
	Get(ctx context.Context, kind Kind, id uuid.UUID, now time.Time) ([]byte, error)

	// Set inserts or replaces the data stored under id.
	Set(ctx context.Context, kind Kind, id uuid.UUID, data []byte, now time.Time) error

	// Delete removes ids; unknown ids are ignored.
	Delete(ctx context.Context, kind Kind, ids ...uuid.UUID) error

	// Promote moves a chunk into the blocks table under the same id.
	// It reports false when there was no such chunk.
	Promote(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)

	// CountBlocks returns the number of cached blocks.
	CountBlocks(ctx context.Context) (int, error)

	// EvictBlocks removes the n least recently accessed blocks.
	EvictBlocks(ctx context.Context, n int) (int, error)
}
