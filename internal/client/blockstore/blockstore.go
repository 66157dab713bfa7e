// Package blockstore uploads and downloads encrypted blocks, either through
// the server commands or directly to an S3 bucket.
package blockstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrBlockNotFound = errors.New("block not found")
	// ErrBadKeyIndex means the realm key used to encrypt the block was
	// rotated: certificates must be polled before trying again.
	ErrBadKeyIndex = errors.New("block encrypted with an outdated realm key")
)

// Store moves encrypted blocks. Implementations report an outage with
// common.ErrStoreUnavailable, a connectivity problem with common.ErrOffline.
type Store interface {
	Upload(ctx context.Context, realmID, blockID uuid.UUID, keyIndex uint64, ciphertext []byte) error
	Download(ctx context.Context, realmID, blockID uuid.UUID) (keyIndex uint64, ciphertext []byte, err error)
}
