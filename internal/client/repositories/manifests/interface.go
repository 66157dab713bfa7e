package manifests

import (
	"context"

	"github.com/google/uuid"
)

// Record is a stored manifest.
type Record struct {
	ID            uuid.UUID
	BaseVersion   uint32
	RemoteVersion uint32
	NeedSync      bool
	Blob          []byte
}

// Repository describes the operations the storage layer needs on manifests.
type Repository interface {
	// Get returns the record for id, or nil when there is none.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// Upsert inserts or replaces the record. RemoteVersion never goes
	// backward: it is raised to BaseVersion when lower.
	Upsert(ctx context.Context, rec Record) error

	// ListNeedSync returns the ids of manifests with local changes.
	ListNeedSync(ctx context.Context) ([]uuid.UUID, error)

	// ListNeedInboundSync returns the ids whose remote version is newer
	// than their base.
	ListNeedInboundSync(ctx context.Context) ([]uuid.UUID, error)

	// UpdateRemoteVersions records server-side versions for known ids.
	// Unknown ids are ignored.
	UpdateRemoteVersions(ctx context.Context, versions map[uuid.UUID]uint32) error
}
