// Package metadata stores small key/value settings of a workspace database:
// the realm checkpoint, the device salt and similar scalars.
package metadata

import (
	"context"
)

// Well-known keys.
const (
	KeyRealmCheckpoint = "realm_checkpoint"
	KeyDeviceSalt      = "device_salt"
	KeyKeyVerifier     = "key_verifier"
	KeyUserManifest    = "user_manifest"
	KeyDeviceKeys      = "device_keys"
)

type Repository interface {
	// Get returns the value of key, or nil when it is not set.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error

	// GetInt64 returns the integer stored under key, or 0 when it is not set.
	GetInt64(ctx context.Context, key string) (int64, error)
	SetInt64(ctx context.Context, key string, value int64) error
}
