package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/migrations"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/filex"
)

// DeviceStorage holds device-wide data: the salt and verifier of the local
// key, the encrypted device keys and the encrypted user manifest.
type DeviceStorage struct {
	db       *sql.DB
	metadata metadata.Repository
}

// OpenDevice opens the device database in dataDir.
func OpenDevice(ctx context.Context, dataDir string) (*DeviceStorage, error) {
	db, err := dbx.OpenSQLite(ctx, filex.DeviceDBPath(dataDir))
	if err != nil {
		return nil, err
	}
	s, err := NewDeviceStorage(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewDeviceStorage wraps an open database and takes ownership of it.
func NewDeviceStorage(ctx context.Context, db *sql.DB) (*DeviceStorage, error) {
	if err := migrations.Up(ctx, db); err != nil {
		return nil, err
	}
	return &DeviceStorage{db: db, metadata: metadata.NewSQLiteRepository(db)}, nil
}

func (s *DeviceStorage) Close() error { return s.db.Close() }

// KeyParams returns the salt and verifier of the device local key. Both are
// nil on a fresh device.
func (s *DeviceStorage) KeyParams(ctx context.Context) (salt, verifier []byte, err error) {
	if salt, err = s.metadata.Get(ctx, metadata.KeyDeviceSalt); err != nil {
		return nil, nil, err
	}
	if verifier, err = s.metadata.Get(ctx, metadata.KeyKeyVerifier); err != nil {
		return nil, nil, err
	}
	return salt, verifier, nil
}

// SetKeyParams records the salt and verifier of a freshly derived key.
func (s *DeviceStorage) SetKeyParams(ctx context.Context, salt, verifier []byte) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := metadata.NewSQLiteRepository(tx)
		if err := repo.Set(ctx, metadata.KeyDeviceSalt, salt); err != nil {
			return err
		}
		return repo.Set(ctx, metadata.KeyKeyVerifier, verifier)
	})
}

// UserManifest returns the encrypted user manifest, nil when missing.
func (s *DeviceStorage) UserManifest(ctx context.Context) ([]byte, error) {
	return s.metadata.Get(ctx, metadata.KeyUserManifest)
}

func (s *DeviceStorage) SetUserManifest(ctx context.Context, blob []byte) error {
	if err := s.metadata.Set(ctx, metadata.KeyUserManifest, blob); err != nil {
		return fmt.Errorf("save user manifest: %w", err)
	}
	return nil
}

// DeviceKeys returns the encrypted device keys, nil on a fresh device.
func (s *DeviceStorage) DeviceKeys(ctx context.Context) ([]byte, error) {
	return s.metadata.Get(ctx, metadata.KeyDeviceKeys)
}

func (s *DeviceStorage) SetDeviceKeys(ctx context.Context, blob []byte) error {
	if err := s.metadata.Set(ctx, metadata.KeyDeviceKeys, blob); err != nil {
		return fmt.Errorf("save device keys: %w", err)
	}
	return nil
}
