package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/storage"
	"github.com/dmitrijs2005/gophsync/internal/codec"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/google/uuid"
)

// ErrWrongPassword is returned when the password does not match the one
// the device was initialized with.
var ErrWrongPassword = errors.New("wrong password")

const (
	saltSize = 16

	defaultWorkspaceName models.EntryName = "default"
)

// deviceKeys is the identity of the device. It is stored encrypted with the
// device local key.
type deviceKeys struct {
	DeviceID   uuid.UUID          `cbor:"device_id"`
	SigningKey cryptox.SigningKey `cbor:"signing_key"`
	UserKey    cryptox.SecretKey  `cbor:"user_key"`
}

func (k *deviceKeys) VerifyKey() cryptox.VerifyKey {
	return k.SigningKey.Public().(cryptox.VerifyKey)
}

// unlock derives the device local key from password. On a fresh device a
// salt is generated and the key parameters are stored.
func unlock(ctx context.Context, dev *storage.DeviceStorage, password []byte) (cryptox.SecretKey, error) {
	salt, verifier, err := dev.KeyParams(ctx)
	if err != nil {
		return cryptox.SecretKey{}, err
	}

	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return cryptox.SecretKey{}, err
		}
		key := cryptox.DeriveMasterKey(password, salt)
		if err := dev.SetKeyParams(ctx, salt, cryptox.MakeVerifier(key)); err != nil {
			return cryptox.SecretKey{}, err
		}
		return key, nil
	}

	key := cryptox.DeriveMasterKey(password, salt)
	if subtle.ConstantTimeCompare(cryptox.MakeVerifier(key), verifier) != 1 {
		return cryptox.SecretKey{}, ErrWrongPassword
	}
	return key, nil
}

// loadDeviceKeys returns the stored device identity, generating one on the
// first run. deviceID, when not empty, is the id given to a new device.
func loadDeviceKeys(ctx context.Context, dev *storage.DeviceStorage, key cryptox.SecretKey, deviceID string) (*deviceKeys, bool, error) {
	blob, err := dev.DeviceKeys(ctx)
	if err != nil {
		return nil, false, err
	}

	if blob != nil {
		plain, err := cryptox.DecryptLocal(key, blob)
		if err != nil {
			return nil, false, fmt.Errorf("device keys: %w", err)
		}
		var keys deviceKeys
		if err := codec.Unmarshal(plain, &keys); err != nil {
			return nil, false, fmt.Errorf("device keys: %w", err)
		}
		return &keys, false, nil
	}

	id := uuid.New()
	if deviceID != "" {
		if id, err = uuid.Parse(deviceID); err != nil {
			return nil, false, fmt.Errorf("device id %q: %w", deviceID, err)
		}
	}
	_, sk := cryptox.GenerateSigningKey()
	keys := &deviceKeys{DeviceID: id, SigningKey: sk, UserKey: cryptox.GenerateSecretKey()}

	plain, err := codec.Marshal(keys)
	if err != nil {
		return nil, false, err
	}
	sealed, err := cryptox.EncryptLocal(key, plain)
	if err != nil {
		return nil, false, err
	}
	if err := dev.SetDeviceKeys(ctx, sealed); err != nil {
		return nil, false, err
	}
	return keys, true, nil
}

// loadUserManifest returns the local user manifest. A fresh device gets a
// speculative manifest with one workspace.
func loadUserManifest(ctx context.Context, dev *storage.DeviceStorage, key cryptox.SecretKey, device models.DeviceID, now time.Time) (*models.LocalUserManifest, error) {
	blob, err := dev.UserManifest(ctx)
	if err != nil {
		return nil, err
	}
	if blob != nil {
		return models.DecryptAndLoadUser(blob, key)
	}

	now = models.NormalizeTime(now)
	m := models.NewLocalUserManifest(device, uuid.New(), now, true)
	m.CreateWorkspace(defaultWorkspaceName, now)
	if err := saveUserManifest(ctx, dev, key, m); err != nil {
		return nil, err
	}
	return m, nil
}

func saveUserManifest(ctx context.Context, dev *storage.DeviceStorage, key cryptox.SecretKey, m *models.LocalUserManifest) error {
	blob, err := models.DumpAndEncryptUser(m, key)
	if err != nil {
		return err
	}
	return dev.SetUserManifest(ctx, blob)
}
