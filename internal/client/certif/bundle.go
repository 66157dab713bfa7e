package certif

import (
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/codec"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
)

func bundleKey(userKey cryptox.SecretKey) cryptox.SecretKey {
	return userKey.DeriveKey("realm-keys")
}

// EncodeKeysBundle seals the realm keys, oldest first.
func EncodeKeysBundle(userKey cryptox.SecretKey, keys []cryptox.SecretKey) ([]byte, error) {
	raw, err := codec.Marshal(keys)
	if err != nil {
		return nil, err
	}
	return bundleKey(userKey).Encrypt(raw), nil
}

// DecodeKeysBundle opens a bundle produced by EncodeKeysBundle and checks
// it holds exactly keyIndex keys.
func DecodeKeysBundle(userKey cryptox.SecretKey, keyIndex uint64, bundle []byte) ([]cryptox.SecretKey, error) {
	raw, err := bundleKey(userKey).Decrypt(bundle)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidKeysBundle, err)
	}
	var keys []cryptox.SecretKey
	if err := codec.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidKeysBundle, err)
	}
	if uint64(len(keys)) != keyIndex {
		return nil, fmt.Errorf("%w: bundle has %d keys, expected %d", common.ErrInvalidKeysBundle, len(keys), keyIndex)
	}
	return keys, nil
}
