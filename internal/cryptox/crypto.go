// Package cryptox groups the cryptographic primitives of the client: the
// device local key (derived from the password, used for data at rest),
// realm and block secret keys, content digests and device signatures.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// ErrDecryption is returned when a ciphertext cannot be opened with the
// given key (wrong key, truncated or tampered data).
var ErrDecryption = errors.New("cryptox: decryption failed")

const gcmNonceSize = 12

// MakeVerifier returns a value that can be stored to check a password
// later without storing the derived key itself.
func MakeVerifier(masterKey SecretKey) []byte {
	hash := sha256.Sum256(masterKey[:])
	return hash[:]
}

// DeriveMasterKey derives the device local key from the user password.
func DeriveMasterKey(password []byte, salt []byte) SecretKey {
	var key SecretKey
	copy(key[:], argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize))
	return key
}

// EncryptLocal seals plaintext with AES-256-GCM under the device local key.
// The random nonce is prepended to the returned ciphertext.
func EncryptLocal(key SecretKey, plaintext []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, gcmNonceSize, gcmNonceSize+len(plaintext)+aesgcm.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, err
	}
	return aesgcm.Seal(out, out[:gcmNonceSize], plaintext, nil), nil
}

// DecryptLocal opens data produced by EncryptLocal.
func DecryptLocal(key SecretKey, ciphertext []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcmNonceSize+aesgcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	plaintext, err := aesgcm.Open(nil, ciphertext[:gcmNonceSize], ciphertext[gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return plaintext, nil
}

func newGCM(key SecretKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
