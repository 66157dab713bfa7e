package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of every symmetric key.
const KeySize = 32

// SecretKey is a symmetric key used for realm data and blocks.
type SecretKey [KeySize]byte

// GenerateSecretKey returns a fresh random key.
func GenerateSecretKey() SecretKey {
	var k SecretKey
	if _, err := rand.Read(k[:]); err != nil {
		panic("cryptox: entropy source failed: " + err.Error())
	}
	return k
}

func (k SecretKey) String() string { return "SecretKey(****)" }

// Hex is used by tests and debugging tools only.
func (k SecretKey) Hex() string { return hex.EncodeToString(k[:]) }

// Encrypt seals plaintext with XChaCha20-Poly1305. The 24-byte nonce is
// prepended to the result.
func (k SecretKey) Encrypt(plaintext []byte) []byte {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		panic("cryptox: invalid key size: " + err.Error())
	}

	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		panic("cryptox: entropy source failed: " + err.Error())
	}
	return aead.Seal(out, out, plaintext, nil)
}

// Decrypt opens data produced by Encrypt.
func (k SecretKey) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(k[:])
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}

	nonce, sealed := ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecryption, err)
	}
	return plaintext, nil
}

// DeriveKey derives a sub-key bound to info with HKDF-SHA256. The same
// key and info always produce the same sub-key.
func (k SecretKey) DeriveKey(info string) SecretKey {
	var out SecretKey
	r := hkdf.New(sha256.New, k[:], nil, []byte("gophsync:"+info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		panic("cryptox: hkdf failed: " + err.Error())
	}
	return out
}
