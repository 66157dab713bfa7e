package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// ErrSignature is returned when a signed payload does not verify.
var ErrSignature = errors.New("cryptox: invalid signature")

type (
	SigningKey = ed25519.PrivateKey
	VerifyKey  = ed25519.PublicKey
)

// GenerateSigningKey returns a new device key pair.
func GenerateSigningKey() (VerifyKey, SigningKey) {
	vk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic("cryptox: entropy source failed: " + err.Error())
	}
	return vk, sk
}

// Sign returns signature || data.
func Sign(sk SigningKey, data []byte) []byte {
	sig := ed25519.Sign(sk, data)
	out := make([]byte, 0, len(sig)+len(data))
	out = append(out, sig...)
	return append(out, data...)
}

// VerifySigned checks a payload produced by Sign and returns the data part.
func VerifySigned(vk VerifyKey, signed []byte) ([]byte, error) {
	if len(signed) < ed25519.SignatureSize || len(vk) != ed25519.PublicKeySize {
		return nil, ErrSignature
	}
	sig, data := signed[:ed25519.SignatureSize], signed[ed25519.SignatureSize:]
	if !ed25519.Verify(vk, data, sig) {
		return nil, ErrSignature
	}
	return data, nil
}

// UnsecureSignedData returns the data part of a signed payload without
// verifying it. Used to read the author before fetching its verify key.
func UnsecureSignedData(signed []byte) ([]byte, error) {
	if len(signed) < ed25519.SignatureSize {
		return nil, ErrSignature
	}
	return signed[ed25519.SignatureSize:], nil
}
