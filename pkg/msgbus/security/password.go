// Package security implements the router's password-challenge and
// signed-header/content primitives. The bus core treats crypto flags as
// opaque markers (spec §9 Open Question); this package is one concrete,
// pluggable implementation of the verify/sign context it calls for.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// NonceSize is the byte length of the router's admission-challenge nonce.
const NonceSize = 128

// NewNonce returns NonceSize random bytes for a reqRutrPwd challenge.
func NewNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := rand.Read(n); err != nil {
		return nil, fmt.Errorf("security: generating nonce: %w", err)
	}
	return n, nil
}

func deriveKey(secret string) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(secret), nil, []byte("eagiMsgBus-router-password"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(h, key); err != nil {
		return nil, fmt.Errorf("security: deriving key: %w", err)
	}
	return key, nil
}

// EncryptNonce seals nonce under a key derived from secret, producing the
// ciphertext an encRutrPwd reply carries.
func EncryptNonce(nonce []byte, secret string) ([]byte, error) {
	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("security: building AEAD: %w", err)
	}
	nonceIV := make([]byte, aead.NonceSize())
	sealed := aead.Seal(nil, nonceIV, nonce, nil)
	return sealed, nil
}

// MatchesEncryptedSharedPassword reports whether ciphertext is the result
// of EncryptNonce(nonce, secret). A router calls this to verify a peer's
// encRutrPwd reply against its configured shared password.
func MatchesEncryptedSharedPassword(nonce []byte, secret string, ciphertext []byte) bool {
	want, err := EncryptNonce(nonce, secret)
	if err != nil {
		return false
	}
	if len(want) != len(ciphertext) {
		return false
	}
	var diff byte
	for i := range want {
		diff |= want[i] ^ ciphertext[i]
	}
	return diff == 0
}
