package security

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer produces the opaque signature bytes backing the signed_header /
// signed_content crypto flags; Verifier checks them. The bus core never
// interprets the bits beyond "present or not", and neither the router nor
// the endpoint calls a Signer or Verifier itself.
type Signer interface {
	Sign(digest []byte) ([]byte, error)
}

type Verifier interface {
	Verify(digest []byte, signature []byte) bool
}

type digestClaims struct {
	jwt.RegisteredClaims
	Digest string `json:"dgst"`
}

// HMACSigner signs a digest as an HMAC-SHA256-protected JWT claim set. This
// is the default symmetric implementation; asymmetric signing (the
// "asymmetric" crypto flag) is an extension point left to the embedding
// application, per spec §9's note that the hash/MAC is not pinned upstream.
type HMACSigner struct {
	Key []byte
}

func (s HMACSigner) Sign(digest []byte) ([]byte, error) {
	claims := digestClaims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(time.Now())},
		Digest:           fmt.Sprintf("%x", digest),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.Key)
	if err != nil {
		return nil, fmt.Errorf("security: signing digest: %w", err)
	}
	return []byte(signed), nil
}

func (s HMACSigner) Verify(digest []byte, signature []byte) bool {
	claims := &digestClaims{}
	tok, err := jwt.ParseWithClaims(string(signature), claims, func(*jwt.Token) (any, error) {
		return s.Key, nil
	})
	if err != nil || !tok.Valid {
		return false
	}
	return claims.Digest == fmt.Sprintf("%x", digest)
}

// DigestHeader computes the digest a Signer/Verifier operates on for a
// header's bytes (or header+content, for signed_content).
func DigestHeader(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}
