package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// stretchIterations is the PBKDF2 work factor for factory secrets
const stretchIterations = 10000

// RandomBytes reads n bytes from the system CSPRNG
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// OpaqueToken returns prefix followed by 32 random bytes in hex. Device
// bearer tokens and transfer nonces use it; only HashToken of the value is
// ever stored.
func OpaqueToken(prefix string) (string, error) {
	raw, err := RandomBytes(32)
	if err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(raw), nil
}

// HashToken is the lookup key for an opaque token. Tokens carry 256 bits of
// entropy, so an unsalted SHA-256 is sufficient.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// StretchSecret derives a keyLen key from a factory secret with PBKDF2-SHA256
func StretchSecret(secret []byte, salt string, keyLen int) []byte {
	return pbkdf2.Key(secret, []byte(salt), stretchIterations, keyLen, sha256.New)
}
