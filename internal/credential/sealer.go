package credential

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// ErrSealedSecretInvalid is returned when a stored secret cannot be opened
var ErrSealedSecretInvalid = errors.New("sealed factory secret cannot be opened")

// Sealer encrypts factory secrets at rest with an age X25519 identity
type Sealer struct {
	identity *age.X25519Identity
}

// NewSealer parses an AGE-SECRET-KEY-1... identity
func NewSealer(identity string) (*Sealer, error) {
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("invalid sealing identity: %w", err)
	}
	return &Sealer{identity: id}, nil
}

// GenerateSealer creates a sealer with a fresh, ephemeral identity
func GenerateSealer() (*Sealer, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, err
	}
	return &Sealer{identity: id}, nil
}

// Identity returns the secret identity string, for persisting a generated sealer
func (s *Sealer) Identity() string {
	return s.identity.String()
}

// Seal encrypts plaintext to the sealer's recipient and returns ASCII armor
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	armored := armor.NewWriter(&buf)
	w, err := age.Encrypt(armored, s.identity.Recipient())
	if err != nil {
		return "", err
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	if err := armored.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Open decrypts a value produced by Seal
func (s *Sealer) Open(sealed string) ([]byte, error) {
	r, err := age.Decrypt(armor.NewReader(strings.NewReader(sealed)), s.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedSecretInvalid, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedSecretInvalid, err)
	}
	return plaintext, nil
}
