// Package credential derives and verifies the short codes bound to a device's
// factory secret: the pairing code printed at manufacture and the physical reset
// code shown on the device when ownership is transferred.
package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-fleetgate/fleetgate/internal/util"

	"github.com/zeebo/blake3"
)

// Purpose separates the code families derived from one factory secret
type Purpose string

const (
	PurposePairing Purpose = "pairing"
	PurposeReset   Purpose = "reset"
)

// Scheme names
const (
	SchemeHMACSHA256 = "hmac-sha256"
	SchemeBLAKE3     = "blake3"
)

const (
	pairingCodeLength = 12
	resetCodeLength   = 10
	domainPrefix      = "fleetgate/v1"
)

// Crockford base32: no I, L, O or U, so codes survive being read aloud or retyped.
var codeEncoding = base32.NewEncoding("0123456789ABCDEFGHJKMNPQRSTVWXYZ").WithPadding(base32.NoPadding)

// Verifier derives codes from a factory secret and checks candidates against them.
// Implementations must be deterministic: the same inputs always produce the same code.
type Verifier interface {
	Name() string
	Derive(secret []byte, purpose Purpose, deviceID string, generation int) string
	Verify(secret []byte, purpose Purpose, deviceID string, generation int, candidate string) bool
}

// New returns the verifier registered under scheme
func New(scheme string) (Verifier, error) {
	switch scheme {
	case SchemeHMACSHA256, "":
		return HMACVerifier{}, nil
	case SchemeBLAKE3:
		return BLAKE3Verifier{}, nil
	default:
		return nil, fmt.Errorf("unknown credential scheme: %s", scheme)
	}
}

// DeriveCode returns the printable pairing code of a factory-fresh device
func DeriveCode(v Verifier, deviceID string, factorySecret []byte) string {
	return FormatCode(v.Derive(factorySecret, PurposePairing, deviceID, 0))
}

// HMACVerifier keys HMAC-SHA256 with the factory secret
type HMACVerifier struct{}

func (HMACVerifier) Name() string { return SchemeHMACSHA256 }

func (HMACVerifier) Derive(secret []byte, purpose Purpose, deviceID string, generation int) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(derivationMessage(purpose, deviceID, generation))
	return encodeCode(mac.Sum(nil), purpose)
}

func (h HMACVerifier) Verify(secret []byte, purpose Purpose, deviceID string, generation int, candidate string) bool {
	return constantTimeMatch(h.Derive(secret, purpose, deviceID, generation), candidate)
}

// BLAKE3Verifier uses BLAKE3 keyed mode; the 32-byte key is stretched from the factory secret
type BLAKE3Verifier struct{}

func (BLAKE3Verifier) Name() string { return SchemeBLAKE3 }

func (BLAKE3Verifier) Derive(secret []byte, purpose Purpose, deviceID string, generation int) string {
	key := util.StretchSecret(secret, domainPrefix+"/blake3-key", 32)
	// NewKeyed only fails for a key that is not 32 bytes long.
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		panic("credential: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(derivationMessage(purpose, deviceID, generation))
	return encodeCode(hasher.Sum(nil), purpose)
}

func (b BLAKE3Verifier) Verify(secret []byte, purpose Purpose, deviceID string, generation int, candidate string) bool {
	return constantTimeMatch(b.Derive(secret, purpose, deviceID, generation), candidate)
}

func derivationMessage(purpose Purpose, deviceID string, generation int) []byte {
	return []byte(domainPrefix + "/" + string(purpose) + "/" + deviceID + "/" + strconv.Itoa(generation))
}

func encodeCode(digest []byte, purpose Purpose) string {
	length := pairingCodeLength
	if purpose == PurposeReset {
		length = resetCodeLength
	}
	return codeEncoding.EncodeToString(digest[:10])[:length]
}

// Normalize strips separators and folds the characters Crockford base32 treats as aliases
func Normalize(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(code) {
		switch r {
		case '-', ' ', '\t':
			continue
		case 'O':
			r = '0'
		case 'I', 'L':
			r = '1'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FormatCode groups a code in blocks of four for display
func FormatCode(code string) string {
	var parts []string
	for len(code) > 4 {
		parts = append(parts, code[:4])
		code = code[4:]
	}
	parts = append(parts, code)
	return strings.Join(parts, "-")
}

// constantTimeMatch compares without short-circuiting on the first differing byte.
// Length differences are folded into the result rather than returned early.
func constantTimeMatch(expected, candidate string) bool {
	got := Normalize(candidate)
	padded := make([]byte, len(expected))
	copy(padded, got)
	equal := subtle.ConstantTimeCompare([]byte(expected), padded)
	sameLen := subtle.ConstantTimeEq(int32(len(got)), int32(len(expected)))
	return equal&sameLen == 1
}
