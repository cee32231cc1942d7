package credential

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := GenerateSealer()
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("factory-secret"))
	require.NoError(t, err)
	assert.Contains(t, sealed, "BEGIN AGE ENCRYPTED FILE")
	assert.NotContains(t, sealed, "factory-secret")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("factory-secret"), opened)

	// A sealer restored from the identity string opens the same value
	restored, err := NewSealer(sealer.Identity())
	require.NoError(t, err)
	opened, err = restored.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("factory-secret"), opened)
}

func TestSealerRejectsForeignCiphertext(t *testing.T) {
	a, err := GenerateSealer()
	require.NoError(t, err)
	b, err := GenerateSealer()
	require.NoError(t, err)

	sealed, err := a.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.ErrorIs(t, err, ErrSealedSecretInvalid)

	_, err = a.Open("not armored")
	assert.ErrorIs(t, err, ErrSealedSecretInvalid)
}

func TestNewSealerInvalidIdentity(t *testing.T) {
	_, err := NewSealer("AGE-SECRET-KEY-NOPE")
	assert.Error(t, err)
}
