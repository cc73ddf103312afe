package crypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureEd25519KeyPairIsStable(t *testing.T) {
	tempDir := t.TempDir()
	privatePath := filepath.Join(tempDir, "keys", "ed25519_private.pem")
	publicPath := filepath.Join(tempDir, "keys", "ed25519_public.pem")

	firstPrivate, firstPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	require.NoError(t, err)

	secondPrivate, secondPublic, err := EnsureEd25519KeyPair(privatePath, publicPath)
	require.NoError(t, err)

	assert.Equal(t, firstPrivate, secondPrivate)
	assert.Equal(t, firstPublic, secondPublic)
	assert.Equal(t, KeyFingerprint(firstPublic), KeyFingerprint(secondPublic))
}

func TestResetEd25519KeyPairChangesDeviceID(t *testing.T) {
	tempDir := t.TempDir()
	privatePath := filepath.Join(tempDir, "ed25519_private.pem")
	publicPath := filepath.Join(tempDir, "ed25519_public.pem")

	_, before, err := EnsureEd25519KeyPair(privatePath, publicPath)
	require.NoError(t, err)
	_, after, err := ResetEd25519KeyPair(privatePath, publicPath)
	require.NoError(t, err)

	assert.NotEqual(t, KeyFingerprint(before), KeyFingerprint(after))

	reloaded, err := LoadEd25519PublicKey(publicPath)
	require.NoError(t, err)
	assert.Equal(t, after, reloaded)
}

func TestFingerprintFormattingAndMatching(t *testing.T) {
	_, publicKey, err := EnsureEd25519KeyPair(
		filepath.Join(t.TempDir(), "priv.pem"),
		filepath.Join(t.TempDir(), "pub.pem"),
	)
	require.NoError(t, err)

	id := KeyFingerprint(publicKey)
	assert.Len(t, id, DeviceIDLength)
	assert.True(t, MatchesFingerprint(id, publicKey))
	assert.True(t, MatchesFingerprint(" "+id+" ", publicKey))
	flipped := "0" + id[1:]
	if id[0] == '0' {
		flipped = "1" + id[1:]
	}
	assert.False(t, MatchesFingerprint(flipped, publicKey))

	assert.Equal(t, "ABCD EF01 23", FormatFingerprint("abcdef0123"))
	assert.Equal(t, "", FormatFingerprint(""))
}
