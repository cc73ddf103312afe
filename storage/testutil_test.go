package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, _, err := Open(t.TempDir())
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

func mustPinPeer(t *testing.T, store *Store, deviceID, name, fingerprint string) {
	t.Helper()

	err := store.PinPeer(TrustedPeer{
		DeviceID:         deviceID,
		DeviceName:       name,
		Ed25519PublicKey: "base64-public-key-" + fingerprint,
		KeyFingerprint:   fingerprint,
	})
	require.NoError(t, err, "pin peer %q", deviceID)
}
