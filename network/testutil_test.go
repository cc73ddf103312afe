package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"voidwarp/crypto"
	"voidwarp/logging"
	"voidwarp/models"
)

func testIdentity(t *testing.T, name string) models.DeviceIdentity {
	t.Helper()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return models.DeviceIdentity{
		DeviceID:    crypto.KeyFingerprint(publicKey),
		DisplayName: name,
		PrivateKey:  privateKey,
		PublicKey:   publicKey,
	}
}

func testOptions(identity models.DeviceIdentity, trust TrustPolicy) HandshakeOptions {
	return HandshakeOptions{
		Identity: identity,
		Trust:    trust,
		Logger:   logging.Discard(),
	}
}

// memoryTrust is a pin table in the shape the engine uses.
type memoryTrust struct {
	mu             sync.Mutex
	pins           map[string]ed25519.PublicKey
	requirePairing bool
}

func newMemoryTrust() *memoryTrust {
	return &memoryTrust{pins: make(map[string]ed25519.PublicKey)}
}

func (m *memoryTrust) Check(peer models.PeerIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pinned, ok := m.pins[peer.DeviceID]
	if !ok {
		if m.requirePairing {
			return ErrUntrustedPeer
		}
		return nil
	}
	if !pinned.Equal(peer.PublicKey) {
		return ErrKeyChanged
	}
	return nil
}

func (m *memoryTrust) Pin(peer models.PeerIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pins[peer.DeviceID] = peer.PublicKey
	return nil
}

func (m *memoryTrust) pinned(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pins[deviceID]
	return ok
}

func newTestChannelPair(t *testing.T, suite crypto.Suite, opts ChannelOptions) (*Channel, *Channel) {
	t.Helper()

	keys, err := crypto.DeriveChannelKeys([]byte("shared secret for channel tests!"), []byte("salt"), channelInfoPrefix+string(suite))
	require.NoError(t, err)

	initiator, err := NewChannel(suite, keys.InitiatorToResponder, keys.ResponderToInitiator, opts)
	require.NoError(t, err)
	responder, err := NewChannel(suite, keys.ResponderToInitiator, keys.InitiatorToResponder, opts)
	require.NoError(t, err)
	return initiator, responder
}
