package engine

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidwarp/config"
	"voidwarp/crypto"
	"voidwarp/logging"
	"voidwarp/models"
	"voidwarp/network"
	"voidwarp/storage"
	"voidwarp/transfer"
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

func testTransferSettings(requirePairing bool) config.TransferSettings {
	s := config.DefaultTransferSettings()
	s.RequirePairing = requirePairing
	s.RearmDelay = config.Duration(50 * time.Millisecond)
	s.AnswerTimeout = config.Duration(5 * time.Second)
	return s
}

func newInjectedEngine(t *testing.T, name string, requirePairing bool) *Engine {
	t.Helper()
	store, err := storage.OpenPath(filepath.Join(t.TempDir(), "trust.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	e, err := New(Options{
		Identity: testIdentity(t, name),
		Store:    store,
		Config: &config.DeviceConfig{
			DeviceName: name,
			Transfer:   testTransferSettings(requirePairing),
			Discovery:  config.DefaultDiscoverySettings(),
		},
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func sendBetween(t *testing.T, from, to *Engine, size int) transfer.Result {
	t.Helper()
	src := filepath.Join(t.TempDir(), "blob.bin")
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(src, data, 0o644))

	dst := t.TempDir()
	receiver, err := to.NewReceiver(ReceiverConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	defer receiver.Close()
	require.NoError(t, receiver.Start())

	accepted := make(chan transfer.Result, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for receiver.Pending() == nil && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		accepted <- receiver.Accept(dst)
	}()

	sender, err := from.NewSender(src)
	require.NoError(t, err)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(receiver.Port()))
	result := sender.Start(context.Background(), []string{addr}, from.Identity().DisplayName)
	if result.OK() {
		require.True(t, (<-accepted).OK())
		got, err := os.ReadFile(filepath.Join(dst, "blob.bin"))
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
	return result
}

func TestNewFromDataDirPersistsIdentity(t *testing.T) {
	dir := t.TempDir()

	first, err := New(Options{DataDir: dir, Logger: logging.Discard()})
	require.NoError(t, err)
	id := first.DeviceID()
	require.NoError(t, first.Close())

	cfg, err := config.Load(config.ConfigPath(dir))
	require.NoError(t, err)
	assert.Equal(t, id, cfg.KeyFingerprint)
	assert.FileExists(t, cfg.Ed25519PrivateKeyPath)

	second, err := New(Options{DataDir: dir, DeviceName: "Renamed", Logger: logging.Discard()})
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, id, second.DeviceID())
	assert.Equal(t, "Renamed", second.Identity().DisplayName)
	assert.Equal(t, filepath.Join(dir, "received"), second.ReceivedDir())
}

func TestTransferPinsBothSidesOnFirstUse(t *testing.T) {
	a := newInjectedEngine(t, "alpha", false)
	b := newInjectedEngine(t, "beta", false)

	result := sendBetween(t, a, b, 50_000)
	require.True(t, result.OK(), result.String())

	assert.True(t, a.IsPinned(b.DeviceID()))
	assert.True(t, b.IsPinned(a.DeviceID()))
	assert.False(t, a.Busy())
}

func TestRequirePairingRefusesUnknownPeer(t *testing.T) {
	a := newInjectedEngine(t, "alpha", false)
	b := newInjectedEngine(t, "beta", true)

	result := sendBetween(t, a, b, 1000)
	assert.Equal(t, transfer.KindRejected, result.Kind, result.String())
	assert.False(t, b.IsPinned(a.DeviceID()))
}

func TestPairingThenTransfer(t *testing.T) {
	a := newInjectedEngine(t, "alpha", true)
	b := newInjectedEngine(t, "beta", true)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	code, err := b.GeneratePairingCode()
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		_, err := b.ServePairing(context.Background(), ln)
		served <- err
	}()

	peer, err := a.Pair(context.Background(), ln.Addr().String(), code.String())
	require.NoError(t, err)
	require.NoError(t, <-served)
	assert.Equal(t, b.DeviceID(), peer.DeviceID)
	assert.True(t, a.IsPinned(b.DeviceID()))
	assert.True(t, b.IsPinned(a.DeviceID()))

	result := sendBetween(t, a, b, 10_000)
	assert.True(t, result.OK(), result.String())

	pins, err := b.TrustedPeers()
	require.NoError(t, err)
	require.Len(t, pins, 1)
	require.NoError(t, b.Forget(a.DeviceID()))
	assert.False(t, b.IsPinned(a.DeviceID()))
}

func TestSendersAndReceiversShareTheGate(t *testing.T) {
	e := newInjectedEngine(t, "alpha", false)
	release, err := e.gate.Acquire("incoming")
	require.NoError(t, err)
	defer release()

	src := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))
	sender, err := e.NewSender(src)
	require.NoError(t, err)

	result := sender.Start(context.Background(), []string{"127.0.0.1:1"}, "alpha")
	assert.Equal(t, transfer.Result{Kind: transfer.KindRejected, Reason: "already busy"}, result)
	assert.True(t, e.Busy())
}

func TestManualPeers(t *testing.T) {
	e := newInjectedEngine(t, "alpha", false)
	require.NoError(t, e.AddManualPeer("peer-1", "Phone", "192.168.1.20", 42424))
	assert.Error(t, e.AddManualPeer("peer-2", "Bad", "not-an-ip", 1))

	peers := e.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, models.OriginManual, peers[0].Origin)

	candidates, err := e.Candidates("peer-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"192.168.1.20:42424"}, candidates)

	_, err = e.Candidates("nobody")
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestTestConnection(t *testing.T) {
	e := newInjectedEngine(t, "alpha", false)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	assert.True(t, e.TestConnection(context.Background(), "127.0.0.1", port))
	require.NoError(t, ln.Close())
	assert.False(t, e.TestConnection(context.Background(), "127.0.0.1", port))
}

func TestResetIdentityKeepsManualPeers(t *testing.T) {
	e, err := New(Options{DataDir: t.TempDir(), Logger: logging.Discard()})
	require.NoError(t, err)
	defer e.Close()

	before := e.DeviceID()
	require.NoError(t, e.AddManualPeer("peer-1", "Phone", "10.0.0.2", 5000))

	identity, err := e.ResetIdentity()
	require.NoError(t, err)
	assert.NotEqual(t, before, identity.DeviceID)
	assert.Equal(t, identity.DeviceID, e.DeviceID())
	assert.Equal(t, identity.DeviceID, e.Config().KeyFingerprint)
	assert.Len(t, e.Peers(), 1)
}

func TestTrustRefusesChangedKey(t *testing.T) {
	e := newInjectedEngine(t, "alpha", false)
	peer := testIdentity(t, "peer").Public()
	require.NoError(t, e.trust.Pin(peer))
	require.NoError(t, e.trust.Check(peer))

	impostor := testIdentity(t, "peer").Public()
	impostor.DeviceID = peer.DeviceID
	assert.ErrorIs(t, e.trust.Check(impostor), network.ErrKeyChanged)

	events, err := e.store.GetRecentKeyRotationEvents(peer.DeviceID, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, storage.KeyRotationDecisionRejected, events[0].Decision)

	// a second Pin only refreshes last seen
	require.NoError(t, e.trust.Pin(peer))
	pinned, err := e.store.GetTrustedPeer(peer.DeviceID)
	require.NoError(t, err)
	require.NotNil(t, pinned.LastSeenTimestamp)
}

func TestAutoAcceptOnlySkipsPromptForPairedPeers(t *testing.T) {
	a := newInjectedEngine(t, "alpha", false)
	b := newInjectedEngine(t, "beta", false)

	src := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(src, []byte("first contact"), 0o644))
	dst := t.TempDir()

	receiver, err := b.NewReceiver(ReceiverConfig{Address: "127.0.0.1:0", AutoAccept: dst})
	require.NoError(t, err)
	defer receiver.Close()
	require.NoError(t, receiver.Start())
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(receiver.Port()))

	// The handshake pins alpha on first use; that pin alone must not bypass the prompt.
	for attempt := 0; attempt < 2; attempt++ {
		prompted := make(chan bool, 1)
		go func() {
			deadline := time.Now().Add(5 * time.Second)
			for receiver.Pending() == nil && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
			prompted <- receiver.Pending() != nil
			_ = receiver.Reject()
		}()

		sender, err := a.NewSender(src)
		require.NoError(t, err)
		result := sender.Start(context.Background(), []string{addr}, "alpha")
		assert.Equal(t, transfer.KindRejected, result.Kind, result.String())
		assert.True(t, <-prompted, "attempt %d", attempt)
		assert.True(t, b.IsPinned(a.DeviceID()))
		assert.False(t, b.IsPaired(a.DeviceID()))
		require.Eventually(t, func() bool { return receiver.State() == transfer.StateListening }, 5*time.Second, 10*time.Millisecond)
	}
	assert.NoFileExists(t, filepath.Join(dst, "blob.bin"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	code, err := b.GeneratePairingCode()
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() {
		_, err := b.ServePairing(context.Background(), ln)
		served <- err
	}()
	_, err = a.Pair(context.Background(), ln.Addr().String(), code.String())
	require.NoError(t, err)
	require.NoError(t, <-served)
	require.True(t, b.IsPaired(a.DeviceID()))

	sender, err := a.NewSender(src)
	require.NoError(t, err)
	result := sender.Start(context.Background(), []string{addr}, "alpha")
	require.True(t, result.OK(), result.String())
	assert.FileExists(t, filepath.Join(dst, "blob.bin"))
}
