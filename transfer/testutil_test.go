package transfer

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"voidwarp/config"
	"voidwarp/crypto"
	"voidwarp/logging"
	"voidwarp/models"
	"voidwarp/network"
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

// testSettings keeps files small: 1 KiB and up is chunked at 8 KiB.
func testSettings() config.TransferSettings {
	s := config.DefaultTransferSettings()
	s.ConnectTimeout = config.Duration(5 * time.Second)
	s.AnswerTimeout = config.Duration(5 * time.Second)
	s.ChunkAckTimeout = config.Duration(5 * time.Second)
	s.RearmDelay = config.Duration(50 * time.Millisecond)
	s.SmallFileThreshold = 1 << 10
	s.MediumChunkSize = 8 << 10
	return s
}

func writeFixture(t *testing.T, path string, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return data
}

func newTestReceiver(t *testing.T, tweak func(*ReceiverOptions)) *Receiver {
	t.Helper()
	opts := ReceiverOptions{
		Handshake: network.HandshakeOptions{Identity: testIdentity(t, "receiver"), Logger: logging.Discard()},
		Settings:  testSettings(),
		Address:   "127.0.0.1:0",
		Logger:    logging.Discard(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	r, err := NewReceiver(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newTestSender(t *testing.T, path string, tweak func(*SenderOptions)) *Sender {
	t.Helper()
	opts := SenderOptions{
		Handshake: network.HandshakeOptions{Identity: testIdentity(t, "sender"), Logger: logging.Discard()},
		Settings:  testSettings(),
		Logger:    logging.Discard(),
	}
	if tweak != nil {
		tweak(&opts)
	}
	s, err := NewSender(path, opts)
	require.NoError(t, err)
	return s
}

func receiverAddr(r *Receiver) []string {
	return []string{fmt.Sprintf("127.0.0.1:%d", r.Port())}
}

// acceptWhenPending accepts the first offer that shows up and delivers
// Accept's result.
func acceptWhenPending(r *Receiver, dir string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for r.Pending() == nil {
			if time.Now().After(deadline) {
				out <- Result{Kind: KindTimeout, Reason: "no offer arrived"}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		out <- r.Accept(dir)
	}()
	return out
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func waitState(t *testing.T, r *Receiver, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return r.State() == want }, 5*time.Second, 10*time.Millisecond,
		"receiver stuck in %s, want %s", r.State(), want)
}
