package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidwarp/logging"
	"voidwarp/models"
	"voidwarp/transfer"
)

func newTestBridge(t *testing.T, name string) (*Bridge, uint64) {
	t.Helper()
	b := New(t.TempDir(), logging.Discard())
	h := b.Init(name)
	require.NotZero(t, h)
	t.Cleanup(func() { b.Destroy(h) })
	return b, h
}

func TestUnknownHandlesAreHarmless(t *testing.T) {
	b := New(t.TempDir(), logging.Discard())

	assert.Empty(t, b.DeviceID(42))
	assert.Equal(t, "[]", b.GetPeers(42))
	assert.Equal(t, StatusError, b.StartDiscovery(42, 0))
	assert.Zero(t, b.CreateSender(42, "/nope"))
	assert.Zero(t, b.CreateReceiver(42))
	assert.Equal(t, transfer.KindIO.Code(), b.SenderStart(7, "127.0.0.1", 1, "x"))
	assert.Equal(t, transfer.KindIO.Code(), b.ReceiverAccept(7, ""))
	assert.Equal(t, transfer.KindIO.Code(), b.Pair(7, "127.0.0.1", 1, "123-456"))
	assert.Equal(t, transfer.StateIdle.Code(), b.ReceiverState(7))
	assert.Empty(t, b.ReceiverPending(7))
	assert.Zero(t, b.SenderProgress(7))
	assert.Zero(t, b.ReceiverBytes(7))
	assert.False(t, b.TestConnection(7, "127.0.0.1", 1))

	b.StopDiscovery(42)
	b.SenderCancel(7)
	b.DestroySender(7)
	b.DestroyReceiver(7)
	b.Destroy(42)
}

func TestManualPeersAsJSON(t *testing.T) {
	b, h := newTestBridge(t, "alpha")
	assert.NotEmpty(t, b.DeviceID(h))

	require.Equal(t, StatusOK, b.AddManualPeer(h, "peer-1", "Phone", "10.1.2.3", 42424))
	assert.Equal(t, StatusError, b.AddManualPeer(h, "peer-2", "Bad", "nope", 1))

	var peers []models.PeerRecord
	require.NoError(t, json.Unmarshal([]byte(b.GetPeers(h)), &peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-1", peers[0].DeviceID)
}

func TestPairingCodeFormat(t *testing.T) {
	b, h := newTestBridge(t, "alpha")
	assert.Regexp(t, `^\d{3}-\d{3}$`, b.GeneratePairingCode(h))
}

func TestTransferThroughHandles(t *testing.T) {
	sendBridge, sendEngine := newTestBridge(t, "alpha")
	recvBridge, recvEngine := newTestBridge(t, "beta")

	src := filepath.Join(t.TempDir(), "photo.jpg")
	data := make([]byte, 70_000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(src, data, 0o644))

	rh := recvBridge.CreateReceiver(recvEngine)
	require.NotZero(t, rh)
	port := recvBridge.ReceiverPort(rh)
	require.NotZero(t, port)
	require.Equal(t, StatusOK, recvBridge.ReceiverStart(rh))
	assert.Equal(t, transfer.StateListening.Code(), recvBridge.ReceiverState(rh))
	assert.True(t, sendBridge.TestConnection(sendEngine, "127.0.0.1", port))

	sh := sendBridge.CreateSender(sendEngine, src)
	require.NotZero(t, sh)
	assert.Equal(t, uint64(len(data)), sendBridge.SenderSize(sh))
	assert.Equal(t, "photo.jpg", sendBridge.SenderName(sh))
	assert.Len(t, sendBridge.SenderChecksum(sh), 64)
	assert.False(t, sendBridge.SenderIsFolder(sh))

	dst := t.TempDir()
	accepted := make(chan int, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for recvBridge.ReceiverPending(rh) == "" && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		var pending transfer.PendingOffer
		if err := json.Unmarshal([]byte(recvBridge.ReceiverPending(rh)), &pending); err != nil || pending.FileName != "photo.jpg" {
			accepted <- -1
			return
		}
		accepted <- recvBridge.ReceiverAccept(rh, dst)
	}()

	code := sendBridge.SenderStart(sh, "127.0.0.1", port, "Alpha laptop")
	require.Equal(t, transfer.KindSuccess.Code(), code, String(code))
	require.Equal(t, transfer.KindSuccess.Code(), <-accepted)

	assert.InDelta(t, 100, sendBridge.SenderProgress(sh), 0.01)
	assert.Equal(t, uint64(len(data)), recvBridge.ReceiverBytes(rh))
	assert.Equal(t, transfer.KindSuccess.Code(), recvBridge.ReceiverLastResult(rh))

	got, err := os.ReadFile(filepath.Join(dst, "photo.jpg"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	sendBridge.DestroySender(sh)
	assert.Empty(t, sendBridge.SenderName(sh))
}

func TestRejectThroughHandles(t *testing.T) {
	sendBridge, sendEngine := newTestBridge(t, "alpha")
	recvBridge, recvEngine := newTestBridge(t, "beta")

	src := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	rh := recvBridge.CreateReceiver(recvEngine)
	require.NotZero(t, rh)
	require.Equal(t, StatusOK, recvBridge.ReceiverStart(rh))
	assert.Equal(t, StatusError, recvBridge.ReceiverReject(rh))

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for recvBridge.ReceiverPending(rh) == "" && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		recvBridge.ReceiverReject(rh)
	}()

	sh := sendBridge.CreateSender(sendEngine, src)
	require.NotZero(t, sh)
	code := sendBridge.SenderStart(sh, "127.0.0.1", recvBridge.ReceiverPort(rh), "alpha")
	assert.Equal(t, transfer.KindRejected.Code(), code, String(code))
}

func TestDestroyReleasesChildren(t *testing.T) {
	b := New(t.TempDir(), logging.Discard())
	h := b.Init("alpha")
	require.NotZero(t, h)

	rh := b.CreateReceiver(h)
	require.NotZero(t, rh)
	require.NotZero(t, b.ReceiverPort(rh))

	b.Destroy(h)
	assert.Zero(t, b.ReceiverPort(rh))
	assert.Empty(t, b.DeviceID(h))
}

func TestResultCodeNames(t *testing.T) {
	assert.Equal(t, "success", String(0))
	assert.Equal(t, "checksum_mismatch", String(2))
	assert.Equal(t, "code(99)", String(99))
}
