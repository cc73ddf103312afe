package transfer

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voidwarp/config"
)

func TestSendSingleFile(t *testing.T) {
	src := filepath.Join(t.TempDir(), "report.bin")
	data := writeFixture(t, src, 20_000)
	dst := t.TempDir()

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())
	assert.Equal(t, StateListening, r.State())

	s := newTestSender(t, src, nil)
	accepted := acceptWhenPending(r, dst)

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	require.True(t, result.OK(), result.String())
	assert.True(t, waitResult(t, accepted).OK())
	assert.Equal(t, StateCompleted, s.State())

	got, err := os.ReadFile(filepath.Join(dst, "report.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, filepath.Join(dst, "report.bin"+partSuffix))

	progress := s.Progress()
	assert.Equal(t, int64(len(data)), progress.BytesTransferred)
	assert.InDelta(t, 100, progress.Percentage, 0.001)
	assert.Equal(t, 8<<10, progress.ChunkSize)

	waitState(t, r, StateListening)
	assert.True(t, r.LastResult().OK())
	assert.Equal(t, int64(len(data)), r.BytesReceived())
	assert.Nil(t, r.Pending())
}

func TestSendFolder(t *testing.T) {
	root := filepath.Join(t.TempDir(), "album")
	first := writeFixture(t, filepath.Join(root, "a.bin"), 3000)
	second := writeFixture(t, filepath.Join(root, "sub", "b.bin"), 500)
	writeFixture(t, filepath.Join(root, "empty.bin"), 0)
	dst := t.TempDir()

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())
	s := newTestSender(t, root, nil)
	assert.Equal(t, "album", s.Name())
	assert.Equal(t, int64(3500), s.Size())

	var pending atomic.Pointer[PendingOffer]
	accepted := make(chan Result, 1)
	go func() {
		for r.Pending() == nil {
			time.Sleep(10 * time.Millisecond)
		}
		pending.Store(r.Pending())
		accepted <- r.Accept(dst)
	}()

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	require.True(t, result.OK(), result.String())
	require.True(t, waitResult(t, accepted).OK())

	offer := pending.Load()
	require.NotNil(t, offer)
	assert.True(t, offer.IsFolder)
	assert.Equal(t, 3, offer.FileCount)
	assert.Equal(t, "album", offer.FileName)
	assert.Equal(t, "laptop", offer.SenderName)
	assert.Equal(t, s.Offer().SessionID, offer.SessionID)

	got, err := os.ReadFile(filepath.Join(dst, "album", "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = os.ReadFile(filepath.Join(dst, "album", "sub", "b.bin"))
	require.NoError(t, err)
	assert.Equal(t, second, got)
	info, err := os.Stat(filepath.Join(dst, "album", "empty.bin"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestResumeAfterDroppedConnection(t *testing.T) {
	src := filepath.Join(t.TempDir(), "movie.bin")
	data := writeFixture(t, src, 100<<10)
	dst := t.TempDir()

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())

	dropping := newTestSender(t, src, nil)
	dropping.hooks.dropAfterBytes = 40 << 10
	accepted := acceptWhenPending(r, dst)
	result := dropping.Start(context.Background(), receiverAddr(r), "laptop")
	assert.Equal(t, KindConnectionFailed, result.Kind, result.String())
	assert.Equal(t, KindConnectionFailed, waitResult(t, accepted).Kind)

	part := filepath.Join(dst, "movie.bin"+partSuffix)
	info, err := os.Stat(part)
	require.NoError(t, err)
	assert.Equal(t, int64(40<<10), info.Size())
	assert.NoFileExists(t, filepath.Join(dst, "movie.bin"))

	waitState(t, r, StateListening)

	s := newTestSender(t, src, nil)
	accepted = acceptWhenPending(r, dst)
	result = s.Start(context.Background(), receiverAddr(r), "laptop")
	require.True(t, result.OK(), result.String())
	require.True(t, waitResult(t, accepted).OK())

	assert.Equal(t, int64(40<<10), s.Progress().ResumedBytes)
	assert.Equal(t, int64(40<<10), r.Progress().ResumedBytes)
	got, err := os.ReadFile(filepath.Join(dst, "movie.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, part)
}

func TestResumeWithForeignPartialRestarts(t *testing.T) {
	src := filepath.Join(t.TempDir(), "notes.bin")
	data := writeFixture(t, src, 30_000)
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dst, "notes.bin"+partSuffix), make([]byte, 3000), 0o600))

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)
	accepted := acceptWhenPending(r, dst)

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	require.True(t, result.OK(), result.String())
	require.True(t, waitResult(t, accepted).OK())

	assert.Zero(t, s.Progress().ResumedBytes)
	got, err := os.ReadFile(filepath.Join(dst, "notes.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestResumeKeepsMatchingBlocksBeforeCorruptTail(t *testing.T) {
	src := filepath.Join(t.TempDir(), "movie.bin")
	data := writeFixture(t, src, 100<<10)
	dst := t.TempDir()
	part := filepath.Join(dst, "movie.bin"+partSuffix)
	stale := append(slices.Clone(data[:40960]), make([]byte, 1000)...)
	require.NoError(t, os.WriteFile(part, stale, 0o600))

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)
	accepted := acceptWhenPending(r, dst)

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	require.True(t, result.OK(), result.String())
	require.True(t, waitResult(t, accepted).OK())

	assert.Equal(t, int64(40960), s.Progress().ResumedBytes)
	assert.Equal(t, int64(40960), r.Progress().ResumedBytes)
	got, err := os.ReadFile(filepath.Join(dst, "movie.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, part)
}

func TestCancelWhileSendingStopsOnChunkBoundary(t *testing.T) {
	src := filepath.Join(t.TempDir(), "archive.bin")
	data := writeFixture(t, src, 200<<10)
	dst := t.TempDir()
	part := filepath.Join(dst, "archive.bin"+partSuffix)

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())

	s := newTestSender(t, src, nil)
	s.hooks.afterAck = func(acked int64) {
		if acked >= 24<<10 {
			s.Cancel()
		}
	}
	accepted := acceptWhenPending(r, dst)
	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	assert.Equal(t, KindCancelled, result.Kind, result.String())
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, KindCancelled, waitResult(t, accepted).Kind)
	require.Eventually(t, func() bool { return r.LastResult().Kind == KindCancelled }, 5*time.Second, 10*time.Millisecond)

	info, err := os.Stat(part)
	require.NoError(t, err)
	assert.Equal(t, int64(24<<10), info.Size())
	assert.Zero(t, info.Size()%(8<<10))
	assert.NoFileExists(t, filepath.Join(dst, "archive.bin"))

	waitState(t, r, StateListening)

	again := newTestSender(t, src, nil)
	accepted = acceptWhenPending(r, dst)
	result = again.Start(context.Background(), receiverAddr(r), "laptop")
	require.True(t, result.OK(), result.String())
	require.True(t, waitResult(t, accepted).OK())
	assert.Equal(t, int64(24<<10), again.Progress().ResumedBytes)
	got, err := os.ReadFile(filepath.Join(dst, "archive.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFileDigestMismatchKeepsPartial(t *testing.T) {
	src := filepath.Join(t.TempDir(), "payload.bin")
	data := writeFixture(t, src, 20_000)
	dst := t.TempDir()
	part := filepath.Join(dst, "payload.bin"+partSuffix)

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())

	// The offer hashes the original; every chunk is then read from edited bytes.
	s := newTestSender(t, src, nil)
	edited := slices.Clone(data)
	for i := len(edited) - 100; i < len(edited); i++ {
		edited[i] ^= 0xff
	}
	require.NoError(t, os.WriteFile(src, edited, 0o644))

	accepted := acceptWhenPending(r, dst)
	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	assert.Equal(t, KindIntegrity, result.Kind, result.String())
	assert.Equal(t, KindIntegrity, waitResult(t, accepted).Kind)
	assert.Equal(t, 1, strings.Count(result.Reason, "checksum mismatch"), result.Reason)
	assert.NoFileExists(t, filepath.Join(dst, "payload.bin"))

	kept, err := os.ReadFile(part)
	require.NoError(t, err)
	assert.Equal(t, edited, kept)

	waitState(t, r, StateListening)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	again := newTestSender(t, src, nil)
	accepted = acceptWhenPending(r, dst)
	result = again.Start(context.Background(), receiverAddr(r), "laptop")
	require.True(t, result.OK(), result.String())
	require.True(t, waitResult(t, accepted).OK())
	assert.Equal(t, int64(16<<10), again.Progress().ResumedBytes)
	got, err := os.ReadFile(filepath.Join(dst, "payload.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestTamperedChunkFailsIntegrity(t *testing.T) {
	src := filepath.Join(t.TempDir(), "payload.bin")
	writeFixture(t, src, 20_000)
	dst := t.TempDir()

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)
	s.hooks.mutateChunk = func(_, chunkIndex int, data []byte) []byte {
		if chunkIndex == 1 {
			data[0] ^= 0xff
		}
		return data
	}
	accepted := acceptWhenPending(r, dst)

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	assert.Equal(t, KindIntegrity, result.Kind, result.String())
	assert.Equal(t, KindIntegrity, waitResult(t, accepted).Kind)
	assert.Equal(t, StateError, s.State())
	assert.NoFileExists(t, filepath.Join(dst, "payload.bin"))
}

func TestSkipIdenticalDestination(t *testing.T) {
	src := filepath.Join(t.TempDir(), "same.bin")
	writeFixture(t, src, 5000)
	dst := t.TempDir()
	writeFixture(t, filepath.Join(dst, "same.bin"), 5000)

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)
	accepted := acceptWhenPending(r, dst)

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	require.True(t, result.OK(), result.String())
	require.True(t, waitResult(t, accepted).OK())
	assert.Equal(t, 1, s.Progress().SkippedFiles)
	assert.Equal(t, 1, r.Progress().SkippedFiles)
	assert.Equal(t, int64(5000), s.Progress().BytesTransferred)
}

func TestRejectedOffer(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	writeFixture(t, src, 100)

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)

	go func() {
		for r.Pending() == nil {
			time.Sleep(10 * time.Millisecond)
		}
		_ = r.Reject()
	}()

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	assert.Equal(t, KindRejected, result.Kind, result.String())
	assert.Equal(t, StateError, s.State())

	require.Eventually(t, func() bool { return r.LastResult().Kind == KindRejected }, 5*time.Second, 10*time.Millisecond)
	waitState(t, r, StateListening)
}

func TestReceiverNotListeningRejects(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	writeFixture(t, src, 100)

	r := newTestReceiver(t, nil)
	s := newTestSender(t, src, nil)

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	assert.Equal(t, KindRejected, result.Kind)
	assert.Contains(t, result.Reason, reasonNotListening)
	assert.Equal(t, StateIdle, r.State())
}

func TestBusyReceiverAnswersAlreadyBusy(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	writeFixture(t, src, 100)

	gate := &Gate{}
	release, err := gate.Acquire("outgoing")
	require.NoError(t, err)
	defer release()

	r := newTestReceiver(t, func(o *ReceiverOptions) { o.Gate = gate })
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	assert.Equal(t, Result{Kind: KindRejected, Reason: "already busy"}, result)
	assert.Equal(t, StateListening, r.State())
}

func TestSharedGateRefusesSecondTransfer(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	writeFixture(t, src, 100)

	gate := &Gate{}
	release, err := gate.Acquire("incoming")
	require.NoError(t, err)
	defer release()

	s := newTestSender(t, src, func(o *SenderOptions) { o.Gate = gate })
	result := s.Start(context.Background(), []string{"127.0.0.1:1"}, "laptop")
	assert.Equal(t, Result{Kind: KindRejected, Reason: "already busy"}, result)
	assert.Equal(t, "incoming", gate.Owner())
}

func TestAnswerTimeout(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	writeFixture(t, src, 100)

	r := newTestReceiver(t, func(o *ReceiverOptions) {
		o.Settings.AnswerTimeout = config.Duration(150 * time.Millisecond)
	})
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	assert.Equal(t, KindTimeout, result.Kind, result.String())
	require.Eventually(t, func() bool { return r.LastResult().Kind == KindTimeout }, 5*time.Second, 10*time.Millisecond)
	waitState(t, r, StateListening)
}

func TestAutoAcceptPairedSender(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	data := writeFixture(t, src, 4000)
	dst := t.TempDir()

	r := newTestReceiver(t, func(o *ReceiverOptions) {
		o.AutoAccept = dst
		o.IsPaired = func(string) bool { return true }
	})
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	require.True(t, result.OK(), result.String())
	got, err := os.ReadFile(filepath.Join(dst, "a.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAcceptWithoutPendingOffer(t *testing.T) {
	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())

	result := r.Accept(t.TempDir())
	assert.Equal(t, KindIO, result.Kind)
	assert.ErrorIs(t, r.Reject(), ErrNoPendingOffer)
}

func TestStopAbandonsPendingOffer(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	writeFixture(t, src, 100)

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)

	go func() {
		for r.Pending() == nil {
			time.Sleep(10 * time.Millisecond)
		}
		r.Stop()
	}()

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	assert.False(t, result.OK())
	assert.Equal(t, StateIdle, r.State())
	assert.Nil(t, r.Pending())
}

func TestSenderCancelWhileAwaitingAnswer(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.bin")
	writeFixture(t, src, 100)

	r := newTestReceiver(t, nil)
	require.NoError(t, r.Start())
	s := newTestSender(t, src, nil)

	go func() {
		for r.Pending() == nil {
			time.Sleep(10 * time.Millisecond)
		}
		s.Cancel()
	}()

	result := s.Start(context.Background(), receiverAddr(r), "laptop")
	assert.Equal(t, KindCancelled, result.Kind, result.String())
	assert.Equal(t, StateCancelled, s.State())
	assert.Equal(t, result, s.LastResult())
}
