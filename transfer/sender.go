package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voidwarp/config"
	"voidwarp/crypto"
	"voidwarp/logging"
	"voidwarp/models"
	"voidwarp/network"
)

// SenderOptions configures a Sender.
type SenderOptions struct {
	Handshake network.HandshakeOptions
	Settings  config.TransferSettings
	// Gate is shared with the engine's receiver. Nil gives the sender its own.
	Gate   *Gate
	Logger *logrus.Entry
}

// senderHooks let tests interfere with a run. Zero values do nothing.
type senderHooks struct {
	// mutateChunk rewrites chunk bytes after their digest is taken.
	mutateChunk func(fileIndex, chunkIndex int, data []byte) []byte
	// dropAfterBytes closes the connection once that many bytes were
	// acknowledged in one run.
	dropAfterBytes int64
	// afterAck sees the running acknowledged byte count after every chunk.
	afterAck func(acked int64)
}

// Sender offers one file or folder to a receiver.
type Sender struct {
	manifest *Manifest
	opts     SenderOptions
	policy   ChunkPolicy
	timeouts timeouts
	log      *logrus.Entry
	hooks    senderHooks

	machine Machine

	mu        sync.Mutex
	running   bool
	session   *Session
	interrupt context.CancelFunc
	last      Result
}

// NewSender builds the offer for path. Hashing happens here, not in Start.
func NewSender(path string, opts SenderOptions) (*Sender, error) {
	manifest, err := BuildManifest(path)
	if err != nil {
		return nil, err
	}
	if opts.Gate == nil {
		opts.Gate = &Gate{}
	}
	t := timeoutsFrom(opts.Settings)
	opts.Handshake = handshakeFor(opts.Handshake, opts.Settings, t)
	return &Sender{
		manifest: manifest,
		opts:     opts,
		policy:   ChunkPolicyFrom(opts.Settings),
		timeouts: t,
		log:      logging.OrDefault(opts.Logger, "sender"),
	}, nil
}

// Offer returns the offer this sender proposes.
func (s *Sender) Offer() models.TransferOffer {
	return s.manifest.Offer
}

// Name is the file or folder name shown to the receiver.
func (s *Sender) Name() string {
	return s.manifest.Name()
}

// Size is the total number of bytes offered.
func (s *Sender) Size() int64 {
	return s.manifest.Size()
}

// Checksum is the hex digest identifying the offered content.
func (s *Sender) Checksum() string {
	return s.manifest.Checksum()
}

// State returns the current lifecycle state.
func (s *Sender) State() State {
	return s.machine.State()
}

// Progress returns the latest counters of the current or last run.
func (s *Sender) Progress() Progress {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()
	if session == nil {
		return Progress{TotalBytes: s.manifest.Size()}
	}
	return session.Progress()
}

// LastResult is the result of the most recent finished run.
func (s *Sender) LastResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Cancel asks the running transfer to stop at the next chunk boundary.
// Before streaming starts it also aborts the dial or the wait for an answer.
func (s *Sender) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil || !s.running {
		return
	}
	s.session.cancel()
	if s.interrupt != nil && !s.machine.State().Active() {
		s.interrupt()
	}
}

// Start dials the candidates in order and runs the transfer to a terminal
// result. It fails fast with "already busy" when another transfer holds the gate.
func (s *Sender) Start(ctx context.Context, candidates []string, senderName string) Result {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Classify(ErrBusy)
	}
	release, err := s.opts.Gate.Acquire(s.manifest.Offer.SessionID)
	if err != nil {
		s.mu.Unlock()
		return Classify(err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	session := newSession(s.manifest.Offer.SessionID, RoleSender, s.manifest.Size())
	s.running = true
	s.session = session
	s.interrupt = cancel
	s.machine.Reset()
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{"session": session.ID, "name": s.Name()})
	log.WithField("size", s.Size()).Info("Starting transfer")

	run := &senderRun{Sender: s, session: session, log: log}
	result := Classify(run.execute(runCtx, candidates, senderName))

	_ = s.machine.Transition(terminalState(result, false))
	cancel()
	release()

	s.mu.Lock()
	s.running = false
	s.interrupt = nil
	s.last = result
	s.mu.Unlock()

	entry := log.WithFields(logrus.Fields{"result": result.Kind.String(), "state": s.State().String()})
	if result.OK() {
		entry.Info("Transfer completed")
	} else {
		entry.WithField("reason", result.Reason).Warn("Transfer ended")
	}
	return result
}

// terminalState maps a result to the state a session ends in.
func terminalState(r Result, declinedLocally bool) State {
	switch {
	case r.OK():
		return StateCompleted
	case r.Kind == KindCancelled, declinedLocally:
		return StateCancelled
	default:
		return StateError
	}
}

// senderRun is the state of one Start call.
type senderRun struct {
	*Sender
	ctx     context.Context
	session *Session
	conn    *network.Conn
	log     *logrus.Entry
	acked   int64
}

func (r *senderRun) execute(ctx context.Context, candidates []string, senderName string) error {
	r.ctx = ctx
	if r.session.isCancelled() {
		return ErrCancelled
	}

	conn, err := network.DialCandidates(ctx, candidates, r.opts.Handshake)
	if err != nil {
		return r.cancelledOr(err)
	}
	r.conn = conn
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	r.log = r.log.WithField("peer", conn.Peer().DeviceID)
	offer := r.manifest.Offer
	if err := conn.SendEnvelope(network.Envelope{RequestID: uuid.NewString(), Hello: helloFrom(r.opts.Handshake)}); err != nil {
		return r.cancelledOr(err)
	}
	if err := conn.SendEnvelope(network.Envelope{RequestID: uuid.NewString(), Offer: offerToWire(offer, senderName)}); err != nil {
		return r.cancelledOr(err)
	}
	if err := r.machine.Transition(StateAwaitingAccept); err != nil {
		return err
	}

	answer, err := r.awaitAnswer(offer.SessionID)
	if err != nil {
		return r.cancelledOr(err)
	}
	if !answer.Accepted {
		return answerError(answer)
	}
	if err := r.machine.Transition(StateSending); err != nil {
		return err
	}

	skipped := make(map[int]bool, len(answer.SkippedFiles))
	for _, idx := range answer.SkippedFiles {
		skipped[int(idx)] = true
	}
	resume := make(map[int]network.ResumePoint, len(answer.Resume))
	for _, point := range answer.Resume {
		resume[int(point.FileIndex)] = point
	}

	for i, entry := range offer.Entries {
		if skipped[i] {
			r.session.markSkipped(entry.Size)
			r.log.WithField("file", entry.RelativePath).Debug("Receiver already has file")
			continue
		}
		point, hasPoint := resume[i]
		var pointer *network.ResumePoint
		if hasPoint {
			pointer = &point
		}
		if err := r.sendFile(i, entry, pointer); err != nil {
			return r.cancelledOr(err)
		}
	}

	if err := sendUpdate(conn, network.TransferUpdate{SessionID: offer.SessionID, Kind: network.UpdateComplete}); err != nil {
		return r.cancelledOr(err)
	}
	final, err := awaitUpdate(conn, offer.SessionID, network.UpdateComplete, r.timeouts.ack)
	if err != nil {
		return r.cancelledOr(err)
	}
	if err := statusError(final.Status, final.Message); err != nil {
		return err
	}
	r.session.complete()
	return nil
}

func (r *senderRun) awaitAnswer(sessionID string) (*network.Answer, error) {
	for {
		env, err := r.conn.ReceiveEnvelope(r.timeouts.answer)
		if err != nil {
			return nil, err
		}
		switch {
		case env.Hello != nil:
			if err := checkHello(env.Hello); err != nil {
				return nil, err
			}
		case env.Error != nil:
			return nil, errorFromWire(env.Error)
		case env.Answer != nil:
			if env.Answer.SessionID != sessionID {
				return nil, fmt.Errorf("%w: answer for session %q", ErrProtocol, env.Answer.SessionID)
			}
			return env.Answer, nil
		default:
			return nil, fmt.Errorf("%w: expected answer", ErrProtocol)
		}
	}
}

func (r *senderRun) sendFile(index int, entry models.FileEntry, point *network.ResumePoint) error {
	source := r.manifest.sources[index]
	sessionID := r.session.ID
	offset := verifiedResume(source, entry, point)
	if offset > 0 {
		r.session.markResumed(offset)
	}
	chunkSize := r.policy.ChunkSize(entry.Size)
	r.session.setFile(index, chunkSize)

	log := r.log.WithFields(logrus.Fields{"file": entry.RelativePath, "offset": offset})
	log.Debug("Sending file")

	if err := sendUpdate(r.conn, network.TransferUpdate{
		SessionID: sessionID,
		Kind:      network.UpdateBegin,
		FileIndex: uint32(index),
		Offset:    offset,
	}); err != nil {
		return err
	}

	file, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer file.Close()

	buf := make([]byte, chunkSize)
	for chunkIndex := 0; offset < entry.Size; chunkIndex++ {
		if r.session.isCancelled() {
			_ = sendUpdate(r.conn, network.TransferUpdate{SessionID: sessionID, Kind: network.UpdateCancel})
			return ErrCancelled
		}

		want := int(min(int64(chunkSize), entry.Size-offset))
		n, err := file.ReadAt(buf[:want], offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read %s at %d: %w", source, offset, err)
		}
		if n < want {
			return fmt.Errorf("read %s: file shrank below offered size at %d", source, offset+int64(n))
		}

		data := buf[:n]
		digest := crypto.DigestBytes(data)
		if r.hooks.mutateChunk != nil {
			data = r.hooks.mutateChunk(index, chunkIndex, slices.Clone(data))
		}
		if err := sendUpdate(r.conn, network.TransferUpdate{
			SessionID:  sessionID,
			Kind:       network.UpdateChunk,
			FileIndex:  uint32(index),
			ChunkIndex: uint32(chunkIndex),
			Offset:     offset,
			Data:       data,
			Digest:     digest,
		}); err != nil {
			return err
		}

		ack, err := awaitUpdate(r.conn, sessionID, network.UpdateChunkAck, r.timeouts.ack)
		if err != nil {
			return err
		}
		if ack.FileIndex != uint32(index) || ack.ChunkIndex != uint32(chunkIndex) {
			return fmt.Errorf("%w: ack for %d/%d, sent %d/%d", ErrProtocol, ack.FileIndex, ack.ChunkIndex, index, chunkIndex)
		}
		if err := statusError(ack.Status, ack.Message); err != nil {
			return err
		}

		offset += int64(n)
		r.acked += int64(n)
		r.session.advance(int64(n))

		if r.hooks.afterAck != nil {
			r.hooks.afterAck(r.acked)
		}
		if r.hooks.dropAfterBytes > 0 && r.acked >= r.hooks.dropAfterBytes {
			_ = r.conn.Close()
			return fmt.Errorf("connection dropped after %d bytes: %w", r.acked, net.ErrClosed)
		}
	}

	if err := sendUpdate(r.conn, network.TransferUpdate{
		SessionID: sessionID,
		Kind:      network.UpdateFileDone,
		FileIndex: uint32(index),
		Digest:    entry.ContentHash,
	}); err != nil {
		return err
	}
	verdict, err := awaitUpdate(r.conn, sessionID, network.UpdateFileVerdict, r.timeouts.ack)
	if err != nil {
		return err
	}
	if verdict.FileIndex != uint32(index) {
		return fmt.Errorf("%w: verdict for file %d, expected %d", ErrProtocol, verdict.FileIndex, index)
	}
	return statusError(verdict.Status, verdict.Message)
}

// cancelledOr reports a local cancel in place of the error it caused.
func (r *senderRun) cancelledOr(err error) error {
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if r.session.isCancelled() || r.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	return err
}

// verifiedResume returns the offset to resume at: the receiver's length when
// our own prefix hashes the same, otherwise the end of the longest run of
// leading blocks that match, otherwise zero.
func verifiedResume(source string, entry models.FileEntry, point *network.ResumePoint) int64 {
	if point == nil || point.Offset <= 0 || point.Offset > entry.Size {
		return 0
	}
	blockSize := point.BlockSize
	if blockSize <= 0 || point.Offset/blockSize > maxResumeBlocks || int64(len(point.BlockHashes)) > point.Offset/blockSize {
		blockSize = 0
	}
	prefix, blocks, err := crypto.DigestPrefixBlocks(source, point.Offset, blockSize)
	if err != nil {
		return 0
	}
	if bytes.Equal(prefix, point.PrefixHash) {
		return point.Offset
	}
	var matched int64
	for i := 0; i < len(blocks) && i < len(point.BlockHashes); i++ {
		if !bytes.Equal(blocks[i], point.BlockHashes[i]) {
			break
		}
		matched++
	}
	return matched * blockSize
}
