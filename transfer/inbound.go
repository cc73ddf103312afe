package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voidwarp/crypto"
	"voidwarp/models"
	"voidwarp/network"
)

// inbound writes one accepted session to disk. Data goes to a part file next
// to the destination and is renamed into place only after the whole-file
// digest matches. A part file is never deleted here.
type inbound struct {
	conn    *network.Conn
	session *Session
	offer   models.TransferOffer
	plan    *receivePlan
	ack     time.Duration
	log     *logrus.Entry

	current int // file being written, -1 between files
	file    *os.File
	next    int64 // offset expected by the next chunk
	last    int   // highest file index begun
	done    map[int]bool
}

func (in *inbound) run(ctx context.Context) (err error) {
	in.current, in.last = -1, -1
	in.done = make(map[int]bool, len(in.offer.Entries))
	defer func() {
		if in.file != nil {
			_ = in.file.Close()
		}
		var told nackSent
		if err != nil && !errors.As(err, &told) && !errors.Is(err, ErrCancelled) && ctx.Err() == nil && !isConnectionLoss(err) {
			_ = in.conn.SendEnvelope(network.Envelope{RequestID: uuid.NewString(), Error: errorToWire(err)})
		}
	}()

	for {
		env, err := in.conn.ReceiveEnvelope(in.ack)
		if err != nil {
			return err
		}
		if env.Error != nil {
			return errorFromWire(env.Error)
		}
		u := env.Update
		if u == nil {
			return fmt.Errorf("%w: expected transfer update", ErrProtocol)
		}
		if u.SessionID != in.session.ID {
			return fmt.Errorf("%w: update for session %q", ErrProtocol, u.SessionID)
		}

		switch u.Kind {
		case network.UpdateBegin:
			if err := in.begin(u); err != nil {
				return err
			}
		case network.UpdateChunk:
			if err := in.chunk(u); err != nil {
				return err
			}
		case network.UpdateFileDone:
			if err := in.fileDone(u); err != nil {
				return err
			}
		case network.UpdateCancel:
			return fmt.Errorf("%w by sender", ErrCancelled)
		case network.UpdateComplete:
			return in.complete()
		default:
			return fmt.Errorf("%w: unexpected %s", ErrProtocol, u.Kind)
		}
	}
}

func (in *inbound) begin(u *network.TransferUpdate) error {
	index := int(u.FileIndex)
	if in.current != -1 {
		return fmt.Errorf("%w: begin for file %d while %d is open", ErrProtocol, index, in.current)
	}
	if index <= in.last || index >= len(in.offer.Entries) || in.plan.skipped[index] {
		return fmt.Errorf("%w: begin for file %d out of order", ErrProtocol, index)
	}
	entry := in.offer.Entries[index]
	if u.Offset < 0 || u.Offset > entry.Size {
		return fmt.Errorf("%w: begin offset %d outside %q", ErrProtocol, u.Offset, entry.RelativePath)
	}

	part := in.plan.dests[index] + partSuffix
	if err := os.MkdirAll(filepath.Dir(part), 0o700); err != nil {
		return fmt.Errorf("create directory for %s: %w", entry.RelativePath, err)
	}
	file, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", part, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	switch {
	case u.Offset > info.Size():
		_ = file.Close()
		return fmt.Errorf("%w: resume at %d past partial length %d", ErrProtocol, u.Offset, info.Size())
	case u.Offset < info.Size():
		if err := file.Truncate(u.Offset); err != nil {
			_ = file.Close()
			return fmt.Errorf("truncate %s: %w", part, err)
		}
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return err
		}
	}

	in.file = file
	in.current, in.last = index, index
	in.next = u.Offset
	if u.Offset > 0 {
		in.session.markResumed(u.Offset)
	}
	in.session.setFile(index, 0)
	in.log.WithFields(logrus.Fields{"file": entry.RelativePath, "offset": u.Offset}).Debug("Receiving file")
	return nil
}

func (in *inbound) chunk(u *network.TransferUpdate) error {
	index := int(u.FileIndex)
	if index != in.current || u.Offset != in.next {
		return in.nack(u, fmt.Errorf("%w: chunk %d/%d at %d, expected file %d at %d", ErrProtocol, index, u.ChunkIndex, u.Offset, in.current, in.next))
	}
	entry := in.offer.Entries[index]
	if int64(len(u.Data)) > entry.Size-in.next || len(u.Data) > MaxChunkSize {
		return in.nack(u, fmt.Errorf("%w: chunk overruns %q", ErrProtocol, entry.RelativePath))
	}
	if !bytes.Equal(crypto.DigestBytes(u.Data), u.Digest) {
		return in.nack(u, fmt.Errorf("%w: chunk %d of %q", ErrChecksumMismatch, u.ChunkIndex, entry.RelativePath))
	}

	if _, err := in.file.WriteAt(u.Data, in.next); err != nil {
		return in.nack(u, fmt.Errorf("write %q: %w", entry.RelativePath, err))
	}
	if err := in.file.Sync(); err != nil {
		return in.nack(u, fmt.Errorf("sync %q: %w", entry.RelativePath, err))
	}
	in.next += int64(len(u.Data))
	in.session.advance(int64(len(u.Data)))
	in.session.setFile(index, len(u.Data))

	return sendUpdate(in.conn, network.TransferUpdate{
		SessionID:  in.session.ID,
		Kind:       network.UpdateChunkAck,
		FileIndex:  u.FileIndex,
		ChunkIndex: u.ChunkIndex,
		Status:     network.StatusOK,
	})
}

// nack replies to a bad chunk and returns cause, which ends the session.
func (in *inbound) nack(u *network.TransferUpdate, cause error) error {
	_ = sendUpdate(in.conn, network.TransferUpdate{
		SessionID:  in.session.ID,
		Kind:       network.UpdateChunkAck,
		FileIndex:  u.FileIndex,
		ChunkIndex: u.ChunkIndex,
		Status:     statusFor(cause),
		Message:    cause.Error(),
	})
	return nackSent{cause}
}

func (in *inbound) fileDone(u *network.TransferUpdate) error {
	index := int(u.FileIndex)
	if index != in.current {
		return fmt.Errorf("%w: file done for %d, expected %d", ErrProtocol, index, in.current)
	}
	entry := in.offer.Entries[index]
	if in.next != entry.Size {
		return fmt.Errorf("%w: file done for %q at %d of %d bytes", ErrProtocol, entry.RelativePath, in.next, entry.Size)
	}

	err := in.file.Close()
	in.file = nil
	in.current = -1
	if err != nil {
		return fmt.Errorf("close %q: %w", entry.RelativePath, err)
	}

	dest := in.plan.dests[index]
	part := dest + partSuffix
	digest, err := crypto.DigestFile(part)
	if err != nil {
		return fmt.Errorf("digest %q: %w", entry.RelativePath, err)
	}
	// The part file stays; a later offer resumes from its matching blocks.
	if !bytes.Equal(digest, entry.ContentHash) {
		cause := fmt.Errorf("%w: %q", ErrChecksumMismatch, entry.RelativePath)
		_ = sendUpdate(in.conn, network.TransferUpdate{
			SessionID: in.session.ID,
			Kind:      network.UpdateFileVerdict,
			FileIndex: u.FileIndex,
			Status:    network.StatusChecksumMismatch,
			Message:   cause.Error(),
		})
		return nackSent{cause}
	}
	if err := os.Rename(part, dest); err != nil {
		return fmt.Errorf("finalize %q: %w", entry.RelativePath, err)
	}
	if !entry.ModifiedTime.IsZero() {
		_ = os.Chtimes(dest, entry.ModifiedTime, entry.ModifiedTime)
	}
	in.done[index] = true
	in.log.WithField("file", entry.RelativePath).Debug("File verified")

	return sendUpdate(in.conn, network.TransferUpdate{
		SessionID: in.session.ID,
		Kind:      network.UpdateFileVerdict,
		FileIndex: u.FileIndex,
		Status:    network.StatusOK,
		Digest:    digest,
	})
}

func (in *inbound) complete() error {
	if in.current != -1 {
		return fmt.Errorf("%w: complete with file %d open", ErrProtocol, in.current)
	}
	for i := range in.offer.Entries {
		if !in.done[i] && !in.plan.skipped[i] {
			return fmt.Errorf("%w: complete before file %d arrived", ErrProtocol, i)
		}
	}
	in.session.complete()
	return sendUpdate(in.conn, network.TransferUpdate{
		SessionID: in.session.ID,
		Kind:      network.UpdateComplete,
		Status:    network.StatusOK,
	})
}

// nackSent marks an error the peer was already told about in an update.
type nackSent struct{ error }

func (n nackSent) Unwrap() error { return n.error }
