// Package transfer runs one offer/answer/stream session between a sender and
// a receiver over an encrypted network.Conn.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"voidwarp/network"
)

// Kind is the closed set of terminal outcomes.
type Kind int

const (
	KindSuccess Kind = iota
	KindRejected
	KindIntegrity
	KindConnectionFailed
	KindTimeout
	KindCancelled
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRejected:
		return "rejected"
	case KindIntegrity:
		return "checksum_mismatch"
	case KindConnectionFailed:
		return "connection_failed"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "io_error"
	}
}

// Code is the stable integer used at the foreign boundary.
func (k Kind) Code() int {
	if k < KindSuccess || k > KindIO {
		return int(KindIO)
	}
	return int(k)
}

var (
	// ErrBusy means another transfer already owns the engine.
	ErrBusy = errors.New("transfer: already busy")
	// ErrRejected means the remote side declined the offer.
	ErrRejected = errors.New("transfer: offer rejected")
	// ErrCancelled means the local or remote side cancelled.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrChecksumMismatch means a chunk or whole-file digest did not verify.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	// ErrTimeout means a bounded wait expired.
	ErrTimeout = errors.New("transfer: timed out")
	// ErrProtocol means the peer sent something out of sequence or malformed.
	ErrProtocol = errors.New("transfer: protocol violation")
	// ErrNoPendingOffer means Accept or Reject was called with nothing to decide.
	ErrNoPendingOffer = errors.New("transfer: no pending offer")
	// ErrEmptySource means the path to send holds no regular files.
	ErrEmptySource = errors.New("transfer: nothing to send")
	// ErrUnsafePath rejects offer paths that would escape the save directory.
	ErrUnsafePath = errors.New("transfer: unsafe path in offer")
)

// Result is a terminal outcome plus an optional human readable reason.
type Result struct {
	Kind   Kind
	Reason string
}

// Success is the zero-reason success result.
var Success = Result{Kind: KindSuccess}

// OK reports whether the result is a success.
func (r Result) OK() bool {
	return r.Kind == KindSuccess
}

// Code narrows the result to its boundary integer.
func (r Result) Code() int {
	return r.Kind.Code()
}

func (r Result) String() string {
	if r.Reason == "" {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

// Classify maps any error from a transfer to its terminal Result.
func Classify(err error) Result {
	if err == nil {
		return Success
	}
	reason := err.Error()

	var dialErr *network.DialError
	switch {
	case errors.Is(err, ErrBusy):
		return Result{Kind: KindRejected, Reason: "already busy"}
	case errors.As(err, &dialErr), errors.Is(err, network.ErrNoCandidates):
		return Result{Kind: KindConnectionFailed, Reason: reason}
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return Result{Kind: KindCancelled, Reason: reason}
	case errors.Is(err, ErrChecksumMismatch), errors.Is(err, network.ErrIntegrity):
		return Result{Kind: KindIntegrity, Reason: reason}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded), network.IsTimeout(err):
		return Result{Kind: KindTimeout, Reason: reason}
	case errors.Is(err, ErrRejected), errors.Is(err, ErrProtocol), errors.Is(err, ErrUnsafePath),
		network.IsHandshakeRejection(err), errors.Is(err, network.ErrMalformedMessage),
		errors.Is(err, network.ErrUnsupportedVersion), errors.Is(err, network.ErrInvalidMessageType):
		return Result{Kind: KindRejected, Reason: reason}
	case isConnectionLoss(err):
		return Result{Kind: KindConnectionFailed, Reason: reason}
	default:
		return Result{Kind: KindIO, Reason: reason}
	}
}

func isConnectionLoss(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, network.ErrChannelClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED)
}
