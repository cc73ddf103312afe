package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"voidwarp/config"
	"voidwarp/network"
)

const partSuffix = ".vwpart"

// Answer reasons carried in declined answers.
const (
	reasonBusy         = "busy"
	reasonNotListening = "not_listening"
	reasonDeclined     = "declined"
	reasonTimeout      = "timeout"
	reasonInvalidOffer = "invalid_offer"
	reasonIOError      = "io_error"
)

var capabilities = []string{"resume", "skip", "chunk-digest"}

// timeouts are the bounded waits of one session.
type timeouts struct {
	connect time.Duration
	answer  time.Duration
	ack     time.Duration
	rearm   time.Duration
}

func timeoutsFrom(s config.TransferSettings) timeouts {
	def := config.DefaultTransferSettings()
	pick := func(v, fallback config.Duration) time.Duration {
		if v > 0 {
			return v.Std()
		}
		return fallback.Std()
	}
	return timeouts{
		connect: pick(s.ConnectTimeout, def.ConnectTimeout),
		answer:  pick(s.AnswerTimeout, def.AnswerTimeout),
		ack:     pick(s.ChunkAckTimeout, def.ChunkAckTimeout),
		rearm:   pick(s.RearmDelay, def.RearmDelay),
	}
}

// handshakeFor fills channel policy from transfer settings where the caller left it unset.
func handshakeFor(hs network.HandshakeOptions, s config.TransferSettings, t timeouts) network.HandshakeOptions {
	if hs.ConnectionTimeout <= 0 {
		hs.ConnectionTimeout = t.connect
	}
	if hs.RekeyAfterBytes == 0 {
		hs.RekeyAfterBytes = s.RekeyAfterBytes
	}
	if hs.RekeyInterval <= 0 {
		hs.RekeyInterval = s.RekeyInterval.Std()
	}
	return hs
}

func helloFrom(hs network.HandshakeOptions) *network.Hello {
	return &network.Hello{
		DeviceName:      hs.Identity.DisplayName,
		DeviceID:        hs.Identity.DeviceID,
		Capabilities:    capabilities,
		ProtocolVersion: network.ProtocolVersion,
	}
}

func checkHello(h *network.Hello) error {
	if h == nil {
		return fmt.Errorf("%w: expected hello", ErrProtocol)
	}
	if h.ProtocolVersion != network.ProtocolVersion {
		return fmt.Errorf("%w: peer speaks %d, we speak %d", network.ErrUnsupportedVersion, h.ProtocolVersion, network.ProtocolVersion)
	}
	return nil
}

func sendUpdate(conn *network.Conn, update network.TransferUpdate) error {
	return conn.SendEnvelope(network.Envelope{RequestID: uuid.NewString(), Update: &update})
}

// awaitUpdate reads the next update of kind want for session.
// A remote cancel or error envelope ends the wait with the matching error.
func awaitUpdate(conn *network.Conn, sessionID string, want network.UpdateKind, timeout time.Duration) (network.TransferUpdate, error) {
	env, err := conn.ReceiveEnvelope(timeout)
	if err != nil {
		return network.TransferUpdate{}, err
	}
	if env.Error != nil {
		return network.TransferUpdate{}, errorFromWire(env.Error)
	}
	u := env.Update
	if u == nil {
		return network.TransferUpdate{}, fmt.Errorf("%w: expected %s", ErrProtocol, want)
	}
	if u.SessionID != sessionID {
		return network.TransferUpdate{}, fmt.Errorf("%w: update for session %q", ErrProtocol, u.SessionID)
	}
	if u.Kind == network.UpdateCancel {
		return network.TransferUpdate{}, fmt.Errorf("%w by peer", ErrCancelled)
	}
	if u.Kind != want {
		return network.TransferUpdate{}, fmt.Errorf("%w: got %s, expected %s", ErrProtocol, u.Kind, want)
	}
	return *u, nil
}

// statusError turns an ack or verdict status into the matching error.
func statusError(status network.UpdateStatus, message string) error {
	switch status {
	case network.StatusOK:
		return nil
	case network.StatusChecksumMismatch:
		return withDetail(ErrChecksumMismatch, message)
	case network.StatusCancelled:
		return ErrCancelled
	case network.StatusProtocol:
		return withDetail(ErrProtocol, message)
	default:
		return fmt.Errorf("receiver io error: %s", message)
	}
}

// withDetail wraps sentinel with a peer's message. Peers send err.Error(),
// which normally starts with the same sentinel text; that copy is dropped.
func withDetail(sentinel error, message string) error {
	detail := strings.TrimPrefix(message, sentinel.Error())
	detail = strings.TrimPrefix(detail, ": ")
	if detail == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, detail)
}

// statusFor is the inverse of statusError for the receiver's replies.
func statusFor(err error) network.UpdateStatus {
	switch Classify(err).Kind {
	case KindSuccess:
		return network.StatusOK
	case KindIntegrity:
		return network.StatusChecksumMismatch
	case KindCancelled:
		return network.StatusCancelled
	case KindRejected:
		return network.StatusProtocol
	default:
		return network.StatusIOError
	}
}

func errorToWire(err error) *network.ErrorMessage {
	r := Classify(err)
	return &network.ErrorMessage{Code: uint32(r.Code()), Message: r.Reason}
}

func errorFromWire(e *network.ErrorMessage) error {
	var sentinel error
	switch Kind(e.Code) {
	case KindRejected:
		sentinel = ErrRejected
	case KindIntegrity:
		sentinel = ErrChecksumMismatch
	case KindTimeout:
		sentinel = ErrTimeout
	case KindCancelled:
		sentinel = ErrCancelled
	case KindConnectionFailed:
		return fmt.Errorf("peer lost its connection: %s", e.Message)
	default:
		return fmt.Errorf("peer error: %s", e.Message)
	}
	return withDetail(sentinel, e.Message)
}

func answerError(a *network.Answer) error {
	switch a.Reason {
	case reasonBusy:
		return fmt.Errorf("receiver: %w", ErrBusy)
	case reasonTimeout:
		return fmt.Errorf("%w: receiver did not decide in time", ErrTimeout)
	case "":
		return ErrRejected
	default:
		return fmt.Errorf("%w: %s", ErrRejected, a.Reason)
	}
}
