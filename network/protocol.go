package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxPayloadSize bounds one plaintext record (the largest chunk plus envelope slack).
	MaxPayloadSize = 16*1024*1024 + 64*1024
	// MaxFrameSize is the maximum accepted encrypted frame size.
	MaxFrameSize = MaxPayloadSize + 1024
	// MaxHandshakeFrameSize bounds plaintext handshake frames.
	MaxHandshakeFrameSize = 64 * 1024
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 10 * time.Second
	// DefaultHandshakeTimeout bounds the whole key agreement.
	DefaultHandshakeTimeout = 15 * time.Second
	// DefaultRekeyAfterBytes rotates a direction key after this much plaintext.
	DefaultRekeyAfterBytes uint64 = 1 << 30
	// DefaultRekeyInterval rotates a direction key after this much time.
	DefaultRekeyInterval = time.Hour
)

var (
	// ErrFrameTooLarge indicates payload exceeds the frame limit.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrIdentityMismatch indicates a device id that is not the fingerprint of its key.
	ErrIdentityMismatch = errors.New("network: device id does not match public key")
	// ErrKeyChanged indicates a pinned peer presented a different public key.
	ErrKeyChanged = errors.New("network: peer public key changed")
	// ErrUntrustedPeer indicates an unpaired peer while pairing is required.
	ErrUntrustedPeer = errors.New("network: peer is not paired")
	// ErrNoCommonSuite indicates no cipher suite both sides support.
	ErrNoCommonSuite = errors.New("network: no common cipher suite")
	// ErrIntegrity indicates a record failed authentication; the channel is dead.
	ErrIntegrity = errors.New("network: record authentication failed")
	// ErrChannelClosed indicates use after Close.
	ErrChannelClosed = errors.New("network: channel closed")
	// ErrMalformedMessage indicates an undecodable control message.
	ErrMalformedMessage = errors.New("network: malformed message")
)

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame of at most MaxFrameSize bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxFrameSize)
}

// ReadHandshakeFrame reads one plaintext handshake frame.
func ReadHandshakeFrame(r io.Reader) ([]byte, error) {
	return readFrameLimited(r, MaxHandshakeFrameSize)
}

func readFrameLimited(r io.Reader, limit uint32) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > limit {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// IsTimeout reports whether err came from an expired deadline.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
