package network

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"voidwarp/crypto"
	"voidwarp/logging"
	"voidwarp/models"
)

const (
	TypeHandshakeInit   = "handshake_init"
	TypeHandshakeReply  = "handshake_reply"
	TypeHandshakeFinish = "handshake_finish"
	TypeHandshakeError  = "handshake_error"
)

const (
	handshakeNonceSize = 32
	replyLabel         = "voidwarp/handshake/reply"
	finishLabel        = "voidwarp/handshake/finish"
	channelInfoPrefix  = "voidwarp/channel/v1/"
)

// TrustPolicy decides whether an authenticated peer identity may open a channel.
type TrustPolicy interface {
	// Check runs before any key material is derived.
	Check(peer models.PeerIdentity) error
	// Pin runs once the peer has proven possession of its key.
	Pin(peer models.PeerIdentity) error
}

// AllowAll admits every peer and pins nothing.
type AllowAll struct{}

func (AllowAll) Check(models.PeerIdentity) error { return nil }
func (AllowAll) Pin(models.PeerIdentity) error   { return nil }

// HandshakeOptions configures identity, trust and channel policy for one side.
type HandshakeOptions struct {
	Identity models.DeviceIdentity
	Trust    TrustPolicy
	Suites   []crypto.Suite

	// ExpectedDeviceID, when set, makes the initiator refuse any other responder.
	ExpectedDeviceID string

	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	RekeyAfterBytes   uint64
	RekeyInterval     time.Duration

	Logger *logrus.Entry
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.Trust == nil {
		out.Trust = AllowAll{}
	}
	if len(out.Suites) == 0 {
		out.Suites = crypto.SupportedSuites()
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.RekeyAfterBytes == 0 {
		out.RekeyAfterBytes = DefaultRekeyAfterBytes
	}
	if out.RekeyInterval <= 0 {
		out.RekeyInterval = DefaultRekeyInterval
	}
	out.Logger = logging.OrDefault(out.Logger, "channel")
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if o.Identity.DeviceID == "" {
		return errors.New("local device ID is required")
	}
	if len(o.Identity.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("local Ed25519 private key is required")
	}
	if len(o.Identity.PublicKey) != ed25519.PublicKeySize {
		return errors.New("local Ed25519 public key is required")
	}
	return nil
}

// HandshakeInit opens the key agreement.
type HandshakeInit struct {
	Type             string   `json:"type"`
	ProtocolVersion  int      `json:"protocol_version"`
	DeviceID         string   `json:"device_id"`
	DeviceName       string   `json:"device_name"`
	Ed25519PublicKey string   `json:"ed25519_public_key"`
	X25519PublicKey  string   `json:"x25519_public_key"`
	Nonce            string   `json:"nonce"`
	CipherSuites     []string `json:"cipher_suites"`
}

// HandshakeReply answers an init and signs the transcript so far.
type HandshakeReply struct {
	Type             string `json:"type"`
	ProtocolVersion  int    `json:"protocol_version"`
	DeviceID         string `json:"device_id"`
	DeviceName       string `json:"device_name"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	X25519PublicKey  string `json:"x25519_public_key"`
	Nonce            string `json:"nonce"`
	CipherSuite      string `json:"cipher_suite"`
	Signature        string `json:"signature"`
}

// HandshakeFinish proves the initiator holds its long-term key.
type HandshakeFinish struct {
	Type      string `json:"type"`
	Signature string `json:"signature"`
}

// HandshakeError is sent in place of a reply when the responder refuses.
type HandshakeError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type typedMessage struct {
	Type string `json:"type"`
}

var handshakeErrorCodes = map[string]error{
	"version_mismatch":  ErrUnsupportedVersion,
	"identity_mismatch": ErrIdentityMismatch,
	"key_changed":       ErrKeyChanged,
	"untrusted_peer":    ErrUntrustedPeer,
	"no_common_suite":   ErrNoCommonSuite,
	"invalid_signature": ErrInvalidSignature,
}

func handshakeErrorCode(err error) string {
	for code, sentinel := range handshakeErrorCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "invalid_message"
}

// IsHandshakeRejection reports whether err is a policy refusal rather than a transport failure.
func IsHandshakeRejection(err error) bool {
	if errors.Is(err, ErrInvalidMessageType) || errors.Is(err, ErrMalformedMessage) {
		return true
	}
	for _, sentinel := range handshakeErrorCodes {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// ClientHandshake runs the initiator side over an established stream.
func ClientHandshake(ctx context.Context, raw net.Conn, options HandshakeOptions) (*Conn, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	release := bindDeadline(ctx, raw, opts.HandshakeTimeout)
	defer release()

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	offered := make([]string, 0, len(opts.Suites))
	for _, suite := range opts.Suites {
		offered = append(offered, string(suite))
	}
	initPayload, err := json.Marshal(HandshakeInit{
		Type:             TypeHandshakeInit,
		ProtocolVersion:  ProtocolVersion,
		DeviceID:         opts.Identity.DeviceID,
		DeviceName:       opts.Identity.DisplayName,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(opts.Identity.PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublic.Bytes()),
		Nonce:            base64.StdEncoding.EncodeToString(nonce),
		CipherSuites:     offered,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal handshake init: %w", err)
	}
	if err := WriteFrame(raw, initPayload); err != nil {
		return nil, fmt.Errorf("write handshake init: %w", err)
	}

	replyPayload, err := ReadHandshakeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("read handshake reply: %w", err)
	}
	msgType, err := decodeMessageType(replyPayload)
	if err != nil {
		return nil, err
	}
	switch msgType {
	case TypeHandshakeReply:
	case TypeHandshakeError:
		var refusal HandshakeError
		if err := json.Unmarshal(replyPayload, &refusal); err != nil {
			return nil, fmt.Errorf("%w: decode handshake error: %v", ErrMalformedMessage, err)
		}
		if sentinel, ok := handshakeErrorCodes[refusal.Code]; ok {
			return nil, fmt.Errorf("peer refused handshake: %w", sentinel)
		}
		return nil, fmt.Errorf("%w: peer refused handshake: %s", ErrMalformedMessage, refusal.Message)
	default:
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHandshakeReply, msgType)
	}

	var reply HandshakeReply
	if err := json.Unmarshal(replyPayload, &reply); err != nil {
		return nil, fmt.Errorf("%w: decode handshake reply: %v", ErrMalformedMessage, err)
	}
	if reply.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}
	peer, err := peerIdentityFrom(reply.DeviceID, reply.DeviceName, reply.Ed25519PublicKey)
	if err != nil {
		return nil, err
	}
	if opts.ExpectedDeviceID != "" && opts.ExpectedDeviceID != peer.DeviceID {
		return nil, fmt.Errorf("%w: expected %s, reached %s", ErrIdentityMismatch, opts.ExpectedDeviceID, peer.DeviceID)
	}

	unsignedReply, err := unsignedReplyBytes(reply)
	if err != nil {
		return nil, err
	}
	signature, err := base64.StdEncoding.DecodeString(reply.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decode reply signature: %v", ErrMalformedMessage, err)
	}
	if !crypto.Verify(peer.PublicKey, crypto.TranscriptHash([]byte(replyLabel), initPayload, unsignedReply), signature) {
		return nil, ErrInvalidSignature
	}

	suite := crypto.Suite(reply.CipherSuite)
	if _, ok := crypto.NegotiateSuite([]crypto.Suite{suite}, offered); !ok {
		return nil, ErrNoCommonSuite
	}
	if err := opts.Trust.Check(peer); err != nil {
		return nil, err
	}

	finishSignature, err := crypto.Sign(opts.Identity.PrivateKey, crypto.TranscriptHash([]byte(finishLabel), initPayload, unsignedReply))
	if err != nil {
		return nil, fmt.Errorf("sign handshake finish: %w", err)
	}
	finishPayload, err := json.Marshal(HandshakeFinish{
		Type:      TypeHandshakeFinish,
		Signature: base64.StdEncoding.EncodeToString(finishSignature),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal handshake finish: %w", err)
	}
	if err := WriteFrame(raw, finishPayload); err != nil {
		return nil, fmt.Errorf("write handshake finish: %w", err)
	}

	if err := opts.Trust.Pin(peer); err != nil {
		return nil, fmt.Errorf("pin peer %s: %w", peer.DeviceID, err)
	}

	responderNonce, err := decodeNonce(reply.Nonce)
	if err != nil {
		return nil, err
	}
	keys, err := agree(ephemeralPrivate, reply.X25519PublicKey, nonce, responderNonce, suite)
	if err != nil {
		return nil, err
	}

	channel, err := NewChannel(suite, keys.InitiatorToResponder, keys.ResponderToInitiator, ChannelOptions{
		RekeyAfterBytes: opts.RekeyAfterBytes,
		RekeyInterval:   opts.RekeyInterval,
	})
	if err != nil {
		return nil, err
	}

	opts.Logger.WithFields(logrus.Fields{
		"peer":  peer.DeviceID,
		"addr":  raw.RemoteAddr().String(),
		"suite": suite,
	}).Debug("outbound channel established")
	return newConn(raw, channel, peer), nil
}

// ServerHandshake runs the responder side over an accepted stream.
func ServerHandshake(ctx context.Context, raw net.Conn, options HandshakeOptions) (*Conn, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	release := bindDeadline(ctx, raw, opts.HandshakeTimeout)
	defer release()

	initPayload, err := ReadHandshakeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("read handshake init: %w", err)
	}
	msgType, err := decodeMessageType(initPayload)
	if err != nil {
		return nil, err
	}
	if msgType != TypeHandshakeInit {
		err := fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHandshakeInit, msgType)
		refuse(raw, err)
		return nil, err
	}

	var init HandshakeInit
	if err := json.Unmarshal(initPayload, &init); err != nil {
		err = fmt.Errorf("%w: decode handshake init: %v", ErrMalformedMessage, err)
		refuse(raw, err)
		return nil, err
	}
	if init.ProtocolVersion != ProtocolVersion {
		refuse(raw, ErrUnsupportedVersion)
		return nil, fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, init.ProtocolVersion, ProtocolVersion)
	}
	peer, err := peerIdentityFrom(init.DeviceID, init.DeviceName, init.Ed25519PublicKey)
	if err != nil {
		refuse(raw, err)
		return nil, err
	}
	if err := opts.Trust.Check(peer); err != nil {
		refuse(raw, err)
		return nil, err
	}
	suite, ok := crypto.NegotiateSuite(opts.Suites, init.CipherSuites)
	if !ok {
		refuse(raw, ErrNoCommonSuite)
		return nil, ErrNoCommonSuite
	}
	initiatorNonce, err := decodeNonce(init.Nonce)
	if err != nil {
		refuse(raw, err)
		return nil, err
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return nil, err
	}
	nonce, err := randomNonce()
	if err != nil {
		return nil, err
	}

	reply := HandshakeReply{
		Type:             TypeHandshakeReply,
		ProtocolVersion:  ProtocolVersion,
		DeviceID:         opts.Identity.DeviceID,
		DeviceName:       opts.Identity.DisplayName,
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(opts.Identity.PublicKey),
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublic.Bytes()),
		Nonce:            base64.StdEncoding.EncodeToString(nonce),
		CipherSuite:      string(suite),
	}
	unsignedReply, err := unsignedReplyBytes(reply)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(opts.Identity.PrivateKey, crypto.TranscriptHash([]byte(replyLabel), initPayload, unsignedReply))
	if err != nil {
		return nil, fmt.Errorf("sign handshake reply: %w", err)
	}
	reply.Signature = base64.StdEncoding.EncodeToString(signature)
	replyPayload, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake reply: %w", err)
	}
	if err := WriteFrame(raw, replyPayload); err != nil {
		return nil, fmt.Errorf("write handshake reply: %w", err)
	}

	finishPayload, err := ReadHandshakeFrame(raw)
	if err != nil {
		return nil, fmt.Errorf("read handshake finish: %w", err)
	}
	var finish HandshakeFinish
	if err := json.Unmarshal(finishPayload, &finish); err != nil {
		return nil, fmt.Errorf("%w: decode handshake finish: %v", ErrMalformedMessage, err)
	}
	if finish.Type != TypeHandshakeFinish {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHandshakeFinish, finish.Type)
	}
	finishSignature, err := base64.StdEncoding.DecodeString(finish.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: decode finish signature: %v", ErrMalformedMessage, err)
	}
	if !crypto.Verify(peer.PublicKey, crypto.TranscriptHash([]byte(finishLabel), initPayload, unsignedReply), finishSignature) {
		return nil, ErrInvalidSignature
	}

	if err := opts.Trust.Pin(peer); err != nil {
		return nil, fmt.Errorf("pin peer %s: %w", peer.DeviceID, err)
	}

	keys, err := agree(ephemeralPrivate, init.X25519PublicKey, initiatorNonce, nonce, suite)
	if err != nil {
		return nil, err
	}
	channel, err := NewChannel(suite, keys.ResponderToInitiator, keys.InitiatorToResponder, ChannelOptions{
		RekeyAfterBytes: opts.RekeyAfterBytes,
		RekeyInterval:   opts.RekeyInterval,
	})
	if err != nil {
		return nil, err
	}

	opts.Logger.WithFields(logrus.Fields{
		"peer":  peer.DeviceID,
		"addr":  raw.RemoteAddr().String(),
		"suite": suite,
	}).Debug("inbound channel established")
	return newConn(raw, channel, peer), nil
}

func peerIdentityFrom(deviceID, deviceName, publicKeyBase64 string) (models.PeerIdentity, error) {
	publicKeyBytes, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil {
		return models.PeerIdentity{}, fmt.Errorf("%w: decode Ed25519 public key: %v", ErrMalformedMessage, err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return models.PeerIdentity{}, fmt.Errorf("%w: invalid Ed25519 public key length", ErrMalformedMessage)
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)
	if !crypto.MatchesFingerprint(deviceID, publicKey) {
		return models.PeerIdentity{}, ErrIdentityMismatch
	}
	return models.PeerIdentity{
		DeviceID:    deviceID,
		DisplayName: deviceName,
		PublicKey:   publicKey,
	}, nil
}

func unsignedReplyBytes(reply HandshakeReply) ([]byte, error) {
	reply.Signature = ""
	payload, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake signable payload: %w", err)
	}
	return payload, nil
}

func agree(local *ecdh.PrivateKey, peerPublicBase64 string, initiatorNonce, responderNonce []byte, suite crypto.Suite) (crypto.ChannelKeys, error) {
	peerPublicRaw, err := base64.StdEncoding.DecodeString(peerPublicBase64)
	if err != nil {
		return crypto.ChannelKeys{}, fmt.Errorf("%w: decode peer ephemeral key: %v", ErrMalformedMessage, err)
	}
	peerPublic, err := crypto.ParseX25519PublicKey(peerPublicRaw)
	if err != nil {
		return crypto.ChannelKeys{}, err
	}
	shared, err := crypto.ComputeX25519SharedSecret(local, peerPublic)
	if err != nil {
		return crypto.ChannelKeys{}, err
	}

	salt := make([]byte, 0, len(initiatorNonce)+len(responderNonce))
	salt = append(salt, initiatorNonce...)
	salt = append(salt, responderNonce...)
	return crypto.DeriveChannelKeys(shared, salt, channelInfoPrefix+string(suite))
}

func decodeMessageType(payload []byte) (string, error) {
	var envelope typedMessage
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("%w: decode message type: %v", ErrMalformedMessage, err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

func decodeNonce(encoded string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode handshake nonce: %v", ErrMalformedMessage, err)
	}
	if len(nonce) != handshakeNonceSize {
		return nil, fmt.Errorf("%w: invalid handshake nonce length: got %d want %d", ErrMalformedMessage, len(nonce), handshakeNonceSize)
	}
	return nonce, nil
}

func randomNonce() ([]byte, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return nonce, nil
}

// refuse tells the initiator why the handshake stopped. Best effort.
func refuse(conn net.Conn, reason error) {
	payload, err := json.Marshal(HandshakeError{
		Type:    TypeHandshakeError,
		Code:    handshakeErrorCode(reason),
		Message: reason.Error(),
	})
	if err != nil {
		return
	}
	_ = WriteFrame(conn, payload)
}

// bindDeadline bounds the handshake by timeout and aborts blocked I/O when ctx ends.
func bindDeadline(ctx context.Context, conn net.Conn, timeout time.Duration) func() {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() {
		stop()
		_ = conn.SetDeadline(time.Time{})
	}
}
