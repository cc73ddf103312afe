// Package pairing bootstraps trust between two devices from a short code
// read off one screen and typed into the other.
package pairing

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"voidwarp/crypto"
	"voidwarp/logging"
	"voidwarp/models"
	"voidwarp/network"
	"voidwarp/storage"
)

// DefaultTimeout bounds a whole pairing exchange.
const DefaultTimeout = 30 * time.Second

var (
	// ErrMismatch covers a wrong, expired or already used code and a failed key confirmation.
	ErrMismatch = errors.New("pairing: code mismatch")
	// ErrTimeout means the peer did not answer within the pairing window.
	ErrTimeout = errors.New("pairing: timed out")
	// ErrInvalidCode rejects input that is not six digits.
	ErrInvalidCode = errors.New("pairing: invalid short code")
	// ErrNoKeyPaths means ResetIdentity has nowhere to persist a new keypair.
	ErrNoKeyPaths = errors.New("pairing: identity key paths not configured")
)

const (
	typePairStart    = "pair_start"
	typePairReply    = "pair_reply"
	typePairConfirm  = "pair_confirm"
	typePairIdentity = "pair_identity"
	typePairError    = "pair_error"

	errorCodeMismatch = "mismatch"
	errorCodeInvalid  = "invalid"
)

// PeerPinner persists a peer that completed pairing.
type PeerPinner interface {
	PinPeer(peer storage.TrustedPeer) error
}

// Options configures an Authority.
type Options struct {
	Identity       models.DeviceIdentity
	PrivateKeyPath string
	PublicKeyPath  string
	Pins           PeerPinner
	Timeout        time.Duration
	CodeTTL        time.Duration
	Logger         *logrus.Entry
	Now            func() time.Time
}

// Authority owns the device identity and runs short-code pairing.
type Authority struct {
	opts Options
	log  *logrus.Entry

	mu       sync.Mutex
	identity models.DeviceIdentity
	code     *ShortCode
}

type pairMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"`
	Element  []byte `json:"element,omitempty"`
	Confirm  []byte `json:"confirm,omitempty"`
	Sealed   []byte `json:"sealed,omitempty"`
	Code     string `json:"code,omitempty"`
}

type identityBlob struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	PublicKey  []byte `json:"public_key"`
	Signature  []byte `json:"signature"`
}

// New validates the identity and returns an Authority.
func New(opts Options) (*Authority, error) {
	id := opts.Identity
	if len(id.PrivateKey) != ed25519.PrivateKeySize || len(id.PublicKey) != ed25519.PublicKeySize {
		return nil, errors.New("pairing: identity keypair is required")
	}
	if !crypto.MatchesFingerprint(id.DeviceID, id.PublicKey) {
		return nil, errors.New("pairing: device id does not match public key")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = DefaultCodeTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authority{
		opts:     opts,
		log:      logging.OrDefault(opts.Logger, "pairing"),
		identity: id,
	}, nil
}

// Identity returns the current device identity.
func (a *Authority) Identity() models.DeviceIdentity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity
}

// GenerateShortCode issues a fresh code, replacing any unused one.
func (a *Authority) GenerateShortCode() (ShortCode, error) {
	code, err := newShortCode(a.opts.Now(), a.opts.CodeTTL)
	if err != nil {
		return ShortCode{}, err
	}
	a.mu.Lock()
	a.code = &code
	a.mu.Unlock()
	a.log.WithField("expires", code.ExpiresAt.Format(time.RFC3339)).Info("Generated pairing code")
	return code, nil
}

// takeCode consumes the pending code. Any attempt uses it up.
func (a *Authority) takeCode() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	code := a.code
	a.code = nil
	if code == nil || code.Expired(a.opts.Now()) {
		return "", ErrMismatch
	}
	return code.Digits, nil
}

// ResetIdentity replaces the keypair on disk and in memory.
func (a *Authority) ResetIdentity() (models.DeviceIdentity, error) {
	if a.opts.PrivateKeyPath == "" || a.opts.PublicKeyPath == "" {
		return models.DeviceIdentity{}, ErrNoKeyPaths
	}
	privateKey, publicKey, err := crypto.ResetEd25519KeyPair(a.opts.PrivateKeyPath, a.opts.PublicKeyPath)
	if err != nil {
		return models.DeviceIdentity{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.identity = models.DeviceIdentity{
		DeviceID:    crypto.KeyFingerprint(publicKey),
		DisplayName: a.identity.DisplayName,
		PrivateKey:  privateKey,
		PublicKey:   publicKey,
	}
	a.code = nil
	a.log.WithField("device_id", a.identity.DeviceID).Warn("Device identity reset")
	return a.identity, nil
}

// Pair connects to a listening peer and runs the exchange with code.
func (a *Authority) Pair(ctx context.Context, address, code string) (models.PeerIdentity, error) {
	digits, err := NormalizeCode(code)
	if err != nil {
		return models.PeerIdentity{}, err
	}

	dialer := net.Dialer{Timeout: a.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return models.PeerIdentity{}, fmt.Errorf("dial pairing peer %s: %w", address, err)
	}
	defer conn.Close()

	release := bindDeadline(ctx, conn, a.opts.Timeout)
	defer release()

	peer, err := a.initiate(conn, digits)
	if err != nil {
		err = a.classify(ctx, err)
		a.log.WithFields(logrus.Fields{"addr": address, "error": err}).Warn("Pairing failed")
		return models.PeerIdentity{}, err
	}
	a.log.WithFields(logrus.Fields{"addr": address, "peer": peer.DeviceID}).Info("Paired with peer")
	return peer, nil
}

// Listen binds address and serves one pairing attempt with the pending code.
func (a *Authority) Listen(ctx context.Context, address string) (models.PeerIdentity, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return models.PeerIdentity{}, fmt.Errorf("listen for pairing on %s: %w", address, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts one connection from ln and answers it. ln is closed on return.
func (a *Authority) Serve(ctx context.Context, ln net.Listener) (models.PeerIdentity, error) {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return models.PeerIdentity{}, ctx.Err()
		}
		return models.PeerIdentity{}, fmt.Errorf("accept pairing connection: %w", err)
	}
	defer conn.Close()

	release := bindDeadline(ctx, conn, a.opts.Timeout)
	defer release()

	peer, err := a.respond(conn)
	if err != nil {
		err = a.classify(ctx, err)
		a.log.WithFields(logrus.Fields{"addr": conn.RemoteAddr().String(), "error": err}).Warn("Pairing failed")
		return models.PeerIdentity{}, err
	}
	a.log.WithFields(logrus.Fields{"addr": conn.RemoteAddr().String(), "peer": peer.DeviceID}).Info("Paired with peer")
	return peer, nil
}

func (a *Authority) initiate(conn net.Conn, code string) (models.PeerIdentity, error) {
	self := a.Identity()

	state, err := newSPAKE(roleInitiator, code)
	if err != nil {
		return models.PeerIdentity{}, err
	}
	defer state.wipe()
	initiatorMsg := append([]byte(nil), state.message...)

	if err := writeMessage(conn, pairMessage{Type: typePairStart, DeviceID: self.DeviceID, Element: initiatorMsg}); err != nil {
		return models.PeerIdentity{}, err
	}

	reply, err := readMessage(conn, typePairReply)
	if err != nil {
		return models.PeerIdentity{}, err
	}

	keys, err := a.schedule(state, self.DeviceID, reply.DeviceID, initiatorMsg, reply.Element)
	if err != nil {
		sendError(conn, errorCodeInvalid)
		return models.PeerIdentity{}, err
	}
	defer keys.wipe()

	if !keys.verifyConfirmation(keys.confirmResponder, reply.Confirm) {
		sendError(conn, errorCodeMismatch)
		return models.PeerIdentity{}, ErrMismatch
	}

	sealed, err := sealIdentity(self, keys.transcript, keys.sealInitiator)
	if err != nil {
		return models.PeerIdentity{}, err
	}
	if err := writeMessage(conn, pairMessage{
		Type:    typePairConfirm,
		Confirm: keys.confirmation(keys.confirmInitiator),
		Sealed:  sealed,
	}); err != nil {
		return models.PeerIdentity{}, err
	}

	final, err := readMessage(conn, typePairIdentity)
	if err != nil {
		return models.PeerIdentity{}, err
	}
	peer, err := openIdentity(final.Sealed, keys.transcript, keys.sealResponder, reply.DeviceID)
	if err != nil {
		return models.PeerIdentity{}, err
	}
	return peer, a.pin(peer)
}

func (a *Authority) respond(conn net.Conn) (models.PeerIdentity, error) {
	self := a.Identity()

	start, err := readMessage(conn, typePairStart)
	if err != nil {
		return models.PeerIdentity{}, err
	}
	code, err := a.takeCode()
	if err != nil {
		sendError(conn, errorCodeMismatch)
		return models.PeerIdentity{}, err
	}

	state, err := newSPAKE(roleResponder, code)
	if err != nil {
		return models.PeerIdentity{}, err
	}
	defer state.wipe()
	responderMsg := append([]byte(nil), state.message...)

	keys, err := a.schedule(state, start.DeviceID, self.DeviceID, start.Element, responderMsg)
	if err != nil {
		sendError(conn, errorCodeInvalid)
		return models.PeerIdentity{}, err
	}
	defer keys.wipe()

	if err := writeMessage(conn, pairMessage{
		Type:     typePairReply,
		DeviceID: self.DeviceID,
		Element:  responderMsg,
		Confirm:  keys.confirmation(keys.confirmResponder),
	}); err != nil {
		return models.PeerIdentity{}, err
	}

	confirm, err := readMessage(conn, typePairConfirm)
	if err != nil {
		return models.PeerIdentity{}, err
	}
	if !keys.verifyConfirmation(keys.confirmInitiator, confirm.Confirm) {
		sendError(conn, errorCodeMismatch)
		return models.PeerIdentity{}, ErrMismatch
	}
	peer, err := openIdentity(confirm.Sealed, keys.transcript, keys.sealInitiator, start.DeviceID)
	if err != nil {
		sendError(conn, errorCodeInvalid)
		return models.PeerIdentity{}, err
	}

	sealed, err := sealIdentity(self, keys.transcript, keys.sealResponder)
	if err != nil {
		return models.PeerIdentity{}, err
	}
	if err := writeMessage(conn, pairMessage{Type: typePairIdentity, Sealed: sealed}); err != nil {
		return models.PeerIdentity{}, err
	}
	return peer, a.pin(peer)
}

func (a *Authority) schedule(state *spakeState, initiatorID, responderID string, initiatorMsg, responderMsg []byte) (*sessionKeys, error) {
	if initiatorID == "" || responderID == "" {
		return nil, fmt.Errorf("%w: missing device id", network.ErrMalformedMessage)
	}
	peerMsg := responderMsg
	if state.role == roleResponder {
		peerMsg = initiatorMsg
	}
	shared, err := state.sharedPoint(peerMsg)
	if err != nil {
		return nil, err
	}
	defer clear(shared)
	password, err := state.passwordBytes()
	if err != nil {
		return nil, err
	}
	defer clear(password)

	keys, err := deriveSessionKeys(initiatorID, responderID, initiatorMsg, responderMsg, shared, password)
	if err != nil {
		return nil, err
	}
	return &keys, nil
}

func (a *Authority) pin(peer models.PeerIdentity) error {
	if a.opts.Pins == nil {
		return nil
	}
	if err := a.opts.Pins.PinPeer(storage.PairedPeerFor(peer, a.opts.Now())); err != nil {
		return fmt.Errorf("pin paired peer %s: %w", peer.DeviceID, err)
	}
	return nil
}

// classify folds deadline expiry into ErrTimeout. Cancellation stays visible.
func (a *Authority) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if network.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

func sealIdentity(self models.DeviceIdentity, transcript, key []byte) ([]byte, error) {
	signature, err := crypto.Sign(self.PrivateKey, transcript)
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(identityBlob{
		DeviceID:   self.DeviceID,
		DeviceName: self.DisplayName,
		PublicKey:  self.PublicKey,
		Signature:  signature,
	})
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	return seal(key, plaintext)
}

func openIdentity(sealed, transcript, key []byte, claimedID string) (models.PeerIdentity, error) {
	plaintext, err := open(key, sealed)
	if err != nil {
		return models.PeerIdentity{}, ErrMismatch
	}
	var blob identityBlob
	if err := json.Unmarshal(plaintext, &blob); err != nil {
		return models.PeerIdentity{}, fmt.Errorf("%w: decode identity: %v", network.ErrMalformedMessage, err)
	}
	publicKey := ed25519.PublicKey(blob.PublicKey)
	if blob.DeviceID != claimedID || !crypto.MatchesFingerprint(blob.DeviceID, publicKey) {
		return models.PeerIdentity{}, network.ErrIdentityMismatch
	}
	if !crypto.Verify(publicKey, transcript, blob.Signature) {
		return models.PeerIdentity{}, network.ErrInvalidSignature
	}
	return models.PeerIdentity{
		DeviceID:    blob.DeviceID,
		DisplayName: blob.DeviceName,
		PublicKey:   publicKey,
	}, nil
}

func writeMessage(conn net.Conn, msg pairMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return network.WriteFrame(conn, payload)
}

func readMessage(conn net.Conn, want string) (pairMessage, error) {
	payload, err := network.ReadHandshakeFrame(conn)
	if err != nil {
		return pairMessage{}, err
	}
	var msg pairMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return pairMessage{}, fmt.Errorf("%w: %v", network.ErrMalformedMessage, err)
	}
	switch msg.Type {
	case want:
		return msg, nil
	case typePairError:
		if msg.Code == errorCodeMismatch {
			return pairMessage{}, ErrMismatch
		}
		return pairMessage{}, fmt.Errorf("pairing refused by peer: %s", msg.Code)
	default:
		return pairMessage{}, fmt.Errorf("%w: got %q want %q", network.ErrInvalidMessageType, msg.Type, want)
	}
}

func sendError(conn net.Conn, code string) {
	_ = writeMessage(conn, pairMessage{Type: typePairError, Code: code})
}

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
