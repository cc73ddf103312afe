package pairing

import (
	"crypto/hmac"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/group"

	"voidwarp/crypto"
)

// SPAKE2 over P-256. M and N come from hash-to-curve so nobody knows their
// discrete logs.
const spakeDST = "voidwarp-spake2-p256-v1-"

var (
	spakeGroup = group.P256
	pointM     = spakeGroup.HashToElement([]byte("M"), []byte(spakeDST+"M"))
	pointN     = spakeGroup.HashToElement([]byte("N"), []byte(spakeDST+"N"))
)

var errBadElement = errors.New("pairing: invalid group element")

type role int

const (
	roleInitiator role = iota
	roleResponder
)

// spakeState is one side's ephemeral PAKE material.
type spakeState struct {
	role    role
	w       group.Scalar
	secret  group.Scalar
	message []byte
}

func passwordScalar(code string) group.Scalar {
	return spakeGroup.HashToScalar([]byte(code), []byte(spakeDST+"w"))
}

func newSPAKE(r role, code string) (*spakeState, error) {
	w := passwordScalar(code)
	secret := spakeGroup.RandomNonZeroScalar(rand.Reader)

	blind := pointM
	if r == roleResponder {
		blind = pointN
	}
	public := spakeGroup.NewElement().MulGen(secret)
	masked := spakeGroup.NewElement().Mul(blind, w)
	public = spakeGroup.NewElement().Add(public, masked)

	message, err := public.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode PAKE message: %w", err)
	}
	return &spakeState{role: r, w: w, secret: secret, message: message}, nil
}

// sharedPoint unblinds the peer's message and multiplies by our secret.
func (s *spakeState) sharedPoint(peerMessage []byte) ([]byte, error) {
	peer := spakeGroup.NewElement()
	if err := peer.UnmarshalBinary(peerMessage); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadElement, err)
	}
	if peer.IsIdentity() {
		return nil, errBadElement
	}

	peerBlind := pointN
	if s.role == roleResponder {
		peerBlind = pointM
	}
	unmask := spakeGroup.NewElement().Mul(peerBlind, s.w)
	unmask = spakeGroup.NewElement().Neg(unmask)
	unblinded := spakeGroup.NewElement().Add(peer, unmask)
	shared := spakeGroup.NewElement().Mul(unblinded, s.secret)
	if shared.IsIdentity() {
		return nil, errBadElement
	}
	return shared.MarshalBinary()
}

func (s *spakeState) passwordBytes() ([]byte, error) {
	return s.w.MarshalBinary()
}

func (s *spakeState) wipe() {
	if s == nil {
		return
	}
	s.secret.SetUint64(0)
	s.w.SetUint64(0)
	clear(s.message)
}

// sessionKeys is the key schedule derived from one completed exchange.
type sessionKeys struct {
	transcript       []byte
	confirmInitiator []byte
	confirmResponder []byte
	sealInitiator    []byte
	sealResponder    []byte
}

func deriveSessionKeys(initiatorID, responderID string, initiatorMsg, responderMsg, shared, password []byte) (sessionKeys, error) {
	transcript := crypto.TranscriptHash(
		[]byte("voidwarp/pair/v1"),
		[]byte(initiatorID),
		[]byte(responderID),
		initiatorMsg,
		responderMsg,
		shared,
		password,
	)

	okm, err := crypto.Expand(transcript, nil, "voidwarp/pair/keys", 4*crypto.KeySize)
	if err != nil {
		return sessionKeys{}, err
	}
	return sessionKeys{
		transcript:       transcript,
		confirmInitiator: okm[0:crypto.KeySize],
		confirmResponder: okm[crypto.KeySize : 2*crypto.KeySize],
		sealInitiator:    okm[2*crypto.KeySize : 3*crypto.KeySize],
		sealResponder:    okm[3*crypto.KeySize:],
	}, nil
}

func (k sessionKeys) confirmation(key []byte) []byte {
	mac := hmac.New(crypto.NewHash, key)
	mac.Write(k.transcript)
	return mac.Sum(nil)
}

func (k sessionKeys) verifyConfirmation(key, got []byte) bool {
	return hmac.Equal(k.confirmation(key), got)
}

func (k *sessionKeys) wipe() {
	clear(k.confirmInitiator)
	clear(k.confirmResponder)
	clear(k.sealInitiator)
	clear(k.sealResponder)
}

// seal encrypts one message under a single-use key, so a zero nonce is safe.
func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := crypto.NewAEAD(crypto.SuiteChaCha20Poly1305, key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, make([]byte, aead.NonceSize()), plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	aead, err := crypto.NewAEAD(crypto.SuiteChaCha20Poly1305, key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, make([]byte, aead.NonceSize()), ciphertext, nil)
}
