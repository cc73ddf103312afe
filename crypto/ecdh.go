package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the symmetric key length used by every channel suite.
const KeySize = 32

var x25519Curve = ecdh.X25519()

// GenerateEphemeralX25519KeyPair creates a fresh per-session X25519 keypair.
func GenerateEphemeralX25519KeyPair() (*ecdh.PrivateKey, *ecdh.PublicKey, error) {
	privateKey, err := x25519Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate X25519 ephemeral key: %w", err)
	}
	return privateKey, privateKey.PublicKey(), nil
}

// ParseX25519PublicKey validates raw peer key bytes.
func ParseX25519PublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := x25519Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse X25519 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeX25519SharedSecret runs the X25519 agreement.
func ComputeX25519SharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	if privateKey == nil || peerPublicKey == nil {
		return nil, errors.New("X25519 keys are required")
	}
	secret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

// ChannelKeys holds the directional keys of one secure channel.
type ChannelKeys struct {
	InitiatorToResponder []byte
	ResponderToInitiator []byte
}

// DeriveChannelKeys expands an ECDH secret into two directional keys.
func DeriveChannelKeys(sharedSecret, salt []byte, info string) (ChannelKeys, error) {
	if len(sharedSecret) == 0 {
		return ChannelKeys{}, errors.New("shared secret is required")
	}

	okm, err := Expand(sharedSecret, salt, info, 2*KeySize)
	if err != nil {
		return ChannelKeys{}, err
	}
	return ChannelKeys{
		InitiatorToResponder: okm[:KeySize],
		ResponderToInitiator: okm[KeySize:],
	}, nil
}

// RatchetKey derives the next key of a one-way key chain.
func RatchetKey(current []byte) ([]byte, error) {
	if len(current) != KeySize {
		return nil, fmt.Errorf("invalid ratchet key length: got %d want %d", len(current), KeySize)
	}
	return Expand(current, nil, "voidwarp/rekey", KeySize)
}

// Expand runs HKDF-SHA256 and reads length bytes.
func Expand(secret, salt []byte, info string, length int) ([]byte, error) {
	out := make([]byte, length)
	reader := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return out, nil
}
