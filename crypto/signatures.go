package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"
)

// Sign signs data using an Ed25519 private key.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	return ed25519.Sign(privateKey, data), nil
}

// Verify verifies an Ed25519 signature. Malformed inputs verify as false.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	switch {
	case len(publicKey) != ed25519.PublicKeySize:
		return false
	case len(data) == 0:
		return false
	case len(signature) != ed25519.SignatureSize:
		return false
	}
	return ed25519.Verify(publicKey, data, signature)
}

// TranscriptHash digests length-prefixed parts so that field boundaries are unambiguous.
func TranscriptHash(parts ...[]byte) []byte {
	hasher := NewHash()
	var length [4]byte
	for _, part := range parts {
		n := len(part)
		length[0] = byte(n >> 24)
		length[1] = byte(n >> 16)
		length[2] = byte(n >> 8)
		length[3] = byte(n)
		hasher.Write(length[:])
		hasher.Write(part)
	}
	return hasher.Sum(nil)
}
