package storage

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"time"

	"voidwarp/crypto"
	"voidwarp/models"
)

// TrustedPeerFor builds the first-use pin row for an authenticated identity.
func TrustedPeerFor(peer models.PeerIdentity, pairedAt time.Time) TrustedPeer {
	seen := pairedAt.UnixMilli()
	return TrustedPeer{
		DeviceID:          peer.DeviceID,
		DeviceName:        peer.DisplayName,
		Ed25519PublicKey:  base64.StdEncoding.EncodeToString(peer.PublicKey),
		KeyFingerprint:    crypto.DigestHex(crypto.DigestBytes(peer.PublicKey)),
		PairedAt:          pairedAt.UnixMilli(),
		LastSeenTimestamp: &seen,
	}
}

// PairedPeerFor builds the pin row for a peer that completed pairing.
func PairedPeerFor(peer models.PeerIdentity, pairedAt time.Time) TrustedPeer {
	pin := TrustedPeerFor(peer, pairedAt)
	pin.Paired = true
	return pin
}

// PublicKey decodes the pinned Ed25519 key.
func (p TrustedPeer) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(p.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode pinned key for %q: %w", p.DeviceID, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("pinned key for %q has length %d", p.DeviceID, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Identity returns the pinned peer as a PeerIdentity.
func (p TrustedPeer) Identity() (models.PeerIdentity, error) {
	publicKey, err := p.PublicKey()
	if err != nil {
		return models.PeerIdentity{}, err
	}
	return models.PeerIdentity{
		DeviceID:    p.DeviceID,
		DisplayName: p.DeviceName,
		PublicKey:   publicKey,
	}, nil
}
