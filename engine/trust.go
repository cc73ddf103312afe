package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"voidwarp/crypto"
	"voidwarp/models"
	"voidwarp/network"
	"voidwarp/storage"
)

// storeTrust is the TOFU policy backed by the trust store. A pinned key that
// changes is refused and recorded; an unknown peer is admitted and pinned
// unless pairing is required.
type storeTrust struct {
	store          *storage.Store
	requirePairing bool
	now            func() time.Time
	log            *logrus.Entry
}

func (p *storeTrust) Check(peer models.PeerIdentity) error {
	pinned, err := p.store.GetTrustedPeer(peer.DeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		if p.requirePairing {
			return network.ErrUntrustedPeer
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up pin for %s: %w", peer.DeviceID, err)
	}

	key, err := pinned.PublicKey()
	if err != nil {
		return err
	}
	if key.Equal(peer.PublicKey) {
		return nil
	}

	event := storage.KeyRotationEvent{
		PeerDeviceID:      peer.DeviceID,
		OldKeyFingerprint: pinned.KeyFingerprint,
		NewKeyFingerprint: crypto.DigestHex(crypto.DigestBytes(peer.PublicKey)),
		Decision:          storage.KeyRotationDecisionRejected,
		Timestamp:         p.now().UnixMilli(),
	}
	if err := p.store.RecordKeyRotationEvent(event); err != nil {
		p.log.WithError(err).Warn("Could not record rejected key change")
	}
	p.log.WithField("peer", peer.DeviceID).Warn("Refusing peer whose key changed")
	return network.ErrKeyChanged
}

func (p *storeTrust) Pin(peer models.PeerIdentity) error {
	now := p.now()
	err := p.store.TouchTrustedPeer(peer.DeviceID, now.UnixMilli())
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	p.log.WithField("peer", peer.DeviceID).Info("Pinning peer on first use")
	return p.store.PinPeer(storage.TrustedPeerFor(peer, now))
}

func (p *storeTrust) pinned(deviceID string) bool {
	_, err := p.store.GetTrustedPeer(deviceID)
	return err == nil
}

func (p *storeTrust) paired(deviceID string) bool {
	pin, err := p.store.GetTrustedPeer(deviceID)
	return err == nil && pin.Paired
}
