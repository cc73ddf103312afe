package models

import "crypto/ed25519"

// DeviceIdentity is this device's long-term identity. The private key never leaves the device.
type DeviceIdentity struct {
	DeviceID    string
	DisplayName string
	PrivateKey  ed25519.PrivateKey
	PublicKey   ed25519.PublicKey
}

// Public strips the private key.
func (d DeviceIdentity) Public() PeerIdentity {
	return PeerIdentity{
		DeviceID:    d.DeviceID,
		DisplayName: d.DisplayName,
		PublicKey:   d.PublicKey,
	}
}

// PeerIdentity is the public half of a remote device's identity.
type PeerIdentity struct {
	DeviceID    string
	DisplayName string
	PublicKey   ed25519.PublicKey
}
