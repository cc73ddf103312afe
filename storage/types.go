package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// KeyRotationDecisionTrusted means a presented replacement key was accepted.
	KeyRotationDecisionTrusted = "trusted"
	// KeyRotationDecisionRejected means a presented replacement key was rejected.
	KeyRotationDecisionRejected = "rejected"
)

// TrustedPeer is a pinned remote identity. Paired is set only for pins made
// by a completed pairing exchange, never for first-use pins.
type TrustedPeer struct {
	DeviceID          string
	DeviceName        string
	Ed25519PublicKey  string
	KeyFingerprint    string
	PairedAt          int64
	LastSeenTimestamp *int64
	Paired            bool
}

// KeyRotationEvent tracks one trust/reject decision for a peer key change.
type KeyRotationEvent struct {
	ID                int64
	PeerDeviceID      string
	OldKeyFingerprint string
	NewKeyFingerprint string
	Decision          string
	Timestamp         int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateKeyRotationDecision(decision string) error {
	switch decision {
	case KeyRotationDecisionTrusted, KeyRotationDecisionRejected:
		return nil
	default:
		return fmt.Errorf("invalid key rotation decision %q", decision)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	value := ni.Int64
	return &value
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
