package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// PinPeer stores a peer identity, replacing an existing pin for the same device id.
// A replaced key is recorded as a trusted key rotation.
func (s *Store) PinPeer(peer TrustedPeer) error {
	if peer.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if peer.DeviceName == "" {
		peer.DeviceName = peer.DeviceID
	}
	if peer.Ed25519PublicKey == "" {
		return errors.New("ed25519_public_key is required")
	}
	if peer.KeyFingerprint == "" {
		return errors.New("key_fingerprint is required")
	}
	if peer.PairedAt == 0 {
		peer.PairedAt = nowUnixMilli()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin pin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var oldFingerprint string
	err = tx.QueryRow(`SELECT key_fingerprint FROM trusted_peers WHERE device_id = ?`, peer.DeviceID).Scan(&oldFingerprint)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup pinned peer %q: %w", peer.DeviceID, err)
	}

	_, err = tx.Exec(
		`INSERT INTO trusted_peers (
			device_id,
			device_name,
			ed25519_public_key,
			key_fingerprint,
			paired_at,
			last_seen_timestamp,
			paired
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			ed25519_public_key = excluded.ed25519_public_key,
			key_fingerprint = excluded.key_fingerprint,
			paired_at = excluded.paired_at,
			last_seen_timestamp = excluded.last_seen_timestamp,
			paired = excluded.paired`,
		peer.DeviceID,
		peer.DeviceName,
		peer.Ed25519PublicKey,
		peer.KeyFingerprint,
		peer.PairedAt,
		nullInt64(peer.LastSeenTimestamp),
		peer.Paired,
	)
	if err != nil {
		return fmt.Errorf("pin peer %q: %w", peer.DeviceID, err)
	}

	if oldFingerprint != "" && oldFingerprint != peer.KeyFingerprint {
		if _, err := tx.Exec(
			`INSERT INTO key_rotation_events (peer_device_id, old_key_fingerprint, new_key_fingerprint, decision, timestamp)
			VALUES (?, ?, ?, ?, ?)`,
			peer.DeviceID, oldFingerprint, peer.KeyFingerprint, KeyRotationDecisionTrusted, nowUnixMilli(),
		); err != nil {
			return fmt.Errorf("record key rotation for %q: %w", peer.DeviceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pin transaction: %w", err)
	}
	return nil
}

// GetTrustedPeer fetches a pinned peer by device ID.
func (s *Store) GetTrustedPeer(deviceID string) (*TrustedPeer, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, ed25519_public_key, key_fingerprint, paired_at, last_seen_timestamp, paired
		FROM trusted_peers
		WHERE device_id = ?`,
		deviceID,
	)

	peer, err := scanTrustedPeer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trusted peer %q: %w", deviceID, err)
	}
	return peer, nil
}

// ListTrustedPeers returns all pins sorted by device name.
func (s *Store) ListTrustedPeers() ([]TrustedPeer, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, ed25519_public_key, key_fingerprint, paired_at, last_seen_timestamp, paired
		FROM trusted_peers
		ORDER BY device_name, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list trusted peers: %w", err)
	}
	defer rows.Close()

	peers := make([]TrustedPeer, 0)
	for rows.Next() {
		peer, err := scanTrustedPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trusted peer row: %w", err)
		}
		peers = append(peers, *peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trusted peers: %w", err)
	}
	return peers, nil
}

// TouchTrustedPeer records that the peer completed a session.
func (s *Store) TouchTrustedPeer(deviceID string, lastSeenTimestamp int64) error {
	result, err := s.db.Exec(
		`UPDATE trusted_peers SET last_seen_timestamp = ? WHERE device_id = ?`,
		lastSeenTimestamp, deviceID,
	)
	if err != nil {
		return fmt.Errorf("touch trusted peer %q: %w", deviceID, err)
	}
	return requireAffected(result, deviceID)
}

// RemoveTrustedPeer forgets a pin; the next session needs pairing or first-use trust again.
func (s *Store) RemoveTrustedPeer(deviceID string) error {
	result, err := s.db.Exec(`DELETE FROM trusted_peers WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove trusted peer %q: %w", deviceID, err)
	}
	return requireAffected(result, deviceID)
}

// RecordKeyRotationEvent stores a trust decision about a changed key.
func (s *Store) RecordKeyRotationEvent(event KeyRotationEvent) error {
	if err := validateKeyRotationDecision(event.Decision); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	if _, err := s.db.Exec(
		`INSERT INTO key_rotation_events (peer_device_id, old_key_fingerprint, new_key_fingerprint, decision, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.PeerDeviceID, event.OldKeyFingerprint, event.NewKeyFingerprint, event.Decision, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert key rotation event for %q: %w", event.PeerDeviceID, err)
	}
	return nil
}

// GetRecentKeyRotationEvents returns the newest rotation decisions for a peer.
func (s *Store) GetRecentKeyRotationEvents(peerDeviceID string, limit int) ([]KeyRotationEvent, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.Query(
		`SELECT id, peer_device_id, old_key_fingerprint, new_key_fingerprint, decision, timestamp
		FROM key_rotation_events
		WHERE peer_device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		peerDeviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list key rotation events: %w", err)
	}
	defer rows.Close()

	events := make([]KeyRotationEvent, 0)
	for rows.Next() {
		var event KeyRotationEvent
		if err := rows.Scan(
			&event.ID,
			&event.PeerDeviceID,
			&event.OldKeyFingerprint,
			&event.NewKeyFingerprint,
			&event.Decision,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan key rotation event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate key rotation events: %w", err)
	}
	return events, nil
}

func scanTrustedPeer(row scanner) (*TrustedPeer, error) {
	var (
		peer     TrustedPeer
		lastSeen sql.NullInt64
	)
	if err := row.Scan(
		&peer.DeviceID,
		&peer.DeviceName,
		&peer.Ed25519PublicKey,
		&peer.KeyFingerprint,
		&peer.PairedAt,
		&lastSeen,
		&peer.Paired,
	); err != nil {
		return nil, err
	}
	peer.LastSeenTimestamp = int64Ptr(lastSeen)
	return &peer, nil
}

func requireAffected(result sql.Result, deviceID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %q: %w", deviceID, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
