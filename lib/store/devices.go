// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/gatehouse-project/gatehouse/lib/auth"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// Device lifecycle errors.
var (
	ErrDeviceExists   = errors.New("device already paired")
	ErrDeviceNotFound = errors.New("device not found")
)

// DeviceRecord is a paired device as stored, including the lifecycle
// timestamps the handshake itself never needs.
type DeviceRecord struct {
	DeviceID     string
	Role         wire.Role
	VerifyKey    []byte
	Approved     bool
	CreatedAt    time.Time
	ApprovedAt   time.Time // zero until first approved
	RevokedAt    time.Time // zero unless revoked
	RevokeReason string
}

// PairDevice registers a device in the unapproved state. The verify
// key is derived from the pairing secret; the secret itself is shown
// to the operator once and never stored.
func (s *Store) PairDevice(ctx context.Context, deviceID string, role wire.Role, verifyKey []byte) error {
	if !auth.ValidIdentifier(deviceID) {
		return fmt.Errorf("store: pair device: invalid device id %q", deviceID)
	}
	if !role.Valid() {
		return fmt.Errorf("store: pair device: unknown role %q", role)
	}
	if len(verifyKey) != auth.VerifyKeySize {
		return fmt.Errorf("store: pair device: verify key must be %d bytes, got %d", auth.VerifyKeySize, len(verifyKey))
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: pair device: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO devices (device_id, role, verify_key, approved, created_at)
		 VALUES (?, ?, ?, 0, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID, string(role), verifyKey, s.now().UnixMilli()},
		})
	if err != nil {
		return fmt.Errorf("store: pair device: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: pair device %s: %w", deviceID, ErrDeviceExists)
	}
	return nil
}

// ApproveDevice marks a paired device approved, clearing any earlier
// revocation.
func (s *Store) ApproveDevice(ctx context.Context, deviceID string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: approve device: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE devices SET approved = 1, approved_at = ?, revoked_at = NULL, revoke_reason = NULL
		 WHERE device_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.now().UnixMilli(), deviceID},
		})
	if err != nil {
		return fmt.Errorf("store: approve device: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: approve device %s: %w", deviceID, ErrDeviceNotFound)
	}
	return nil
}

// RevokeDevice withdraws a device's approval. Future handshakes are
// rejected; closing the device's live connections is the caller's
// responsibility.
func (s *Store) RevokeDevice(ctx context.Context, deviceID, reason string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: revoke device: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE devices SET approved = 0, revoked_at = ?, revoke_reason = ?
		 WHERE device_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{s.now().UnixMilli(), reason, deviceID},
		})
	if err != nil {
		return fmt.Errorf("store: revoke device: %w", err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("store: revoke device %s: %w", deviceID, ErrDeviceNotFound)
	}
	return nil
}

// GetDevice returns a device by id. The ok result distinguishes "not
// paired" from lookup failure.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (DeviceRecord, bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return DeviceRecord{}, false, fmt.Errorf("store: get device: %w", err)
	}
	defer s.pool.Put(conn)

	var record DeviceRecord
	var found bool
	err = sqlitex.Execute(conn,
		`SELECT device_id, role, verify_key, approved, created_at, approved_at, revoked_at, revoke_reason
		 FROM devices WHERE device_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{deviceID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record = scanDevice(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return DeviceRecord{}, false, fmt.Errorf("store: get device: %w", err)
	}
	return record, found, nil
}

// ListDevices returns all paired devices, oldest first.
func (s *Store) ListDevices(ctx context.Context) ([]DeviceRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer s.pool.Put(conn)

	var records []DeviceRecord
	err = sqlitex.Execute(conn,
		`SELECT device_id, role, verify_key, approved, created_at, approved_at, revoked_at, revoke_reason
		 FROM devices ORDER BY created_at, device_id`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, scanDevice(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	return records, nil
}

// AuthDevice implements auth.DeviceSource: the handshake's view of a
// paired device.
func (s *Store) AuthDevice(ctx context.Context, deviceID string) (auth.Device, bool, error) {
	record, ok, err := s.GetDevice(ctx, deviceID)
	if err != nil {
		return auth.Device{}, false, err
	}
	if !ok {
		return auth.Device{}, false, nil
	}
	return auth.Device{
		ID:        record.DeviceID,
		Role:      record.Role,
		VerifyKey: record.VerifyKey,
		Approved:  record.Approved,
	}, true, nil
}

func scanDevice(stmt *sqlite.Stmt) DeviceRecord {
	// Columns: device_id(0), role(1), verify_key(2), approved(3),
	// created_at(4), approved_at(5), revoked_at(6), revoke_reason(7)
	return DeviceRecord{
		DeviceID:     stmt.ColumnText(0),
		Role:         wire.Role(stmt.ColumnText(1)),
		VerifyKey:    blobColumn(stmt, 2),
		Approved:     stmt.ColumnInt(3) != 0,
		CreatedAt:    timeColumn(stmt, 4),
		ApprovedAt:   timeColumn(stmt, 5),
		RevokedAt:    timeColumn(stmt, 6),
		RevokeReason: stmt.ColumnText(7),
	}
}
