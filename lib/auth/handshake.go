// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/gatehouse-project/gatehouse/lib/clock"
	"github.com/gatehouse-project/gatehouse/lib/wire"
)

// VerifyKeySize is the size of the derived per-device verification
// key.
const VerifyKeySize = 32

// DefaultReplayWindow bounds how far a handshake timestamp may drift
// from the gateway clock, and how long recorded nonces are retained.
const DefaultReplayWindow = 300 * time.Second

// hkdfInfoHandshake is the HKDF domain separator for handshake
// verification keys. Changing it invalidates every paired device.
var hkdfInfoHandshake = []byte("gatehouse/handshake/v1")

// authMessagePrefix versions the HMAC input format. The "|" separators
// make the message injective: no (deviceID, nonce, timestamp) triple
// can collide with another by shifting bytes between fields, because
// device ids and nonces are validated to never contain "|".
const authMessagePrefix = "gatehouse/connect/v1"

// DeriveVerifyKey derives the per-device verification key from a
// pairing secret. Both sides of the handshake run this: the gateway at
// pairing time (storing only the result), the client at connect time.
// The device id salts the derivation so two devices paired with the
// same secret still hold distinct keys.
func DeriveVerifyKey(pairingSecret []byte, deviceID string) ([]byte, error) {
	if len(pairingSecret) == 0 {
		return nil, errors.New("auth: pairing secret is empty")
	}
	if deviceID == "" {
		return nil, errors.New("auth: device id is empty")
	}
	reader := hkdf.New(sha256.New, pairingSecret, []byte(deviceID), hkdfInfoHandshake)
	key := make([]byte, VerifyKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("deriving verification key: %w", err)
	}
	return key, nil
}

// authMessage builds the canonical HMAC input for a handshake.
func authMessage(deviceID, nonce string, timestamp int64) []byte {
	return []byte(authMessagePrefix + "|" + deviceID + "|" + nonce + "|" + strconv.FormatInt(timestamp, 10))
}

// ComputeAuthToken computes the hex HMAC a client presents in its
// connect request.
func ComputeAuthToken(verifyKey []byte, deviceID, nonce string, timestamp int64) string {
	mac := hmac.New(sha256.New, verifyKey)
	mac.Write(authMessage(deviceID, nonce, timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAuthToken checks a presented auth token against the device's
// verification key in constant time.
func VerifyAuthToken(verifyKey []byte, deviceID, nonce string, timestamp int64, token string) error {
	if len(verifyKey) == 0 {
		return errors.New("auth: verification key is empty")
	}
	if token == "" {
		return errors.New("auth: token is empty")
	}

	tokenBytes, err := hex.DecodeString(token)
	if err != nil {
		return fmt.Errorf("auth: invalid hex token: %w", err)
	}

	mac := hmac.New(sha256.New, verifyKey)
	mac.Write(authMessage(deviceID, nonce, timestamp))
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(expected, tokenBytes) != 1 {
		return errors.New("auth: token mismatch")
	}
	return nil
}

// Device is the slice of a paired device the handshake needs.
type Device struct {
	ID        string
	Role      wire.Role
	VerifyKey []byte
	Approved  bool
}

// DeviceSource looks up paired devices. The ok result distinguishes
// "not paired" from lookup failure.
type DeviceSource interface {
	AuthDevice(ctx context.Context, deviceID string) (Device, bool, error)
}

// NonceRecorder persists nonces write-once per device. Record returns
// false when the (device, nonce) pair was already present, which is
// the replay signal. Implementations persist across restarts so a
// replay after a gateway crash is still caught.
type NonceRecorder interface {
	RecordNonce(ctx context.Context, deviceID, nonce string, expiresAt time.Time) (bool, error)
}

// Verifier decides connection handshakes.
type Verifier struct {
	devices DeviceSource
	nonces  NonceRecorder
	clock   clock.Clock
	window  time.Duration
	logger  *slog.Logger
}

// NewVerifier builds a Verifier. window <= 0 uses
// DefaultReplayWindow; a nil logger discards.
func NewVerifier(devices DeviceSource, nonces NonceRecorder, clk clock.Clock, window time.Duration, logger *slog.Logger) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Verifier{
		devices: devices,
		nonces:  nonces,
		clock:   clk,
		window:  window,
		logger:  logger,
	}
}

// VerifyConnect checks a connect request and returns the
// authenticated device. Failures come back as *wire.Error with the
// code the client should see; detail beyond the code is logged here,
// not sent.
//
// Check order matters: the timestamp window is enforced before the
// nonce so a stale-but-fresh-nonce request is rejected as stale, and
// the nonce is recorded only after the MAC verifies so garbage
// traffic cannot fill the nonce table.
func (v *Verifier) VerifyConnect(ctx context.Context, params *wire.ConnectParams) (Device, *wire.Error) {
	now := v.clock.Now()

	skew := now.Sub(time.Unix(params.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		v.logger.Warn("handshake timestamp outside replay window",
			"device_id", params.DeviceID,
			"skew_seconds", int64(skew.Seconds()),
		)
		return Device{}, wire.Errorf(wire.CodeAuthFailed, "handshake timestamp outside allowed window")
	}

	device, ok, err := v.devices.AuthDevice(ctx, params.DeviceID)
	if err != nil {
		v.logger.Error("device lookup failed", "device_id", params.DeviceID, "error", err)
		return Device{}, wire.AsError(err)
	}
	// Unknown and unapproved devices get the same answer: the code
	// must not reveal whether a device id exists.
	if !ok || !device.Approved {
		v.logger.Warn("handshake from unapproved device", "device_id", params.DeviceID, "known", ok)
		return Device{}, wire.Errorf(wire.CodeDeviceNotApproved, "device is not approved")
	}

	if device.Role != params.Role {
		v.logger.Warn("handshake role mismatch",
			"device_id", params.DeviceID,
			"paired_role", device.Role,
			"claimed_role", params.Role,
		)
		return Device{}, wire.Errorf(wire.CodeAuthFailed, "authentication failed")
	}

	if err := VerifyAuthToken(device.VerifyKey, params.DeviceID, params.Nonce, params.Timestamp, params.AuthToken); err != nil {
		v.logger.Warn("handshake MAC verification failed", "device_id", params.DeviceID, "error", err)
		return Device{}, wire.Errorf(wire.CodeAuthFailed, "authentication failed")
	}

	fresh, err := v.nonces.RecordNonce(ctx, params.DeviceID, params.Nonce, now.Add(v.window))
	if err != nil {
		v.logger.Error("nonce recording failed", "device_id", params.DeviceID, "error", err)
		return Device{}, wire.AsError(err)
	}
	if !fresh {
		v.logger.Warn("handshake nonce reused", "device_id", params.DeviceID)
		return Device{}, wire.Errorf(wire.CodeNonceReused, "nonce already used")
	}

	return device, nil
}
