// Package token manages the device's bearer credential: extracting a
// device-id claim for startup self-heal, synthesizing a locally-signed
// default token when only a key pair is on disk, and refreshing through
// the control plane thereafter (spec.md §4.8, §9 "Token-manager self-heal
// on start").
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vitaliisemenov/fleet-agent/internal/controlplane"
	"github.com/vitaliisemenov/fleet-agent/internal/model"
)

// Claims is the payload carried by both the locally-synthesized default
// token and any control-plane-issued one this agent needs to introspect.
type Claims struct {
	DeviceID string `json:"device_id"`
	jwt.RegisteredClaims
}

// DeviceIDFromToken extracts the device_id claim from tokenString without
// verifying its signature. Self-heal only needs to know which device
// record to synthesize (spec.md §9): a tampered claim here can do no more
// harm than the already-missing device record it is standing in for, and
// every subsequent authenticated call still goes through the real,
// signature-checked control-plane token issuance.
func DeviceIDFromToken(tokenString string) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, &claims); err != nil {
		return "", fmt.Errorf("token: parse device id claim: %w", err)
	}
	if claims.DeviceID == "" {
		return "", fmt.Errorf("token: no device_id claim present")
	}
	return claims.DeviceID, nil
}

// SynthesizeDefault signs a short-lived default token locally from the
// device's own private key when the token file is missing but a key pair
// already exists (spec.md §4.8 step 1). This lets the agent authenticate
// its very first control-plane call — including the real refresh that
// replaces this token — without an operator round trip.
func SynthesizeDefault(privateKeyPEM []byte, deviceID string, ttl time.Duration) (model.Token, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return model.Token{}, fmt.Errorf("token: parse private key: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return model.Token{}, fmt.Errorf("token: sign default token: %w", err)
	}
	return model.Token{Value: signed, ExpiresAt: expiresAt}, nil
}

// File is the subset of *cachedfile.File[model.Token] the Manager needs.
type File interface {
	Read() (model.Token, bool, error)
	Write(model.Token) error
}

// Manager hands out a currently-valid token, refreshing through the
// control plane when the cached one is absent or expired. It implements
// internal/sync's TokenSource and is also the collaborator the token
// refresh worker (component J) drives on its own schedule.
type Manager struct {
	file          File
	controlPlane  controlplane.Client
	deviceID      string
	privateKeyPEM []byte
}

// New constructs a Manager.
func New(file File, cp controlplane.Client, deviceID string, privateKeyPEM []byte) *Manager {
	return &Manager{file: file, controlPlane: cp, deviceID: deviceID, privateKeyPEM: privateKeyPEM}
}

// Token returns a currently-valid bearer token, refreshing first if the
// cached one is missing or expired.
func (m *Manager) Token(ctx context.Context) (string, error) {
	tok, present, err := m.file.Read()
	if err != nil {
		return "", fmt.Errorf("token: read cached token: %w", err)
	}
	if present && !tok.Expired(time.Now()) {
		return tok.Value, nil
	}
	return m.Refresh(ctx)
}

// Refresh unconditionally requests a fresh token from the control plane
// and persists it, regardless of whether the cached one has expired yet.
// The token refresh worker (component J) calls this directly on its own
// backoff-driven schedule.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	tok, err := m.controlPlane.IssueDeviceToken(ctx, m.deviceID, m.privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("token: refresh: %w", err)
	}
	if err := m.file.Write(tok); err != nil {
		return "", fmt.Errorf("token: persist refreshed token: %w", err)
	}
	return tok.Value, nil
}

// ExpiresAt returns the cached token's expiry, or the zero time if no
// token is cached yet. The refresh worker uses this to compute its next
// wait interval (spec.md §4.6).
func (m *Manager) ExpiresAt() (time.Time, error) {
	tok, present, err := m.file.Read()
	if err != nil {
		return time.Time{}, fmt.Errorf("token: read cached token: %w", err)
	}
	if !present {
		return time.Time{}, nil
	}
	return tok.ExpiresAt, nil
}

// Expired reports whether the cached token is missing or has passed its
// expiry as of now.
func (m *Manager) Expired() (bool, error) {
	tok, present, err := m.file.Read()
	if err != nil {
		return false, fmt.Errorf("token: read cached token: %w", err)
	}
	if !present {
		return true, nil
	}
	return tok.Expired(time.Now()), nil
}
