// Package session issues and renews the opaque tokens that prove a device
// passed license validation. Tokens are bearer credentials scoped to one
// (license, device) pair; presenting one from a different device fails.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hedgeapi/internal/store"
)

// ErrSessionInvalid reports a token that is unknown, expired, or presented
// by the wrong device. The caller cannot distinguish which; the client's
// recovery is a full re-validate either way.
var ErrSessionInvalid = errors.New("session invalid or expired")

// Heartbeat is the outcome of a successful renewal check.
type Heartbeat struct {
	LicenseKey string
	ExpiresAt  time.Time
	// NewToken is set when the session was refreshed because its remaining
	// lifetime fell under the refresh threshold. The old token is not
	// revoked; it lapses at its own expiry.
	NewToken string
}

// Authority owns the session lifecycle: issue on validate, renew on
// heartbeat, revoke on deactivate, sweep expired rows.
type Authority struct {
	store     *store.Store
	ttl       time.Duration
	threshold time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewAuthority creates a session authority. Sessions live for ttl;
// heartbeats arriving with less than threshold remaining get a fresh token.
func NewAuthority(s *store.Store, ttl, threshold time.Duration, logger *slog.Logger) *Authority {
	return &Authority{
		store:     s,
		ttl:       ttl,
		threshold: threshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Issue mints a session for the pair, superseding any prior session the
// pair held. Returns the token and its expiry.
func (a *Authority) Issue(ctx context.Context, licenseKey, deviceID, ipHash string) (string, time.Time, error) {
	now := a.now().UTC()
	token, err := mintToken(licenseKey, deviceID, now)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint token: %w", err)
	}

	sess := &store.Session{
		Token:      token,
		LicenseKey: licenseKey,
		DeviceID:   deviceID,
		IPHash:     ipHash,
		IssuedAt:   now,
		ExpiresAt:  now.Add(a.ttl),
	}
	if err := a.store.ReplaceSession(ctx, sess); err != nil {
		return "", time.Time{}, fmt.Errorf("persist session: %w", err)
	}
	return token, sess.ExpiresAt, nil
}

// Renew validates a heartbeat token for the presenting device. Expired or
// unknown tokens yield ErrSessionInvalid. A live token near expiry is
// refreshed: a new full-lifetime session is inserted and returned in
// NewToken while the presented one keeps its original expiry.
func (a *Authority) Renew(ctx context.Context, token, deviceID string) (*Heartbeat, error) {
	sess, err := a.store.SessionByToken(ctx, token, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	now := a.now().UTC()
	if !sess.ExpiresAt.After(now) {
		if err := a.store.DeleteSession(ctx, sess.ID); err != nil {
			a.logger.WarnContext(ctx, "failed to delete expired session", "error", err)
		}
		return nil, ErrSessionInvalid
	}

	if err := a.store.TouchDeviceSeen(ctx, sess.LicenseKey, sess.DeviceID, now); err != nil {
		a.logger.WarnContext(ctx, "failed to touch device on heartbeat", "error", err)
	}

	remaining := sess.ExpiresAt.Sub(now)
	if remaining <= a.threshold {
		fresh, err := mintToken(sess.LicenseKey, sess.DeviceID, now)
		if err != nil {
			return nil, fmt.Errorf("mint refresh token: %w", err)
		}
		next := &store.Session{
			Token:      fresh,
			LicenseKey: sess.LicenseKey,
			DeviceID:   sess.DeviceID,
			IPHash:     sess.IPHash,
			IssuedAt:   now,
			ExpiresAt:  now.Add(a.ttl),
		}
		if err := a.store.InsertSession(ctx, next); err != nil {
			return nil, fmt.Errorf("persist refreshed session: %w", err)
		}
		return &Heartbeat{LicenseKey: sess.LicenseKey, ExpiresAt: next.ExpiresAt, NewToken: fresh}, nil
	}

	sess.LastHeartbeatAt = &now
	if err := a.store.SaveSession(ctx, sess); err != nil {
		a.logger.WarnContext(ctx, "failed to record heartbeat time", "error", err)
	}
	return &Heartbeat{LicenseKey: sess.LicenseKey, ExpiresAt: sess.ExpiresAt}, nil
}

// Revoke deletes every session the pair holds. Called on deactivate,
// before the device slot is released, so a freed slot never has a live
// token attached.
func (a *Authority) Revoke(ctx context.Context, licenseKey, deviceID string) error {
	return a.store.DeleteSessionsFor(ctx, licenseKey, deviceID)
}

// Sweep purges sessions past their expiry and returns how many were
// removed.
func (a *Authority) Sweep(ctx context.Context) (int64, error) {
	return a.store.DeleteExpiredSessions(ctx, a.now().UTC())
}

// mintToken derives an opaque 64-hex-char token from fresh randomness and
// the pair identity. The digest construction makes tokens unforgeable and
// collision-free without any token state beyond the session row.
func mintToken(licenseKey, deviceID string, now time.Time) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(buf)
	fmt.Fprintf(h, "%s:%s:%d", licenseKey, deviceID, now.UnixNano())
	return hex.EncodeToString(h.Sum(nil)), nil
}
