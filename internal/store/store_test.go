package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedgeapi/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func seedLicense(t *testing.T, s *Store, key string, maxDevices int) *License {
	t.Helper()

	lic := &License{
		Key:        key,
		Email:      "trader@example.com",
		Plan:       "professional",
		MaxDevices: maxDevices,
		Features:   FeatureList{"copier", "hedge"},
		IsActive:   true,
		ExpiresAt:  time.Now().UTC().Add(30 * 24 * time.Hour),
	}
	require.NoError(t, s.CreateLicense(context.Background(), lic))
	return lic
}

func TestFindLicense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, s, "HEDGE-TEST-0001", 2)

	lic, err := s.FindLicense(ctx, "HEDGE-TEST-0001")
	require.NoError(t, err)
	assert.Equal(t, "professional", lic.Plan)
	assert.Equal(t, FeatureList{"copier", "hedge"}, lic.Features)

	_, err = s.FindLicense(ctx, "HEDGE-NOPE-0000")
	assert.ErrorIs(t, err, ErrLicenseNotFound)
}

func TestBindDevice_AllocatesAndTouches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, s, "HEDGE-TEST-0001", 2)

	binding, used, err := s.BindDevice(ctx, BindRequest{
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-aaaa-0001",
		Platform:   "mt5",
	}, 2)
	require.NoError(t, err)
	assert.True(t, binding.Active)
	assert.Equal(t, 1, used)
	firstSeen := binding.FirstSeenAt

	// Same device again: idempotent touch, no new slot
	binding, used, err = s.BindDevice(ctx, BindRequest{
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-aaaa-0001",
		Platform:   "mt5",
		Version:    "1.2.0",
	}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
	assert.Equal(t, "1.2.0", binding.Version)
	assert.Equal(t, firstSeen.Unix(), binding.FirstSeenAt.Unix())
}

func TestBindDevice_LimitEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, s, "HEDGE-TEST-0001", 1)

	_, _, err := s.BindDevice(ctx, BindRequest{
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-aaaa-0001",
	}, 1)
	require.NoError(t, err)

	_, _, err = s.BindDevice(ctx, BindRequest{
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-bbbb-0002",
	}, 1)
	var limitErr *DeviceLimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 1, limitErr.Used)
	assert.Equal(t, 1, limitErr.Max)
}

func TestBindDevice_ConcurrentDistinctDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const maxDevices = 3
	seedLicense(t, s, "HEDGE-TEST-0001", maxDevices)

	devices := []string{
		"device-0001-aaaa", "device-0002-bbbb", "device-0003-cccc",
		"device-0004-dddd", "device-0005-eeee", "device-0006-ffff",
		"device-0007-gggg", "device-0008-hhhh",
	}

	var wg sync.WaitGroup
	limitHits := make(chan struct{}, len(devices))
	for _, deviceID := range devices {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _, err := s.BindDevice(ctx, BindRequest{
				LicenseKey: "HEDGE-TEST-0001",
				DeviceID:   id,
			}, maxDevices)
			var limitErr *DeviceLimitError
			if err != nil {
				require.ErrorAs(t, err, &limitErr)
				limitHits <- struct{}{}
			}
		}(deviceID)
	}
	wg.Wait()
	close(limitHits)

	count, err := s.CountActiveDevices(ctx, "HEDGE-TEST-0001")
	require.NoError(t, err)
	assert.Equal(t, maxDevices, count, "active bindings must never exceed max_devices")
	assert.Len(t, limitHits, len(devices)-maxDevices)
}

func TestReleaseDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, s, "HEDGE-TEST-0001", 1)

	_, _, err := s.BindDevice(ctx, BindRequest{
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-aaaa-0001",
	}, 1)
	require.NoError(t, err)

	remaining, err := s.ReleaseDevice(ctx, "HEDGE-TEST-0001", "device-aaaa-0001")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	// Released binding stays on record, inactive
	devices, err := s.ListActiveDevices(ctx, "HEDGE-TEST-0001")
	require.NoError(t, err)
	assert.Empty(t, devices)

	// Unknown device: error, count unchanged
	_, err = s.ReleaseDevice(ctx, "HEDGE-TEST-0001", "device-zzzz-9999")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	// The freed slot is reusable by a different device
	_, used, err := s.BindDevice(ctx, BindRequest{
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-bbbb-0002",
	}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, used)
}

func TestReleaseThenRebindSameDevice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, s, "HEDGE-TEST-0001", 1)

	_, _, err := s.BindDevice(ctx, BindRequest{
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-aaaa-0001",
	}, 1)
	require.NoError(t, err)

	_, err = s.ReleaseDevice(ctx, "HEDGE-TEST-0001", "device-aaaa-0001")
	require.NoError(t, err)

	binding, used, err := s.BindDevice(ctx, BindRequest{
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-aaaa-0001",
	}, 1)
	require.NoError(t, err)
	assert.True(t, binding.Active)
	assert.Nil(t, binding.DeactivatedAt)
	assert.Equal(t, 1, used)
}

func TestSessions_ReplaceAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := &Session{
		Token:      "token-one",
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-aaaa-0001",
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, s.ReplaceSession(ctx, first))

	second := &Session{
		Token:      "token-two",
		LicenseKey: "HEDGE-TEST-0001",
		DeviceID:   "device-aaaa-0001",
		IssuedAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}
	require.NoError(t, s.ReplaceSession(ctx, second))

	// The first token was superseded by re-validate
	_, err := s.SessionByToken(ctx, "token-one", "device-aaaa-0001")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	sess, err := s.SessionByToken(ctx, "token-two", "device-aaaa-0001")
	require.NoError(t, err)
	assert.Equal(t, "HEDGE-TEST-0001", sess.LicenseKey)

	// Token must match the presenting device
	_, err = s.SessionByToken(ctx, "token-two", "device-bbbb-0002")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertSession(ctx, &Session{
		Token: "expired-token", LicenseKey: "K", DeviceID: "D1",
		IssuedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}))
	require.NoError(t, s.InsertSession(ctx, &Session{
		Token: "live-token", LicenseKey: "K", DeviceID: "D2",
		IssuedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	purged, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = s.SessionByToken(ctx, "live-token", "D2")
	assert.NoError(t, err)
}

func TestApplyWebhookEvent_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, s, "HEDGE-TEST-0001", 1)

	deactivate := func(lic *License) {
		lic.IsActive = false
	}

	outcome, err := s.ApplyWebhookEvent(ctx, "evt_001", "subscription.cancelled", "HEDGE-TEST-0001", deactivate)
	require.NoError(t, err)
	assert.Equal(t, WebhookApplied, outcome)

	lic, err := s.FindLicense(ctx, "HEDGE-TEST-0001")
	require.NoError(t, err)
	assert.False(t, lic.IsActive)

	// Replay: no-op, state unchanged
	outcome, err = s.ApplyWebhookEvent(ctx, "evt_001", "subscription.cancelled", "HEDGE-TEST-0001", func(lic *License) {
		t.Fatal("mutation must not run for a replayed event")
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, outcome)
}

func TestApplyWebhookEvent_UnknownLicense(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	outcome, err := s.ApplyWebhookEvent(ctx, "evt_002", "subscription.renewed", "HEDGE-UNKNOWN-0001", func(lic *License) {
		lic.IsActive = true
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookUnknownLicense, outcome)
}

func TestAppendValidationLog_TruncatesOversizedInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	longKey := ""
	for i := 0; i < 10; i++ {
		longKey += "ABCDEFGHIJ"
	}
	entry := &ValidationLogEntry{
		LicenseKey:   longKey,
		DeviceID:     "device-aaaa-0001",
		Platform:     "mt4",
		Success:      false,
		ErrorCode:    "ERROR_INVALID_KEY",
		ErrorMessage: "License key not found",
	}
	require.NoError(t, s.AppendValidationLog(ctx, entry))

	logs, err := s.ValidationLogs(ctx, entry.LicenseKey, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Len(t, logs[0].LicenseKey, 23) // 20 chars + "..."
}

func TestStatusCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedLicense(t, s, "HEDGE-TEST-0001", 2)
	inactive := seedLicense(t, s, "HEDGE-TEST-0002", 1)
	inactive.IsActive = false
	require.NoError(t, s.db.Save(inactive).Error)

	_, _, err := s.BindDevice(ctx, BindRequest{
		LicenseKey: "HEDGE-TEST-0001", DeviceID: "device-aaaa-0001",
	}, 2)
	require.NoError(t, err)

	licenses, err := s.ActiveLicenseCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), licenses)

	devices, err := s.ActiveDeviceCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), devices)
}
