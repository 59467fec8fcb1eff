// Package store is the durable repository for licenses, device bindings,
// sessions and the validation audit log. Device-slot accounting is the one
// concurrency-sensitive operation and is done inside a single transaction;
// see BindDevice.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"hedgeapi/internal/config"
)

// Sentinel errors returned by repository lookups
var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrDeviceNotFound  = errors.New("device not found or already deactivated")
	ErrSessionNotFound = errors.New("session not found")
)

// DeviceLimitError reports device-slot exhaustion with the counts observed
// inside the binding transaction.
type DeviceLimitError struct {
	Used int
	Max  int
}

// Error implements the error interface
func (e *DeviceLimitError) Error() string {
	return fmt.Sprintf("device limit reached (%d/%d)", e.Used, e.Max)
}

// Store wraps the gorm handle behind the repository operations
type Store struct {
	db *gorm.DB
}

// Open connects to the configured backend and migrates the schema
func Open(cfg config.DatabaseConfig) (*Store, error) {
	dialector, err := openDialector(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&License{},
		&DeviceBinding{},
		&Session{},
		&ValidationLogEntry{},
		&WebhookEvent{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

func openDialector(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		return sqlite.Open(cfg.DSN), nil
	case "postgres":
		return postgres.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the store is reachable
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// FindLicense looks up a license by key
func (s *Store) FindLicense(ctx context.Context, key string) (*License, error) {
	var lic License
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&lic).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lic, nil
}

// CreateLicense inserts a license row. Used by the provisioning path and by
// tests; the validation hot path never creates licenses.
func (s *Store) CreateLicense(ctx context.Context, lic *License) error {
	return s.db.WithContext(ctx).Create(lic).Error
}

// BindRequest carries the device identity presented on validate
type BindRequest struct {
	LicenseKey   string
	DeviceID     string
	Platform     string
	InstanceName string
	AccountID    string
	Broker       string
	Version      string
	IPHash       string
}

// BindDevice allocates a device slot, or touches the existing binding when
// the same device re-validates. The count check and the insert run in one
// transaction: on Postgres the license row is locked FOR UPDATE to
// serialize concurrent binds for the same key, on SQLite the single-writer
// model already serializes them, and the unique (license_key, device_id)
// index turns a lost same-pair race into an idempotent touch.
// Returns the binding and the number of active devices after the call.
func (s *Store) BindDevice(ctx context.Context, req BindRequest, maxDevices int) (*DeviceBinding, int, error) {
	var (
		binding DeviceBinding
		used    int64
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		if tx.Dialector.Name() == "postgres" {
			var lic License
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("key = ?", req.LicenseKey).First(&lic).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrLicenseNotFound
				}
				return err
			}
		}

		var existing DeviceBinding
		err := tx.Where("license_key = ? AND device_id = ?", req.LicenseKey, req.DeviceID).
			First(&existing).Error

		switch {
		case err == nil && existing.Active:
			touchBinding(&existing, req, now)
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			binding = existing

		case err == nil:
			// Reactivating a released binding consumes a slot again
			count, err := activeCount(tx, req.LicenseKey)
			if err != nil {
				return err
			}
			if count >= int64(maxDevices) {
				return &DeviceLimitError{Used: int(count), Max: maxDevices}
			}
			existing.Active = true
			existing.DeactivatedAt = nil
			touchBinding(&existing, req, now)
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			binding = existing

		case errors.Is(err, gorm.ErrRecordNotFound):
			count, err := activeCount(tx, req.LicenseKey)
			if err != nil {
				return err
			}
			if count >= int64(maxDevices) {
				return &DeviceLimitError{Used: int(count), Max: maxDevices}
			}
			created := DeviceBinding{
				LicenseKey:   req.LicenseKey,
				DeviceID:     req.DeviceID,
				Platform:     req.Platform,
				InstanceName: req.InstanceName,
				AccountID:    req.AccountID,
				Broker:       req.Broker,
				Version:      req.Version,
				IPHash:       req.IPHash,
				Active:       true,
				FirstSeenAt:  now,
				LastSeenAt:   now,
			}
			if err := tx.Create(&created).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					// Same pair raced us; the other writer won, touch its row
					if err := tx.Where("license_key = ? AND device_id = ?",
						req.LicenseKey, req.DeviceID).First(&created).Error; err != nil {
						return err
					}
					created.Active = true
					created.DeactivatedAt = nil
					touchBinding(&created, req, now)
					if err := tx.Save(&created).Error; err != nil {
						return err
					}
				} else {
					return err
				}
			}
			binding = created

		default:
			return err
		}

		count, err := activeCount(tx, req.LicenseKey)
		if err != nil {
			return err
		}
		used = count
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return &binding, int(used), nil
}

func touchBinding(b *DeviceBinding, req BindRequest, now time.Time) {
	b.LastSeenAt = now
	if req.Platform != "" {
		b.Platform = req.Platform
	}
	if req.InstanceName != "" {
		b.InstanceName = req.InstanceName
	}
	if req.AccountID != "" {
		b.AccountID = req.AccountID
	}
	if req.Broker != "" {
		b.Broker = req.Broker
	}
	if req.Version != "" {
		b.Version = req.Version
	}
	if req.IPHash != "" {
		b.IPHash = req.IPHash
	}
}

func activeCount(tx *gorm.DB, licenseKey string) (int64, error) {
	var count int64
	err := tx.Model(&DeviceBinding{}).
		Where("license_key = ? AND active = ?", licenseKey, true).
		Count(&count).Error
	return count, err
}

// ReleaseDevice marks a binding inactive and returns the number of active
// devices remaining. The row is kept for audit continuity.
func (s *Store) ReleaseDevice(ctx context.Context, licenseKey, deviceID string) (int, error) {
	var remaining int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		var binding DeviceBinding
		err := tx.Where("license_key = ? AND device_id = ? AND active = ?",
			licenseKey, deviceID, true).First(&binding).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}

		binding.Active = false
		binding.DeactivatedAt = &now
		if err := tx.Save(&binding).Error; err != nil {
			return err
		}

		count, err := activeCount(tx, licenseKey)
		if err != nil {
			return err
		}
		remaining = count
		return nil
	})
	if err != nil {
		return 0, err
	}

	return int(remaining), nil
}

// CountActiveDevices returns the number of active bindings for a license
func (s *Store) CountActiveDevices(ctx context.Context, licenseKey string) (int, error) {
	count, err := activeCount(s.db.WithContext(ctx), licenseKey)
	return int(count), err
}

// ListActiveDevices returns the active bindings for a license
func (s *Store) ListActiveDevices(ctx context.Context, licenseKey string) ([]DeviceBinding, error) {
	var bindings []DeviceBinding
	err := s.db.WithContext(ctx).
		Where("license_key = ? AND active = ?", licenseKey, true).
		Order("first_seen_at").
		Find(&bindings).Error
	return bindings, err
}

// AppendValidationLog writes one audit row. Callers treat failures as
// non-fatal; the hot path never depends on the audit store.
func (s *Store) AppendValidationLog(ctx context.Context, entry *ValidationLogEntry) error {
	if len(entry.LicenseKey) > 20 {
		entry.LicenseKey = entry.LicenseKey[:20] + "..."
	}
	if len(entry.DeviceID) > 50 {
		entry.DeviceID = entry.DeviceID[:50] + "..."
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// ValidationLogs returns the most recent audit rows for a license,
// newest first. Used by troubleshooting tooling, not the hot path.
func (s *Store) ValidationLogs(ctx context.Context, licenseKey string, limit int) ([]ValidationLogEntry, error) {
	var entries []ValidationLogEntry
	err := s.db.WithContext(ctx).
		Where("license_key = ?", licenseKey).
		Order("created_at desc").
		Limit(limit).
		Find(&entries).Error
	return entries, err
}

// ActiveLicenseCount counts licenses with is_active = true
func (s *Store) ActiveLicenseCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&License{}).
		Where("is_active = ?", true).Count(&count).Error
	return count, err
}

// ActiveDeviceCount counts active bindings across all licenses
func (s *Store) ActiveDeviceCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&DeviceBinding{}).
		Where("active = ?", true).Count(&count).Error
	return count, err
}

// ReplaceSession deletes any session for the (license, device) pair and
// inserts the given one, so validate-issued tokens always supersede.
func (s *Store) ReplaceSession(ctx context.Context, sess *Session) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("license_key = ? AND device_id = ?",
			sess.LicenseKey, sess.DeviceID).Delete(&Session{}).Error; err != nil {
			return err
		}
		return tx.Create(sess).Error
	})
}

// InsertSession inserts a session row without touching existing ones.
// Heartbeat-driven renewal uses this so the superseded token lapses on its
// own expiry instead of being revoked.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	return s.db.WithContext(ctx).Create(sess).Error
}

// SessionByToken looks up a session by token and device
func (s *Store) SessionByToken(ctx context.Context, token, deviceID string) (*Session, error) {
	var sess Session
	err := s.db.WithContext(ctx).
		Where("token = ? AND device_id = ?", token, deviceID).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession persists updates to an existing session row
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	return s.db.WithContext(ctx).Save(sess).Error
}

// DeleteSession removes one session row
func (s *Store) DeleteSession(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Delete(&Session{}, id).Error
}

// DeleteSessionsFor removes every session for the (license, device) pair
func (s *Store) DeleteSessionsFor(ctx context.Context, licenseKey, deviceID string) error {
	return s.db.WithContext(ctx).
		Where("license_key = ? AND device_id = ?", licenseKey, deviceID).
		Delete(&Session{}).Error
}

// DeleteExpiredSessions purges sessions that expired before the cutoff
func (s *Store) DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", before).Delete(&Session{})
	return result.RowsAffected, result.Error
}

// TouchDeviceSeen updates last_seen_at for an active binding
func (s *Store) TouchDeviceSeen(ctx context.Context, licenseKey, deviceID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&DeviceBinding{}).
		Where("license_key = ? AND device_id = ? AND active = ?", licenseKey, deviceID, true).
		Update("last_seen_at", at).Error
}

// WebhookOutcome describes how an inbound event was handled
type WebhookOutcome int

// Webhook outcomes
const (
	WebhookApplied WebhookOutcome = iota
	WebhookDuplicate
	WebhookUnknownLicense
)

// ApplyWebhookEvent records the event ID and applies the license mutation
// in one transaction. A replayed event ID short-circuits before the
// mutation, which is what makes webhook delivery idempotent. Unknown
// license keys still record the event so replays of those stay no-ops too.
func (s *Store) ApplyWebhookEvent(ctx context.Context, eventID, eventType, licenseKey string, mutate func(*License)) (WebhookOutcome, error) {
	outcome := WebhookApplied

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := WebhookEvent{
			EventID:    eventID,
			Type:       eventType,
			LicenseKey: licenseKey,
			ReceivedAt: time.Now().UTC(),
		}
		// ON CONFLICT DO NOTHING keeps a replayed insert from aborting the
		// transaction on Postgres; zero rows affected means we already
		// applied this event.
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(&event)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			outcome = WebhookDuplicate
			return nil
		}

		var lic License
		err := tx.Where("key = ?", licenseKey).First(&lic).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			outcome = WebhookUnknownLicense
			return nil
		}
		if err != nil {
			return err
		}

		mutate(&lic)
		return tx.Save(&lic).Error
	})
	if err != nil {
		return outcome, err
	}

	return outcome, nil
}
