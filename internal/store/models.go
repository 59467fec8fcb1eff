package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// FeatureList is a set of feature tags stored as a JSON array
type FeatureList []string

// Value implements driver.Valuer
func (f FeatureList) Value() (driver.Value, error) {
	if f == nil {
		return "[]", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (f *FeatureList) Scan(value interface{}) error {
	if value == nil {
		*f = FeatureList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("unsupported feature list type %T", value)
	}
}

// License is a purchased entitlement record. Rows are created by the
// provisioning path and mutated only by admin action or the webhook
// reconciler; they are deactivated, never deleted.
type License struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	Key           string      `gorm:"size:64;uniqueIndex;not null" json:"key"`
	Email         string      `gorm:"size:255" json:"email"`
	Plan          string      `gorm:"size:32;default:demo" json:"plan"`
	MaxDevices    int         `gorm:"default:1" json:"max_devices"`
	Features      FeatureList `gorm:"type:text" json:"features"`
	IsActive      bool        `json:"is_active"`
	ExpiresAt     time.Time   `json:"expires_at"`
	DeactivatedAt *time.Time  `json:"deactivated_at,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TableName sets the licenses table name
func (License) TableName() string { return "licenses" }

// DeviceBinding allocates one of a license's device slots to a client
// device. Bindings are marked inactive on deactivate, never hard-deleted,
// so first_seen_at/last_seen_at keep their audit value.
type DeviceBinding struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	LicenseKey    string     `gorm:"size:64;uniqueIndex:idx_license_device;not null" json:"license_key"`
	DeviceID      string     `gorm:"size:255;uniqueIndex:idx_license_device;not null" json:"device_id"`
	Platform      string     `gorm:"size:16" json:"platform"`
	InstanceName  string     `gorm:"size:255" json:"instance_name"`
	AccountID     string     `gorm:"size:100" json:"account_id"`
	Broker        string     `gorm:"size:100" json:"broker"`
	Version       string     `gorm:"size:20" json:"version"`
	IPHash        string     `gorm:"size:16" json:"-"`
	Active        bool       `gorm:"index" json:"active"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastSeenAt    time.Time  `json:"last_seen_at"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
}

// TableName sets the device bindings table name
func (DeviceBinding) TableName() string { return "license_devices" }

// Session is a time-boxed proof that a device's license was validated,
// represented by an opaque token.
type Session struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Token           string     `gorm:"size:64;uniqueIndex;not null" json:"-"`
	LicenseKey      string     `gorm:"size:64;index:idx_session_pair" json:"license_key"`
	DeviceID        string     `gorm:"size:255;index:idx_session_pair" json:"device_id"`
	IPHash          string     `gorm:"size:16" json:"-"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       time.Time  `gorm:"index" json:"expires_at"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// TableName sets the sessions table name
func (Session) TableName() string { return "license_sessions" }

// ValidationLogEntry is an append-only audit record of every
// validate/heartbeat/deactivate attempt. It is never read on the hot path.
type ValidationLogEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Operation    string    `gorm:"size:16" json:"operation"`
	LicenseKey   string    `gorm:"size:64;index" json:"license_key"`
	DeviceID     string    `gorm:"size:255" json:"device_id"`
	Platform     string    `gorm:"size:16" json:"platform"`
	Success      bool      `json:"success"`
	ErrorCode    string    `gorm:"size:32" json:"error_code"`
	ErrorMessage string    `gorm:"size:255" json:"error_message"`
	IPHash       string    `gorm:"size:16" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName sets the validation log table name
func (ValidationLogEntry) TableName() string { return "license_validation_logs" }

// WebhookEvent records an applied upstream event by its upstream ID.
// A row's existence is what makes webhook replays no-ops.
type WebhookEvent struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EventID    string    `gorm:"size:128;uniqueIndex;not null" json:"event_id"`
	Type       string    `gorm:"size:64" json:"type"`
	LicenseKey string    `gorm:"size:64" json:"license_key"`
	ReceivedAt time.Time `json:"received_at"`
}

// TableName sets the webhook events table name
func (WebhookEvent) TableName() string { return "webhook_events" }
