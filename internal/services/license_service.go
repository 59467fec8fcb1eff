// Package services implements the license validation flows: the
// orchestration between the local store, the session authority and the
// Creem upstream, independent of HTTP transport.
package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	apierrors "hedgeapi/internal/errors"
	"hedgeapi/internal/session"
	"hedgeapi/internal/store"
)

// allowedPlatforms is the set of client platforms the audit log
// distinguishes. Anything else records as "unknown".
var allowedPlatforms = map[string]bool{
	"mt4":     true,
	"mt5":     true,
	"ctrader": true,
	"desktop": true,
	"unknown": true,
}

// NormalizePlatform lowercases a platform tag and maps unrecognized
// values to "unknown".
func NormalizePlatform(platform string) string {
	p := strings.ToLower(strings.TrimSpace(platform))
	if !allowedPlatforms[p] {
		return "unknown"
	}
	return p
}

// NormalizeKey canonicalizes a license key: uppercase, trimmed.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// Confirmation mirrors the upstream verdict the service acts on.
type Confirmation struct {
	Valid   bool
	Status  string
	Message string
}

// Confirmer is the upstream license check. Satisfied by creemAdapter
// around *creem.Client.
type Confirmer interface {
	Confirm(ctx context.Context, licenseKey, instanceName string) Confirmation
}

// ValidateInput carries one validation attempt, pre-normalization.
type ValidateInput struct {
	LicenseKey   string
	DeviceID     string
	Platform     string
	AccountID    string
	Broker       string
	Version      string
	InstanceName string
	ClientIP     string
}

// ValidateResult is the success payload of a validation.
type ValidateResult struct {
	Token       string
	TTLSeconds  int
	Plan        string
	Features    []string
	ExpiresAt   time.Time
	Email       string
	DevicesUsed int
	MaxDevices  int
}

// HeartbeatResult reports a renewed session. NewToken is empty unless the
// session was refreshed.
type HeartbeatResult struct {
	NewToken   string
	TTLSeconds int
}

// DeactivateResult reports a freed device slot.
type DeactivateResult struct {
	DevicesRemaining int
}

// LicenseService orchestrates validate, heartbeat and deactivate. All
// failures surface as *apierrors.APIError so the transport renders them
// without translation.
type LicenseService struct {
	store      *store.Store
	sessions   *session.Authority
	creem      Confirmer
	ipSalt     string
	sessionTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewLicenseService wires the validation flows together.
func NewLicenseService(s *store.Store, auth *session.Authority, confirmer Confirmer,
	ipSalt string, sessionTTL time.Duration, logger *slog.Logger) *LicenseService {
	if ipSalt == "" {
		logger.Warn("ip hash salt not configured, generating one for this process")
		ipSalt = RandomSalt()
	}
	return &LicenseService{
		store:      s,
		sessions:   auth,
		creem:      confirmer,
		ipSalt:     ipSalt,
		sessionTTL: sessionTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Validate checks a license key for a device and issues a session token.
// The flow: local record checks (known, active, unexpired), upstream
// cross-check, device slot allocation, token issue. Every decided attempt
// writes exactly one audit row.
func (ls *LicenseService) Validate(ctx context.Context, in ValidateInput) (*ValidateResult, error) {
	licenseKey := NormalizeKey(in.LicenseKey)
	deviceID := strings.TrimSpace(in.DeviceID)
	platform := NormalizePlatform(in.Platform)

	ipHash := HashIP(ls.ipSalt, in.ClientIP)

	if licenseKey == "" {
		apiErr := apierrors.MissingKey()
		ls.audit(ctx, "validate", licenseKey, deviceID, platform, ipHash, false,
			apiErr.Code, apiErr.Message)
		return nil, apiErr
	}
	if deviceID == "" || deviceID == "unknown" {
		apiErr := apierrors.MissingDevice()
		ls.audit(ctx, "validate", licenseKey, deviceID, platform, ipHash, false,
			apiErr.Code, apiErr.Message)
		return nil, apiErr
	}

	ls.logger.InfoContext(ctx, "validation request",
		"license_key", redactKey(licenseKey),
		"device_id", redactDevice(deviceID),
		"platform", platform,
		"ip_hash", ipHash,
	)

	lic, err := ls.store.FindLicense(ctx, licenseKey)
	if err != nil {
		if errors.Is(err, store.ErrLicenseNotFound) {
			ls.audit(ctx, "validate", licenseKey, deviceID, platform, ipHash, false,
				apierrors.CodeInvalidKey, "License key not found")
			return nil, apierrors.InvalidKey()
		}
		ls.logger.ErrorContext(ctx, "license lookup failed", "error", err)
		return nil, apierrors.Internal()
	}

	if !lic.IsActive {
		ls.audit(ctx, "validate", licenseKey, deviceID, platform, ipHash, false,
			apierrors.CodeInactive, "License is inactive")
		return nil, apierrors.Inactive()
	}

	now := ls.now().UTC()
	if now.After(lic.ExpiresAt) {
		ls.audit(ctx, "validate", licenseKey, deviceID, platform, ipHash, false,
			apierrors.CodeExpired, "License has expired")
		return nil, apierrors.Expired(lic.ExpiresAt.UTC().Format(time.RFC3339))
	}

	// Upstream cross-check runs after the local record checks so a key
	// unknown locally reports ERROR_INVALID_KEY, not an upstream verdict.
	// A degraded (unchecked/unreachable) verdict falls through.
	conf := ls.creem.Confirm(ctx, licenseKey, in.InstanceName)
	if !conf.Valid && conf.Status != "unchecked" && conf.Status != "unreachable" {
		ls.audit(ctx, "validate", licenseKey, deviceID, platform, ipHash, false,
			apierrors.CodeCreemRejected, conf.Message)
		return nil, apierrors.CreemRejected(conf.Message)
	}

	_, used, err := ls.store.BindDevice(ctx, store.BindRequest{
		LicenseKey:   licenseKey,
		DeviceID:     deviceID,
		Platform:     platform,
		InstanceName: in.InstanceName,
		AccountID:    in.AccountID,
		Broker:       in.Broker,
		Version:      in.Version,
		IPHash:       ipHash,
	}, lic.MaxDevices)
	if err != nil {
		var limitErr *store.DeviceLimitError
		if errors.As(err, &limitErr) {
			ls.audit(ctx, "validate", licenseKey, deviceID, platform, ipHash, false,
				apierrors.CodeDeviceLimit, limitErr.Error())
			return nil, apierrors.DeviceLimit(limitErr.Used, limitErr.Max)
		}
		ls.logger.ErrorContext(ctx, "device binding failed", "error", err)
		return nil, apierrors.Internal()
	}

	token, _, err := ls.sessions.Issue(ctx, licenseKey, deviceID, ipHash)
	if err != nil {
		ls.logger.ErrorContext(ctx, "session issue failed", "error", err)
		return nil, apierrors.Internal()
	}

	ls.audit(ctx, "validate", licenseKey, deviceID, platform, ipHash, true, "", "")
	ls.logger.InfoContext(ctx, "validation successful",
		"license_key", redactKey(licenseKey),
		"device_id", redactDevice(deviceID),
		"devices_used", used,
	)

	return &ValidateResult{
		Token:       token,
		TTLSeconds:  int(ls.sessionTTL.Seconds()),
		Plan:        lic.Plan,
		Features:    lic.Features,
		ExpiresAt:   lic.ExpiresAt,
		Email:       lic.Email,
		DevicesUsed: used,
		MaxDevices:  lic.MaxDevices,
	}, nil
}

// Heartbeat renews a session. Unknown, mismatched or expired tokens fail
// with 401; the client's recovery is a full re-validate. Every decided
// attempt writes one audit row; on a rejected token the license key is
// unknown and the row records only the presenting device.
func (ls *LicenseService) Heartbeat(ctx context.Context, token, deviceID, clientIP string) (*HeartbeatResult, error) {
	deviceID = strings.TrimSpace(deviceID)
	ipHash := HashIP(ls.ipSalt, clientIP)

	if token == "" || deviceID == "" {
		apiErr := apierrors.Unauthorized("Invalid or expired session token")
		ls.audit(ctx, "heartbeat", "", deviceID, "", ipHash, false, apiErr.Code, apiErr.Message)
		return nil, apiErr
	}

	hb, err := ls.sessions.Renew(ctx, token, deviceID)
	if err != nil {
		if errors.Is(err, session.ErrSessionInvalid) {
			apiErr := apierrors.Unauthorized("Invalid or expired session token")
			ls.audit(ctx, "heartbeat", "", deviceID, "", ipHash, false, apiErr.Code, apiErr.Message)
			return nil, apiErr
		}
		ls.logger.ErrorContext(ctx, "heartbeat failed", "error", err)
		return nil, apierrors.Internal()
	}

	ttl := int(hb.ExpiresAt.Sub(ls.now().UTC()).Seconds())
	if ttl < 0 {
		ttl = 0
	}
	ls.audit(ctx, "heartbeat", hb.LicenseKey, deviceID, "", ipHash, true, "", "")
	return &HeartbeatResult{NewToken: hb.NewToken, TTLSeconds: ttl}, nil
}

// Deactivate frees a device slot. Sessions for the pair are revoked
// before the slot is released so a freed slot never carries a live token.
// Every decided attempt writes one audit row.
func (ls *LicenseService) Deactivate(ctx context.Context, licenseKey, deviceID, clientIP string) (*DeactivateResult, error) {
	licenseKey = NormalizeKey(licenseKey)
	deviceID = strings.TrimSpace(deviceID)
	ipHash := HashIP(ls.ipSalt, clientIP)

	if licenseKey == "" || deviceID == "" {
		apiErr := apierrors.New(400, apierrors.CodeMissingKey, "license_key and device_id are required")
		ls.audit(ctx, "deactivate", licenseKey, deviceID, "", ipHash, false, apiErr.Code, apiErr.Message)
		return nil, apiErr
	}

	if _, err := ls.store.FindLicense(ctx, licenseKey); err != nil {
		if errors.Is(err, store.ErrLicenseNotFound) {
			apiErr := apierrors.Unauthorized("Invalid license key")
			ls.audit(ctx, "deactivate", licenseKey, deviceID, "", ipHash, false, apiErr.Code, apiErr.Message)
			return nil, apiErr
		}
		ls.logger.ErrorContext(ctx, "license lookup failed", "error", err)
		return nil, apierrors.Internal()
	}

	if err := ls.sessions.Revoke(ctx, licenseKey, deviceID); err != nil {
		ls.logger.ErrorContext(ctx, "session revoke failed", "error", err)
		return nil, apierrors.Internal()
	}

	remaining, err := ls.store.ReleaseDevice(ctx, licenseKey, deviceID)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			apiErr := apierrors.NotFound("Device not found or already deactivated")
			ls.audit(ctx, "deactivate", licenseKey, deviceID, "", ipHash, false, apiErr.Code, apiErr.Message)
			return nil, apiErr
		}
		ls.logger.ErrorContext(ctx, "device release failed", "error", err)
		return nil, apierrors.Internal()
	}

	ls.audit(ctx, "deactivate", licenseKey, deviceID, "", ipHash, true, "", "")
	ls.logger.InfoContext(ctx, "device deactivated",
		"license_key", redactKey(licenseKey),
		"device_id", redactDevice(deviceID),
		"devices_remaining", remaining,
	)
	return &DeactivateResult{DevicesRemaining: remaining}, nil
}

// audit writes the single validation log row for a decided attempt.
// Audit failures are logged, never surfaced; auditing must not break the
// request path.
func (ls *LicenseService) audit(ctx context.Context, operation, licenseKey, deviceID, platform, ipHash string,
	success bool, errorCode, errorMessage string) {
	entry := &store.ValidationLogEntry{
		Operation:    operation,
		LicenseKey:   licenseKey,
		DeviceID:     deviceID,
		Platform:     platform,
		Success:      success,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
		IPHash:       ipHash,
	}
	if err := ls.store.AppendValidationLog(ctx, entry); err != nil {
		ls.logger.ErrorContext(ctx, "failed to write validation log", "error", err)
	}
}

func redactKey(key string) string {
	if len(key) > 8 {
		return key[:8] + "..."
	}
	return key
}

func redactDevice(deviceID string) string {
	if len(deviceID) > 12 {
		return deviceID[:12] + "..."
	}
	return deviceID
}
