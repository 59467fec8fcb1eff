package services

import (
	"context"
	"log/slog"
	"time"

	"hedgeapi/internal/budget"
	"hedgeapi/internal/store"
)

// Version is the API version reported by health and status responses.
const Version = "1.1.0"

// HealthReport is the /health payload: liveness plus the serverTime
// clients use for clock-drift detection.
type HealthReport struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	ServerTime    int64  `json:"serverTime"`
	Version       string `json:"version"`
	DailyRequests int    `json:"dailyRequestsUsed"`
	DailyLimit    int    `json:"dailyRequestsMax"`
}

// StatusReport is the /v1/license/status payload.
type StatusReport struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	Version        string `json:"version"`
	ActiveLicenses int64  `json:"activeLicenses"`
	TotalDevices   int64  `json:"totalDevices"`
}

// HealthService reports service liveness and aggregate statistics.
type HealthService struct {
	store  *store.Store
	quota  *budget.DailyQuota
	logger *slog.Logger
	now    func() time.Time
}

// NewHealthService creates the health/status reporter.
func NewHealthService(s *store.Store, quota *budget.DailyQuota, logger *slog.Logger) *HealthService {
	return &HealthService{store: s, quota: quota, logger: logger, now: time.Now}
}

// Health never fails; it reports whatever the process knows locally.
func (hs *HealthService) Health(ctx context.Context) HealthReport {
	now := hs.now().UTC()
	return HealthReport{
		Status:        "healthy",
		Timestamp:     now.Format(time.RFC3339),
		ServerTime:    now.Unix(),
		Version:       Version,
		DailyRequests: hs.quota.Used(),
		DailyLimit:    hs.quota.Max(),
	}
}

// Status reports aggregate counts. Store failures degrade the status
// instead of erroring; monitoring keeps a consistent shape either way.
func (hs *HealthService) Status(ctx context.Context) StatusReport {
	now := hs.now().UTC()
	report := StatusReport{
		Status:    "online",
		Timestamp: now.Format(time.RFC3339),
		Version:   Version,
	}

	licenses, err := hs.store.ActiveLicenseCount(ctx)
	if err != nil {
		hs.logger.ErrorContext(ctx, "status check failed", "error", err)
		report.Status = "degraded"
		return report
	}
	devices, err := hs.store.ActiveDeviceCount(ctx)
	if err != nil {
		hs.logger.ErrorContext(ctx, "status check failed", "error", err)
		report.Status = "degraded"
		return report
	}

	report.ActiveLicenses = licenses
	report.TotalDevices = devices
	return report
}
