package creem

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"hedgeapi/internal/store"
)

// Event is the decoded shell of a Creem webhook payload. Only the fields
// the reconciler acts on are modeled; everything else passes through raw.
type Event struct {
	ID   string    `json:"id"`
	Type string    `json:"type"`
	Data EventData `json:"data"`
}

// EventData carries the subscription or license the event concerns.
type EventData struct {
	ID         string          `json:"id"`
	LicenseKey string          `json:"license_key"`
	Key        string          `json:"key"`
	License    json.RawMessage `json:"license"`
	Status     string          `json:"status"`
	ExpiresAt  string          `json:"expires_at"`
	PeriodEnd  string          `json:"current_period_end"`
}

// Ack is the response body returned to Creem. Webhooks are always
// acknowledged with 200 once the signature checks out, whether or not an
// action was taken, so the upstream does not retry events we have chosen
// to ignore.
type Ack struct {
	Received  bool   `json:"received"`
	Processed bool   `json:"processed"`
	Action    string `json:"action,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Processor applies subscription lifecycle events to the local license
// store, exactly once per upstream event ID.
type Processor struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor creates a webhook processor backed by the license store.
func NewProcessor(s *store.Store, logger *slog.Logger) *Processor {
	return &Processor{store: s, logger: logger, now: time.Now}
}

// Process decodes and applies one verified webhook body.
func (p *Processor) Process(ctx context.Context, body []byte) (Ack, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Ack{}, fmt.Errorf("decode webhook: %w", err)
	}

	licenseKey := event.licenseKey()
	if licenseKey == "" {
		p.logger.WarnContext(ctx, "webhook without license key", "event_type", event.Type)
		return Ack{Received: true, Processed: false, Reason: "no license key in event"}, nil
	}
	licenseKey = strings.ToUpper(strings.TrimSpace(licenseKey))

	action, mutate := p.mutationFor(event)
	if mutate == nil {
		p.logger.InfoContext(ctx, "ignoring webhook event type",
			"event_type", event.Type, "license_key", licenseKey)
		return Ack{Received: true, Processed: false, Reason: "unhandled event type: " + event.Type}, nil
	}

	eventID := event.ID
	if eventID == "" {
		// Synthesize a deterministic ID so replays of the same payload
		// still dedupe.
		eventID = fmt.Sprintf("%s:%s:%s", event.Type, licenseKey, event.Data.ID)
	}

	outcome, err := p.store.ApplyWebhookEvent(ctx, eventID, event.Type, licenseKey, mutate)
	if err != nil {
		return Ack{}, fmt.Errorf("apply webhook: %w", err)
	}

	switch outcome {
	case store.WebhookDuplicate:
		return Ack{Received: true, Processed: false, Reason: "duplicate event"}, nil
	case store.WebhookUnknownLicense:
		p.logger.WarnContext(ctx, "webhook for unknown license",
			"event_type", event.Type, "license_key", licenseKey)
		return Ack{Received: true, Processed: false, Reason: "unknown license"}, nil
	}

	p.logger.InfoContext(ctx, "webhook applied",
		"event_id", eventID, "event_type", event.Type,
		"license_key", licenseKey, "action", action)
	return Ack{Received: true, Processed: true, Action: action}, nil
}

// mutationFor maps an event type to the license mutation it implies.
// A nil mutation means the type is acknowledged but ignored.
func (p *Processor) mutationFor(event Event) (string, func(*store.License)) {
	now := p.now().UTC()
	switch event.Type {
	case "subscription.cancelled", "subscription.expired",
		"charge.refunded", "license.revoked":
		return "deactivated", func(lic *store.License) {
			lic.IsActive = false
			lic.DeactivatedAt = &now
		}
	case "subscription.renewed", "subscription.reactivated", "charge.succeeded":
		expiry := event.expiry()
		return "reactivated", func(lic *store.License) {
			lic.IsActive = true
			lic.DeactivatedAt = nil
			if expiry != nil {
				lic.ExpiresAt = *expiry
			}
		}
	default:
		return "", nil
	}
}

// licenseKey digs the key out of the event data, falling back to the
// nested license object some event shapes carry.
func (e Event) licenseKey() string {
	if e.Data.LicenseKey != "" {
		return e.Data.LicenseKey
	}
	if e.Data.Key != "" {
		return e.Data.Key
	}
	if len(e.Data.License) > 0 {
		var nested struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(e.Data.License, &nested); err == nil {
			return nested.Key
		}
	}
	return ""
}

// expiry resolves the new expiry for a renewal, preferring expires_at and
// falling back to current_period_end.
func (e Event) expiry() *time.Time {
	for _, raw := range []string{e.Data.ExpiresAt, e.Data.PeriodEnd} {
		if raw == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, raw); err == nil {
				ts = ts.UTC()
				return &ts
			}
		}
	}
	return nil
}
