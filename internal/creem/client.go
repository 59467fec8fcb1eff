// Package creem talks to the Creem billing platform: outbound license
// confirmation during validate, and inbound webhook verification and
// application for subscription lifecycle events.
package creem

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"hedgeapi/internal/config"
)

// Confirmation is the upstream's verdict on a license key. When the
// upstream cannot be reached the client degrades to a valid verdict with
// a non-"active" status so local-store checks remain authoritative.
type Confirmation struct {
	Valid      bool
	Status     string
	InstanceID string
	Message    string
}

// Client calls the Creem license endpoints. The zero-value-APIKey client
// is disabled and confirms nothing.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	logger     *slog.Logger

	warnOnce sync.Once
}

// NewClient creates a Creem API client from config. Mode selects the
// sandbox or production base URL.
func NewClient(cfg config.CreemConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    cfg.BaseURL(),
		apiKey:     cfg.APIKey,
		logger:     logger,
	}
}

// Enabled reports whether upstream confirmation is configured.
func (c *Client) Enabled() bool { return c.apiKey != "" }

// Confirm checks a license key against Creem. It first tries to activate
// an instance for the device; Creem answers 403 when the key is valid but
// all upstream instance slots are taken, in which case a plain validate
// settles the verdict. Transport failures and timeouts degrade to a
// valid/unchecked verdict rather than blocking validation.
func (c *Client) Confirm(ctx context.Context, licenseKey, deviceID string) Confirmation {
	if !c.Enabled() {
		return Confirmation{Valid: true, Status: "unchecked"}
	}

	conf, err := c.activate(ctx, licenseKey, deviceID)
	if err == nil {
		return conf
	}
	if err == errSlotsFull {
		conf, err = c.validate(ctx, licenseKey)
		if err == nil {
			return conf
		}
	}

	c.warnOnce.Do(func() {
		c.logger.WarnContext(ctx, "creem upstream unreachable, degrading to local-only validation",
			"error", err,
		)
	})
	return Confirmation{Valid: true, Status: "unreachable"}
}

// errSlotsFull is activate's 403: the key is valid but upstream instance
// slots are exhausted. Not a rejection.
var errSlotsFull = fmt.Errorf("creem: activation slots full")

type licenseResponse struct {
	Status   string          `json:"status"`
	Instance json.RawMessage `json:"instance"`
	Message  string          `json:"message"`
	Error    string          `json:"error"`
}

func (c *Client) activate(ctx context.Context, licenseKey, deviceID string) (Confirmation, error) {
	body := map[string]string{
		"key":           licenseKey,
		"instance_name": deviceID,
	}
	resp, payload, err := c.post(ctx, "/v1/licenses/activate", body)
	if err != nil {
		return Confirmation{}, err
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return Confirmation{}, errSlotsFull
	case resp.StatusCode >= 400:
		msg := payload.Message
		if msg == "" {
			msg = payload.Error
		}
		return Confirmation{Valid: false, Status: payload.Status, Message: msg}, nil
	}

	conf := Confirmation{Status: payload.Status, InstanceID: extractInstanceID(payload.Instance)}
	conf.Valid = payload.Status == "active"
	if !conf.Valid {
		conf.Message = payload.Message
	}
	return conf, nil
}

func (c *Client) validate(ctx context.Context, licenseKey string) (Confirmation, error) {
	resp, payload, err := c.post(ctx, "/v1/licenses/validate", map[string]string{"key": licenseKey})
	if err != nil {
		return Confirmation{}, err
	}
	if resp.StatusCode >= 400 {
		msg := payload.Message
		if msg == "" {
			msg = payload.Error
		}
		return Confirmation{Valid: false, Status: payload.Status, Message: msg}, nil
	}
	conf := Confirmation{Status: payload.Status, Valid: payload.Status == "active"}
	if !conf.Valid {
		conf.Message = payload.Message
	}
	return conf, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*http.Response, *licenseResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("call creem: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read creem response: %w", err)
	}

	payload := &licenseResponse{}
	if len(raw) > 0 {
		// Tolerate non-JSON error bodies; status code still decides.
		_ = json.Unmarshal(raw, payload)
	}
	return resp, payload, nil
}

// extractInstanceID pulls the instance ID out of Creem's activate
// response, which returns either a single instance object or an array.
func extractInstanceID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.ID != "" {
		return obj.ID
	}
	var list []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0].ID
	}
	return ""
}

// VerifySignature checks the x-creem-signature header: lowercase hex
// HMAC-SHA256 of the raw body under the webhook secret. An unset secret
// verifies nothing and always fails.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign computes the webhook signature for a body. Used by tests and by
// any future outbound webhook relay.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
