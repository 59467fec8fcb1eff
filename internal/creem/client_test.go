package creem

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hedgeapi/internal/config"
	"hedgeapi/internal/infrastructure"
)

func newUpstreamClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(config.CreemConfig{
		APIKey:  "creem_test_key",
		Mode:    "sandbox",
		Timeout: 2 * time.Second,
	}, infrastructure.GetLogger())
	c.baseURL = srv.URL
	return c
}

func TestConfirm_DisabledWithoutAPIKey(t *testing.T) {
	c := NewClient(config.CreemConfig{Mode: "production", Timeout: time.Second}, infrastructure.GetLogger())

	assert.False(t, c.Enabled())
	conf := c.Confirm(context.Background(), "HEDGE-TEST-0001", "device-aaaa-0001")
	assert.True(t, conf.Valid)
	assert.Equal(t, "unchecked", conf.Status)
}

func TestConfirm_ActivateSucceeds(t *testing.T) {
	c := newUpstreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/licenses/activate", r.URL.Path)
		require.Equal(t, "creem_test_key", r.Header.Get("x-api-key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"active","instance":{"id":"inst_123"}}`))
	}))

	conf := c.Confirm(context.Background(), "HEDGE-TEST-0001", "device-aaaa-0001")
	assert.True(t, conf.Valid)
	assert.Equal(t, "active", conf.Status)
	assert.Equal(t, "inst_123", conf.InstanceID)
}

func TestConfirm_InstanceArrayShape(t *testing.T) {
	c := newUpstreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"active","instance":[{"id":"inst_456"},{"id":"inst_789"}]}`))
	}))

	conf := c.Confirm(context.Background(), "HEDGE-TEST-0001", "device-aaaa-0001")
	assert.True(t, conf.Valid)
	assert.Equal(t, "inst_456", conf.InstanceID)
}

func TestConfirm_SlotsFullFallsBackToValidate(t *testing.T) {
	c := newUpstreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/licenses/activate":
			w.WriteHeader(http.StatusForbidden)
		case "/v1/licenses/validate":
			w.Write([]byte(`{"status":"active"}`))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	conf := c.Confirm(context.Background(), "HEDGE-TEST-0001", "device-aaaa-0001")
	assert.True(t, conf.Valid, "activate 403 means slots full, not rejection")
}

func TestConfirm_ExplicitRejection(t *testing.T) {
	c := newUpstreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"disabled","message":"subscription cancelled"}`))
	}))

	conf := c.Confirm(context.Background(), "HEDGE-TEST-0001", "device-aaaa-0001")
	assert.False(t, conf.Valid)
	assert.Equal(t, "subscription cancelled", conf.Message)
}

func TestConfirm_InactiveStatusRejected(t *testing.T) {
	c := newUpstreamClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"expired","message":"subscription lapsed"}`))
	}))

	conf := c.Confirm(context.Background(), "HEDGE-TEST-0001", "device-aaaa-0001")
	assert.False(t, conf.Valid)
	assert.Equal(t, "expired", conf.Status)
}

func TestConfirm_UnreachableDegrades(t *testing.T) {
	c := NewClient(config.CreemConfig{
		APIKey:  "creem_test_key",
		Mode:    "sandbox",
		Timeout: 200 * time.Millisecond,
	}, infrastructure.GetLogger())
	c.baseURL = "http://127.0.0.1:1" // nothing listens here

	conf := c.Confirm(context.Background(), "HEDGE-TEST-0001", "device-aaaa-0001")
	assert.True(t, conf.Valid, "transport failure must not block validation")
	assert.Equal(t, "unreachable", conf.Status)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1","eventType":"subscription.cancelled"}`)
	sig := Sign("whsec_test", body)

	assert.True(t, VerifySignature("whsec_test", body, sig))
	assert.False(t, VerifySignature("whsec_test", body, "deadbeef"))
	assert.False(t, VerifySignature("whsec_other", body, sig))
	assert.False(t, VerifySignature("", body, sig), "unset secret rejects everything")
	assert.False(t, VerifySignature("whsec_test", body, ""))
}
