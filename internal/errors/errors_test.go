package errors

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError_JSONShape(t *testing.T) {
	e := DeviceLimit(2, 2)

	data, err := json.Marshal(e)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &body))

	assert.Equal(t, false, body["valid"])
	assert.Equal(t, "ERROR_DEVICE_LIMIT", body["code"])
	assert.Equal(t, float64(2), body["devicesUsed"])
	assert.Equal(t, float64(2), body["maxDevices"])
	assert.NotContains(t, body, "retryAfter")
}

func TestAPIError_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		err    *APIError
		status int
		code   string
	}{
		{"missing key", MissingKey(), http.StatusBadRequest, CodeMissingKey},
		{"missing device", MissingDevice(), http.StatusBadRequest, CodeMissingDevice},
		{"invalid key", InvalidKey(), http.StatusUnauthorized, CodeInvalidKey},
		{"inactive", Inactive(), http.StatusForbidden, CodeInactive},
		{"expired", Expired("2025-01-01T00:00:00Z"), http.StatusForbidden, CodeExpired},
		{"creem rejected", CreemRejected(""), http.StatusForbidden, CodeCreemRejected},
		{"rate limited", RateLimited(30), http.StatusTooManyRequests, CodeRateLimited},
		{"daily limit", DailyLimit(), http.StatusServiceUnavailable, CodeDailyLimit},
		{"unauthorized", Unauthorized("invalid session"), http.StatusUnauthorized, "HTTP_401"},
		{"not found", NotFound("device not found"), http.StatusNotFound, "HTTP_404"},
		{"internal", Internal(), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, tt.err.StatusCode)
			assert.Equal(t, tt.code, tt.err.Code)
			assert.False(t, tt.err.Valid)
			assert.NotEmpty(t, tt.err.Message)
		})
	}
}

func TestRateLimited_RetryAfter(t *testing.T) {
	e := RateLimited(42)
	assert.Equal(t, 42, e.RetryAfter)
	assert.Contains(t, e.Message, "42")
}
