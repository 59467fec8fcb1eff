// Package errors defines the stable error codes of the license API.
// Clients key retry and messaging behavior off Code, so codes are part of
// the wire contract and must never change meaning between releases.
package errors

import (
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Stable error codes returned in the "code" field of failure responses.
const (
	CodeMissingKey    = "ERROR_MISSING_KEY"
	CodeMissingDevice = "ERROR_MISSING_DEVICE"
	CodeInvalidKey    = "ERROR_INVALID_KEY"
	CodeInactive      = "ERROR_INACTIVE"
	CodeExpired       = "ERROR_EXPIRED"
	CodeDeviceLimit   = "ERROR_DEVICE_LIMIT"
	CodeCreemRejected = "ERROR_CREEM_REJECTED"
	CodeRateLimited   = "ERROR_RATE_LIMITED"
	CodeDailyLimit    = "ERROR_DAILY_LIMIT"
	CodeInternal      = "ERROR_INTERNAL"
)

// APIError is the uniform failure body: {"valid":false,"message":...,"code":...}.
// It implements both error and render.Renderer so services can return it
// directly and handlers can render it without translation.
type APIError struct {
	StatusCode  int    `json:"-"`
	Valid       bool   `json:"valid"`
	Message     string `json:"message"`
	Code        string `json:"code"`
	RetryAfter  int    `json:"retryAfter,omitempty"`
	ServerTime  int64  `json:"serverTime,omitempty"`
	ExpiresAt   string `json:"expiresAt,omitempty"`
	DevicesUsed *int   `json:"devicesUsed,omitempty"`
	MaxDevices  *int   `json:"maxDevices,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	}
	render.Status(r, e.StatusCode)
	return nil
}

// New creates an APIError with the given status, code and message
func New(statusCode int, code, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		Code:       code,
		Message:    message,
	}
}

// MissingKey reports a request body without a license key
func MissingKey() *APIError {
	return New(http.StatusBadRequest, CodeMissingKey, "License key is required")
}

// MissingDevice reports a request body without a device ID
func MissingDevice() *APIError {
	return New(http.StatusBadRequest, CodeMissingDevice, "Device ID is required")
}

// InvalidKey reports an unknown license key
func InvalidKey() *APIError {
	return New(http.StatusUnauthorized, CodeInvalidKey, "Invalid license key")
}

// Inactive reports a license deactivated by admin or webhook
func Inactive() *APIError {
	return New(http.StatusForbidden, CodeInactive, "License is inactive")
}

// Expired reports a license past its expiry date
func Expired(expiresAt string) *APIError {
	e := New(http.StatusForbidden, CodeExpired, "License has expired")
	e.ExpiresAt = expiresAt
	return e
}

// DeviceLimit reports slot exhaustion with the counts the client needs to
// render a "deactivate another device" prompt
func DeviceLimit(used, max int) *APIError {
	e := New(http.StatusForbidden, CodeDeviceLimit,
		fmt.Sprintf("Device limit reached (%d/%d). Deactivate another device first.", used, max))
	e.DevicesUsed = &used
	e.MaxDevices = &max
	return e
}

// CreemRejected reports an explicit upstream denial
func CreemRejected(message string) *APIError {
	if message == "" {
		message = "License subscription is not active. Please check your payment status."
	}
	return New(http.StatusForbidden, CodeCreemRejected, message)
}

// RateLimited reports a per-IP budget denial
func RateLimited(retryAfterSeconds int) *APIError {
	e := New(http.StatusTooManyRequests, CodeRateLimited,
		fmt.Sprintf("Rate limit exceeded. Please retry after %d seconds.", retryAfterSeconds))
	e.RetryAfter = retryAfterSeconds
	return e
}

// DailyLimit reports the process-wide daily quota denial
func DailyLimit() *APIError {
	return New(http.StatusServiceUnavailable, CodeDailyLimit,
		"Daily request limit exceeded. Service will resume at midnight UTC.")
}

// Unauthorized reports a generic authorization failure (invalid session,
// unknown key on deactivate). The code mirrors the HTTP status per the
// original client contract.
func Unauthorized(message string) *APIError {
	return New(http.StatusUnauthorized, "HTTP_401", message)
}

// NotFound reports a missing resource on deactivate
func NotFound(message string) *APIError {
	return New(http.StatusNotFound, "HTTP_404", message)
}

// Internal reports an infrastructure failure. No detail leaks to the client.
func Internal() *APIError {
	return New(http.StatusInternalServerError, CodeInternal, "Internal server error")
}
