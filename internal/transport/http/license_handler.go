// Package http exposes the license API over HTTP: request decoding,
// validation and response shaping around the service layer.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "hedgeapi/internal/errors"
	"hedgeapi/internal/middleware"
	"hedgeapi/internal/services"
)

var validate = validator.New()

// validateRequest accepts both camelCase and snake_case field names; MQL
// agents and the desktop app disagree on casing.
type validateRequest struct {
	LicenseKeyCamel string `json:"licenseKey" validate:"omitempty,min=8,max=64"`
	LicenseKeySnake string `json:"license_key" validate:"omitempty,min=8,max=64"`
	DeviceIDCamel   string `json:"deviceId" validate:"omitempty,min=8,max=255"`
	DeviceIDSnake   string `json:"device_id" validate:"omitempty,min=8,max=255"`
	Platform        string `json:"platform" validate:"omitempty,max=16"`
	AccountID       string `json:"accountId" validate:"omitempty,max=100"`
	Broker          string `json:"broker" validate:"omitempty,max=100"`
	Version         string `json:"version" validate:"omitempty,max=20"`
	InstanceName    string `json:"instance_name" validate:"omitempty,max=255"`
}

func (r *validateRequest) effectiveLicenseKey() string {
	if r.LicenseKeyCamel != "" {
		return r.LicenseKeyCamel
	}
	return r.LicenseKeySnake
}

func (r *validateRequest) effectiveDeviceID() string {
	if r.DeviceIDCamel != "" {
		return r.DeviceIDCamel
	}
	return r.DeviceIDSnake
}

type validateResponse struct {
	Valid       bool     `json:"valid"`
	Token       string   `json:"token"`
	TTLSeconds  int      `json:"ttlSeconds"`
	Plan        string   `json:"plan"`
	Features    []string `json:"features"`
	ExpiresAt   string   `json:"expiresAt"`
	Email       string   `json:"email,omitempty"`
	DevicesUsed int      `json:"devicesUsed"`
	MaxDevices  int      `json:"maxDevices"`
	ServerTime  int64    `json:"serverTime"`
}

type heartbeatRequest struct {
	Token    string          `json:"token" validate:"required,len=64"`
	DeviceID string          `json:"deviceId" validate:"required,min=8,max=255"`
	Status   json.RawMessage `json:"status,omitempty"`
}

type heartbeatResponse struct {
	Valid      bool   `json:"valid"`
	NewToken   string `json:"newToken,omitempty"`
	TTLSeconds int    `json:"ttlSeconds"`
}

type deactivateRequest struct {
	LicenseKeyCamel string `json:"licenseKey"`
	LicenseKeySnake string `json:"license_key"`
	DeviceIDCamel   string `json:"deviceId"`
	DeviceIDSnake   string `json:"device_id"`
}

func (r *deactivateRequest) effectiveLicenseKey() string {
	if r.LicenseKeySnake != "" {
		return r.LicenseKeySnake
	}
	return r.LicenseKeyCamel
}

func (r *deactivateRequest) effectiveDeviceID() string {
	if r.DeviceIDSnake != "" {
		return r.DeviceIDSnake
	}
	return r.DeviceIDCamel
}

type deactivateResponse struct {
	Success          bool `json:"success"`
	DevicesRemaining int  `json:"devicesRemaining"`
}

// LicenseHandler serves the /v1/license endpoints.
type LicenseHandler struct {
	licenses *services.LicenseService
	health   *services.HealthService
}

// NewLicenseHandler creates the license endpoint handler.
func NewLicenseHandler(licenses *services.LicenseService, health *services.HealthService) *LicenseHandler {
	return &LicenseHandler{licenses: licenses, health: health}
}

// Validate handles POST /v1/license/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, apierrors.MissingKey())
		return
	}
	if req.effectiveLicenseKey() == "" {
		renderError(w, r, apierrors.MissingKey())
		return
	}
	if err := validate.Struct(&req); err != nil {
		renderError(w, r, shapeError(err))
		return
	}

	result, err := h.licenses.Validate(r.Context(), services.ValidateInput{
		LicenseKey:   req.effectiveLicenseKey(),
		DeviceID:     req.effectiveDeviceID(),
		Platform:     req.Platform,
		AccountID:    req.AccountID,
		Broker:       req.Broker,
		Version:      req.Version,
		InstanceName: req.InstanceName,
		ClientIP:     middleware.GetClientIP(r),
	})
	if err != nil {
		renderServiceError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, validateResponse{
		Valid:       true,
		Token:       result.Token,
		TTLSeconds:  result.TTLSeconds,
		Plan:        result.Plan,
		Features:    result.Features,
		ExpiresAt:   result.ExpiresAt.UTC().Format(time.RFC3339),
		Email:       result.Email,
		DevicesUsed: result.DevicesUsed,
		MaxDevices:  result.MaxDevices,
		ServerTime:  time.Now().UTC().Unix(),
	})
}

// Heartbeat handles POST /v1/license/heartbeat.
func (h *LicenseHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, apierrors.Unauthorized("Invalid or expired session token"))
		return
	}
	if err := validate.Struct(&req); err != nil {
		renderError(w, r, apierrors.Unauthorized("Invalid or expired session token"))
		return
	}

	result, err := h.licenses.Heartbeat(r.Context(), req.Token, req.DeviceID, middleware.GetClientIP(r))
	if err != nil {
		renderServiceError(w, r, err)
		return
	}

	render.JSON(w, r, heartbeatResponse{
		Valid:      true,
		NewToken:   result.NewToken,
		TTLSeconds: result.TTLSeconds,
	})
}

// Deactivate handles POST /v1/license/deactivate.
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, apierrors.New(http.StatusBadRequest, apierrors.CodeMissingKey,
			"license_key and device_id are required"))
		return
	}

	result, err := h.licenses.Deactivate(r.Context(), req.effectiveLicenseKey(), req.effectiveDeviceID(),
		middleware.GetClientIP(r))
	if err != nil {
		renderServiceError(w, r, err)
		return
	}

	render.JSON(w, r, deactivateResponse{
		Success:          true,
		DevicesRemaining: result.DevicesRemaining,
	})
}

// Status handles GET /v1/license/status.
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.health.Status(r.Context()))
}

// shapeError maps a struct-validation failure to the field-specific
// error code: defects on the device fields report ERROR_MISSING_DEVICE,
// anything else ERROR_MISSING_KEY.
func shapeError(err error) *apierrors.APIError {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			if fe.Field() == "DeviceIDCamel" || fe.Field() == "DeviceIDSnake" {
				return apierrors.New(http.StatusBadRequest, apierrors.CodeMissingDevice, "Malformed device ID")
			}
		}
	}
	return apierrors.New(http.StatusBadRequest, apierrors.CodeMissingKey, "Malformed request")
}

// renderServiceError renders a service failure, mapping anything that is
// not an APIError to the uniform 500 body.
func renderServiceError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr, ok := err.(*apierrors.APIError)
	if !ok {
		apiErr = apierrors.Internal()
	}
	renderError(w, r, apiErr)
}

// renderError stamps serverTime on rejection bodies so clients can detect
// clock drift even on failure paths.
func renderError(w http.ResponseWriter, r *http.Request, apiErr *apierrors.APIError) {
	if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
		apiErr.ServerTime = time.Now().UTC().Unix()
	}
	render.Render(w, r, apiErr)
}
