package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"fintrust/internal/domain"
	"fintrust/internal/middleware"
	"fintrust/internal/trust"
	"fintrust/pkg/logger"
	"fintrust/pkg/validator"

	"github.com/gorilla/mux"
)

// DeviceHandler handles device registration and management endpoints.
type DeviceHandler struct {
	service   *trust.Service
	validator *validator.Validator
	logger    logger.Logger
}

func NewDeviceHandler(service *trust.Service, val *validator.Validator, log logger.Logger) *DeviceHandler {
	return &DeviceHandler{
		service:   service,
		validator: val,
		logger:    log,
	}
}

// Register handles device registration.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req trust.RegisterDeviceRequest

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		if err == io.EOF {
			respondError(w, http.StatusBadRequest, "Request body is required")
			return
		}
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.IP == "" {
		req.IP = clientIP(r)
	}
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	result, err := h.service.RegisterDevice(r.Context(), &req)
	if err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("Device registration failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Device registration failed")
		return
	}

	resp := map[string]interface{}{"device": result.Device}
	if result.VerificationRequired {
		// The confirmation code is delivered out of band through the
		// notification channel, never in this response.
		resp["verification_required"] = true
	}

	respondJSON(w, http.StatusCreated, resp)
}

// ConfirmRequest carries the out-of-band verification code.
type ConfirmRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	Code     string `json:"code" validate:"required,len=6"`
}

// Confirm completes out-of-band verification of a pending device.
func (h *DeviceHandler) Confirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validator.Validate(&req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.ConfirmDevice(r.Context(), req.DeviceID, req.Code); err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("Device confirmation failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Device confirmation failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// List returns the authenticated user's devices.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var status *domain.DeviceStatus
	if s := r.URL.Query().Get("status"); s != "" {
		ds := domain.DeviceStatus(s)
		status = &ds
	}

	devices, err := h.service.ListDevices(r.Context(), userID, status)
	if err != nil {
		h.logger.Error("Device listing failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Device listing failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

// Remove soft-removes one of the authenticated user's devices.
func (h *DeviceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	deviceID := mux.Vars(r)["deviceId"]

	if err := h.service.RemoveDevice(r.Context(), userID, deviceID); err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("Device removal failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Device removal failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// EnrollMFA provisions a TOTP secret for one of the user's devices.
func (h *DeviceHandler) EnrollMFA(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	deviceID := mux.Vars(r)["deviceId"]

	secret, url, err := h.service.EnrollMFA(r.Context(), userID, deviceID)
	if err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("MFA enrolment failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "MFA enrolment failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"secret":      secret,
		"otpauth_url": url,
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
