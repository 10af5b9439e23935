package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"fintrust/internal/domain"
	"fintrust/internal/trust"
	"fintrust/pkg/logger"
)

// AdminHandler exposes operator actions over devices and sessions. Routes
// using it must sit behind the admin key middleware.
type AdminHandler struct {
	service *trust.Service
	logger  logger.Logger
}

func NewAdminHandler(service *trust.Service, log logger.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		logger:  log,
	}
}

type trustRequest struct {
	Trusted bool `json:"trusted"`
}

// SetTrust manually overrides a device's trusted flag.
func (h *AdminHandler) SetTrust(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	var req trustRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.service.SetDeviceTrust(r.Context(), deviceID, req.Trusted); err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("Trust override failed", map[string]interface{}{
			"device_id": deviceID,
			"error":     err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "Trust override failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id": deviceID,
		"trusted":   req.Trusted,
	})
}

// Block moves a device to BLOCKED and terminates its sessions.
func (h *AdminHandler) Block(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	if err := h.service.BlockDevice(r.Context(), deviceID); err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("Device block failed", map[string]interface{}{
			"device_id": deviceID,
			"error":     err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "Device block failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"device_id": deviceID,
		"status":    string(domain.DeviceStatusBlocked),
	})
}

// Rescore recomputes a device's risk score from its stored posture.
func (h *AdminHandler) Rescore(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["deviceId"]

	score, err := h.service.RescoreDevice(r.Context(), deviceID)
	if err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("Device rescore failed", map[string]interface{}{
			"device_id": deviceID,
			"error":     err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "Device rescore failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"device_id":  deviceID,
		"risk_score": score,
	})
}

// TerminateUserSessions force-terminates every active session for a user.
func (h *AdminHandler) TerminateUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	terminated, err := h.service.TerminateAllUserSessions(r.Context(), userID, domain.TerminationReasonAdmin)
	if err != nil {
		h.logger.Error("Bulk session termination failed", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		respondError(w, http.StatusInternalServerError, "Session termination failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    userID,
		"terminated": terminated,
	})
}
