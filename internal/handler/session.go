package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"fintrust/internal/domain"
	"fintrust/internal/trust"
	"fintrust/pkg/logger"
	"fintrust/pkg/validator"
)

// SessionHandler handles authentication and session lifecycle endpoints.
type SessionHandler struct {
	service   *trust.Service
	validator *validator.Validator
	logger    logger.Logger
}

func NewSessionHandler(service *trust.Service, val *validator.Validator, log logger.Logger) *SessionHandler {
	return &SessionHandler{
		service:   service,
		validator: val,
		logger:    log,
	}
}

// Authenticate issues a session and refresh token pair for an active device.
func (h *SessionHandler) Authenticate(w http.ResponseWriter, r *http.Request) {
	var req trust.AuthenticateRequest

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

	result, err := h.service.Authenticate(r.Context(), &req)
	if err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("Authentication failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Authentication failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"session_token":      result.Tokens.SessionToken,
		"refresh_token":      result.Tokens.RefreshToken,
		"expires_at":         result.Tokens.ExpiresAt,
		"refresh_expires_at": result.Tokens.RefreshExpiresAt,
		"security_level":     result.SecurityLevel,
		"risk_score":         result.RiskScore,
	})
}

// RefreshRequest carries the refresh token to exchange.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

// Refresh exchanges a refresh token for a new token pair.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest

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

	pair, err := h.service.RefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("Token refresh failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Token refresh failed")
		return
	}

	respondJSON(w, http.StatusOK, pair)
}

// Validate resolves the bearer session token to its validation result.
// Invalid and unknown tokens both read as 401 with no further detail.
func (h *SessionHandler) Validate(w http.ResponseWriter, r *http.Request) {
	sessionToken, ok := bearerToken(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Bearer token required")
		return
	}

	validation, err := h.service.ValidateSession(r.Context(), sessionToken)
	if err != nil {
		h.logger.Error("Session validation failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Session validation failed")
		return
	}
	if validation == nil {
		respondError(w, http.StatusUnauthorized, "Invalid session")
		return
	}

	respondJSON(w, http.StatusOK, validation)
}

// Logout terminates the bearer session.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	sessionToken, ok := bearerToken(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "Bearer token required")
		return
	}

	if err := h.service.TerminateSession(r.Context(), sessionToken, domain.TerminationReasonLogout); err != nil {
		if status, msg, ok := mapTrustError(err); ok {
			respondError(w, status, msg)
			return
		}
		h.logger.Error("Logout failed", map[string]interface{}{"error": err.Error()})
		respondError(w, http.StatusInternalServerError, "Logout failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
