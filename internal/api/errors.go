package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ledgerchat/entitlements/internal/entitlements"
	"github.com/ledgerchat/entitlements/internal/logging"
	"github.com/rs/zerolog/log"
)

// APIError represents a structured API error response
type APIError struct {
	ErrorMessage string            `json:"error"`
	Code         string            `json:"code,omitempty"`
	StatusCode   int               `json:"status_code"`
	Timestamp    int64             `json:"timestamp"`
	RequestID    string            `json:"request_id,omitempty"`
	Details      map[string]string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.ErrorMessage
}

// writeErrorResponse writes a consistent error response
func writeErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, code, message string, details map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	resp := APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   statusCode,
		Timestamp:    time.Now().Unix(),
		Details:      details,
	}
	if r != nil {
		resp.RequestID = logging.RequestID(r.Context())
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeEngineError maps engine errors onto HTTP statuses. Internal detail is
// logged, never returned.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var quota *entitlements.QuotaExceededError
	switch {
	case errors.As(err, &quota):
		writeErrorResponse(w, r, http.StatusTooManyRequests, "quota_exceeded", quota.Error(), map[string]string{
			"plan_id":   string(quota.Plan),
			"limit":     strconv.FormatInt(quota.Limit, 10),
			"current":   strconv.FormatInt(quota.Current, 10),
			"requested": strconv.FormatInt(quota.Requested, 10),
		})
	case entitlements.IsValidation(err):
		writeErrorResponse(w, r, http.StatusBadRequest, "invalid_request", validationMessage(err), nil)
	case entitlements.IsUnavailable(err):
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Entitlement store unavailable")
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "unavailable", "service unavailable", nil)
	case entitlements.IsTransient(err):
		logger := logging.FromContext(r.Context())
		logger.Warn().Err(err).Msg("Entitlement store request failed")
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "store_error", "entitlement store temporarily unavailable", nil)
	default:
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Unhandled entitlement error")
		writeErrorResponse(w, r, http.StatusInternalServerError, "internal_error", "An unexpected error occurred", nil)
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, entitlements.ErrInvalidUserID):
		return entitlements.ErrInvalidUserID.Error()
	case errors.Is(err, entitlements.ErrInvalidPlan):
		return entitlements.ErrInvalidPlan.Error()
	case errors.Is(err, entitlements.ErrInvalidStatus):
		return entitlements.ErrInvalidStatus.Error()
	case errors.Is(err, entitlements.ErrInvalidTokens):
		return entitlements.ErrInvalidTokens.Error()
	default:
		return "invalid request"
	}
}
