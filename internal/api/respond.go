package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/models"
	"github.com/samhotchkiss/threadmask/internal/store"
)

const maxJSONBodyBytes = 64 << 10

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Result any    `json:"result,omitempty"`
}

// conflictResponse acknowledges a request whose effect already happened.
type conflictResponse struct {
	Status   string `json:"status"`
	Resource string `json:"resource,omitempty"`
	Key      string `json:"key,omitempty"`
}

func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// sendError maps the error taxonomy onto HTTP. result is echoed for policy and
// provider failures, whose operations still produced a stored message.
func sendError(w http.ResponseWriter, log *logger.Logger, err error, result any) {
	var (
		validation *models.ValidationError
		conflict   *models.ConflictError
	)
	switch {
	case errors.As(err, &validation):
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Reason, Field: validation.Field})
	case errors.As(err, &conflict):
		sendJSON(w, http.StatusOK, conflictResponse{Status: "already_applied", Resource: conflict.Resource, Key: conflict.Key})
	case errors.Is(err, models.ErrConflict):
		sendJSON(w, http.StatusOK, conflictResponse{Status: "already_applied"})
	case errors.Is(err, models.ErrValidation):
		sendJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrForbidden):
		sendJSON(w, http.StatusForbidden, errorResponse{Error: err.Error()})
	case errors.Is(err, models.ErrPolicyViolation):
		sendJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Result: result})
	case errors.Is(err, models.ErrProvider):
		log.Warn("provider failure", "error", err)
		sendJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Result: result})
	case errors.Is(err, models.ErrConfiguration):
		log.Error("configuration error", "error", err)
		sendJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		sendJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, store.ErrNotConfigured):
		sendJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "storage is unavailable"})
	default:
		log.Error("request failed", "error", err)
		sendJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return models.NewValidationError("body", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}
