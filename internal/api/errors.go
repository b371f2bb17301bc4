package api

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	apperrors "github.com/registry-scanner/internal/errors"
	"github.com/registry-scanner/internal/logging"
	"github.com/registry-scanner/internal/storage"
	"github.com/registry-scanner/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body. An empty body leaves v untouched.
func parseJSONBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil && !stderrors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeRateLimited        = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// respondServiceError maps a service error onto its HTTP status. Internal failures are
// logged and answered with a generic message.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if stderrors.Is(err, storage.ErrNotFound) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "resource not found", nil)
		return
	}

	catErr := apperrors.Categorize(err)
	if catErr.StatusCode >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).WithError(err).WithField("code", catErr.Code).Error("Request failed")
	}

	switch catErr.Category {
	case apperrors.CategorySystem:
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "An internal error occurred", nil)
	case apperrors.CategoryStorageUnavailable:
		respondError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "storage is unavailable", nil)
	default:
		respondError(w, catErr.StatusCode, catErr.Code, catErr.Message, catErr.Details)
	}
}
