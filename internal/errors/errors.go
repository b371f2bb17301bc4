package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/registry-scanner/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryTransientFetch represents upstream failures worth retrying (timeouts, 5xx, 429)
	CategoryTransientFetch ErrorCategory = "transient_fetch"
	// CategoryCapExceeded represents the upstream refusing a page beyond its result ceiling
	CategoryCapExceeded ErrorCategory = "cap_exceeded"
	// CategoryNormalization represents a malformed upstream record
	CategoryNormalization ErrorCategory = "normalization"
	// CategoryMergeConflict represents a broken address timeline invariant
	CategoryMergeConflict ErrorCategory = "merge_conflict"
	// CategoryWatermarkPersist represents a failure to record partition progress
	CategoryWatermarkPersist ErrorCategory = "watermark_persist"
	// CategoryStorageUnavailable represents the store being unreachable
	CategoryStorageUnavailable ErrorCategory = "storage_unavailable"
	// CategoryProvider represents non-retryable upstream errors
	CategoryProvider ErrorCategory = "provider"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Sync pipeline errors

// NewTransientFetchError creates an error for a retryable upstream failure
func NewTransientFetchError(operation string, statusCode int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransientFetch,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSIENT_FETCH_ERROR",
		Message:    fmt.Sprintf("upstream request failed during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation":      operation,
			"upstreamStatus": statusCode,
		},
	}
}

// NewCapExceededError creates an error for a page request past the upstream result ceiling
func NewCapExceededError(partitionKey string, page, pageSize int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCapExceeded,
		StatusCode: http.StatusBadGateway,
		Code:       "CAP_EXCEEDED",
		Message:    fmt.Sprintf("upstream result cap reached for partition %s at page %d", partitionKey, page),
		Details: map[string]interface{}{
			"partition": partitionKey,
			"page":      page,
			"pageSize":  pageSize,
		},
	}
}

// NewNormalizationError creates an error for a record missing required fields
func NewNormalizationError(recordID, field, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNormalization,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "NORMALIZATION_ERROR",
		Message:    fmt.Sprintf("cannot normalize record %q: %s %s", recordID, field, reason),
		Details: map[string]interface{}{
			"recordId": recordID,
			"field":    field,
		},
	}
}

// NewMergeConflictError creates an error for an entity whose timeline has more than one current record
func NewMergeConflictError(entityID string, kind types.AddressKind, current int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryMergeConflict,
		StatusCode: http.StatusConflict,
		Code:       "MERGE_CONFLICT",
		Message:    fmt.Sprintf("entity %s has %d current %s addresses", entityID, current, kind),
		Details: map[string]interface{}{
			"entityId": entityID,
			"kind":     kind,
			"current":  current,
		},
	}
}

// NewWatermarkPersistError creates an error for a failed watermark write
func NewWatermarkPersistError(partitionKey string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryWatermarkPersist,
		StatusCode: http.StatusInternalServerError,
		Code:       "WATERMARK_PERSIST_ERROR",
		Message:    fmt.Sprintf("failed to persist watermark for partition %s", partitionKey),
		Cause:      cause,
		Details: map[string]interface{}{
			"partition": partitionKey,
		},
	}
}

// NewStorageUnavailableError creates an error for an unreachable store
func NewStorageUnavailableError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorageUnavailable,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "STORAGE_UNAVAILABLE",
		Message:    fmt.Sprintf("storage unavailable during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewProviderError creates a non-retryable upstream error
func NewProviderError(provider string, statusCode int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("data provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider":       provider,
			"upstreamStatus": statusCode,
		},
	}
}

// API errors

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	return NewInternalError("unexpected error", err)
}

// CategoryOf returns the category of err, or "" if it is not categorized
func CategoryOf(err error) ErrorCategory {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Category
	}
	return ""
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsTransient reports whether err is a retryable upstream failure
func IsTransient(err error) bool {
	return CategoryOf(err) == CategoryTransientFetch
}

// IsCapExceeded reports whether err is an upstream cap signal
func IsCapExceeded(err error) bool {
	return CategoryOf(err) == CategoryCapExceeded
}

// IsNormalization reports whether err is a malformed record
func IsNormalization(err error) bool {
	return CategoryOf(err) == CategoryNormalization
}

// IsMergeConflict reports whether err is a timeline invariant violation
func IsMergeConflict(err error) bool {
	return CategoryOf(err) == CategoryMergeConflict
}

// IsStorageUnavailable reports whether err means the store cannot be reached
func IsStorageUnavailable(err error) bool {
	return CategoryOf(err) == CategoryStorageUnavailable
}

// IsRetryable determines if an error is retryable
func IsRetryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryTransientFetch:
		return true
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
