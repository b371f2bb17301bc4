package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/registry-scanner/internal/types"
)

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		cap       bool
		conflict  bool
		storage   bool
		retryable bool
	}{
		{
			name:      "transient fetch",
			err:       NewTransientFetchError("fetch page", 503, stderrors.New("service unavailable")),
			transient: true,
			retryable: true,
		},
		{
			name: "cap exceeded",
			err:  NewCapExceededError("0301|2020-01-01|2021-01-01", 100, 100),
			cap:  true,
		},
		{
			name:     "wrapped merge conflict",
			err:      fmt.Errorf("merge entity 1: %w", NewMergeConflictError("1", types.AddressBusiness, 2)),
			conflict: true,
		},
		{
			name:    "wrapped storage unavailable",
			err:     fmt.Errorf("run aborted: %w", NewStorageUnavailableError("upsert", stderrors.New("dial tcp"))),
			storage: true,
		},
		{
			name: "plain error",
			err:  stderrors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.transient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.transient)
			}
			if got := IsCapExceeded(tt.err); got != tt.cap {
				t.Errorf("IsCapExceeded() = %v, want %v", got, tt.cap)
			}
			if got := IsMergeConflict(tt.err); got != tt.conflict {
				t.Errorf("IsMergeConflict() = %v, want %v", got, tt.conflict)
			}
			if got := IsStorageUnavailable(tt.err); got != tt.storage {
				t.Errorf("IsStorageUnavailable() = %v, want %v", got, tt.storage)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestCategorizedError_Unwrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := NewWatermarkPersistError("p1", cause)

	if !stderrors.Is(err, cause) {
		t.Errorf("errors.Is should find the cause")
	}
	if err.Error() == "" {
		t.Errorf("Error() returned empty string")
	}
}

func TestGetHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", NewNotFoundError("run", "abc"), http.StatusNotFound},
		{"invalid parameter", NewInvalidParameterError("since", "bad date"), http.StatusBadRequest},
		{"storage", NewStorageUnavailableError("read", nil), http.StatusServiceUnavailable},
		{"uncategorized", stderrors.New("boom"), http.StatusInternalServerError},
		{"service error", &types.ServiceError{Code: "X", Message: "x"}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatusCode(tt.err); got != tt.want {
				t.Errorf("GetHTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestToServiceError(t *testing.T) {
	err := NewNotFoundError("run", "abc")
	svc := err.ToServiceError()
	if svc.Code != "NOT_FOUND" || svc.Details["id"] != "abc" {
		t.Errorf("ToServiceError() = %+v", svc)
	}
}
