package storage

import (
	"context"
	"testing"
	"time"

	"github.com/registry-scanner/internal/logging"
)

// testContext creates a quiet context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return logging.WithLogger(ctx, logging.NewNop())
}
