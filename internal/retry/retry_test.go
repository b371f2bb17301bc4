package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/registry-scanner/internal/logging"
	"github.com/stretchr/testify/assert"
)

var errPermanent = errors.New("permanent")

func quietContext() context.Context {
	return logging.WithLogger(context.Background(), logging.NewNop())
}

func TestWithExponentialBackoff(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		failWith     error
		maxRetries   int
		wantSuccess  bool
		wantAttempts int
	}{
		{"succeeds first try", 0, nil, 3, true, 1},
		{"succeeds after two failures", 2, errors.New("503"), 3, true, 3},
		{"exhausts retries", 10, errors.New("503"), 2, false, 3},
		{"stops on non-retryable", 10, errPermanent, 5, false, 1},
		{"zero retries means one attempt", 10, errors.New("503"), 0, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewRetryConfig(tt.maxRetries, time.Millisecond, 5*time.Millisecond, func(err error) bool {
				return !errors.Is(err, errPermanent)
			})

			calls := 0
			result := WithExponentialBackoff(quietContext(), cfg, func(ctx context.Context, attempt int) error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			})

			assert.Equal(t, tt.wantSuccess, result.Success)
			assert.Equal(t, tt.wantAttempts, result.Attempts)
			assert.Equal(t, tt.wantAttempts, calls)
			if tt.wantSuccess {
				assert.NoError(t, result.Err())
			} else {
				assert.Error(t, result.Err())
			}
		})
	}
}

func TestWithExponentialBackoff_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(quietContext())
	cfg := NewRetryConfig(5, time.Hour, time.Hour, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := WithExponentialBackoff(ctx, cfg, func(ctx context.Context, attempt int) error {
		return errors.New("timeout")
	})

	assert.False(t, result.Success)
	assert.ErrorIs(t, result.LastError, context.Canceled)
	assert.Equal(t, 1, result.Attempts)
}

func TestWithExponentialBackoff_OnRetry(t *testing.T) {
	cfg := NewRetryConfig(2, time.Millisecond, time.Millisecond, nil)
	var delays []time.Duration
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	WithExponentialBackoff(quietContext(), cfg, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})

	assert.Len(t, delays, 2)
}

func TestCalculateDelay(t *testing.T) {
	cfg := &RetryConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		if got := calculateDelay(cfg, tt.attempt); got != tt.want {
			t.Errorf("calculateDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryConfig_Scaled(t *testing.T) {
	cfg := NewRetryConfig(3, 100*time.Millisecond, time.Second, nil)
	scaled := cfg.Scaled(2)

	assert.Equal(t, 200*time.Millisecond, scaled.InitialDelay)
	assert.Equal(t, 2*time.Second, scaled.MaxDelay)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialDelay, "original must be unchanged")
	assert.Equal(t, cfg.MaxAttempts, scaled.MaxAttempts)
}
