package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")
var errCaller = errors.New("bad request")

func newTestBreaker() *CircuitBreaker[int] {
	return NewCircuitBreaker[int](&Config{
		Name:             "test",
		MaxFailures:      3,
		Timeout:          50 * time.Millisecond,
		HalfOpenMaxCalls: 1,
		Ignore: func(err error) bool {
			return errors.Is(err, errCaller)
		},
	})
}

func fail(err error) func(context.Context) (int, error) {
	return func(context.Context) (int, error) { return 0, err }
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, fail(errUpstream))
		require.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(ctx, func(context.Context) (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_IgnoredErrorsDoNotTrip(t *testing.T) {
	cb := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := cb.Execute(ctx, fail(errCaller))
		require.ErrorIs(t, err, errCaller)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_RecoversAfterTimeout(t *testing.T) {
	cb := newTestBreaker()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Execute(ctx, fail(errUpstream))
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	v, err := cb.Execute(ctx, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, StateClosed, cb.State())
}
