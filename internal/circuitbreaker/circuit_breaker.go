// Package circuitbreaker guards calls to the upstream registry with a gobreaker circuit.
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/registry-scanner/internal/logging"
	"github.com/sony/gobreaker/v2"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means the circuit is testing if the service has recovered
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name             string
	MaxFailures      int           // Consecutive failures before opening
	Timeout          time.Duration // Time to wait before attempting half-open
	HalfOpenMaxCalls int           // Max calls allowed in half-open state
	Interval         time.Duration // Closed-state counter reset period, zero never resets

	// Ignore marks errors that should not count against the upstream, such as caller mistakes
	Ignore func(error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      10,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreaker wraps a typed gobreaker circuit
type CircuitBreaker[T any] struct {
	name string
	cb   *gobreaker.CircuitBreaker[T]
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker[T any](config *Config) *CircuitBreaker[T] {
	maxFailures := uint32(max(config.MaxFailures, 1))
	halfOpen := uint32(max(config.HalfOpenMaxCalls, 1))
	ignore := config.Ignore

	settings := gobreaker.Settings{
		Name:        config.Name,
		MaxRequests: halfOpen,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return ignore != nil && ignore(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.GetGlobalLogger().WithFields(map[string]interface{}{
				"circuitBreaker": name,
				"from":           convert(from),
				"to":             convert(to),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &CircuitBreaker[T]{
		name: config.Name,
		cb:   gobreaker.NewCircuitBreaker[T](settings),
	}
}

// Execute runs fn unless the circuit is open
func (b *CircuitBreaker[T]) Execute(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (T, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, ErrCircuitOpen
	}
	return result, err
}

// State returns the current state
func (b *CircuitBreaker[T]) State() State {
	return convert(b.cb.State())
}

// Name returns the breaker name
func (b *CircuitBreaker[T]) Name() string {
	return b.name
}

func convert(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
