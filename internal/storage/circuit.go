package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/scrypster/sessiond/pkg/types"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejects
// requests to keep a failing database from cascading into every caller.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig holds the configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip
	// the circuit. Default: 3.
	MaxFailures uint32

	// Timeout is the duration the circuit stays open before transitioning
	// to half-open. Default: 30 seconds.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of consecutive successes required
	// in half-open state to close the circuit again. Default: 2.
	HalfOpenMaxSuccesses uint32
}

// CircuitBreakerService wraps a SessionService with a circuit breaker.
//
// Only infrastructure failures count toward tripping: not-found and invalid
// input are caller errors and pass through without affecting the breaker.
// The breaker never retries — when open it fails fast with ErrCircuitOpen
// and retry policy stays with the caller.
type CircuitBreakerService struct {
	inner   SessionService
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerService wraps inner with a circuit breaker using the
// given configuration; zero fields fall back to defaults.
func NewCircuitBreakerService(inner SessionService, config CircuitBreakerConfig) *CircuitBreakerService {
	if config.MaxFailures == 0 {
		config.MaxFailures = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxSuccesses == 0 {
		config.HalfOpenMaxSuccesses = 2
	}

	settings := gobreaker.Settings{
		Name:        "SessionServiceCircuitBreaker",
		MaxRequests: config.HalfOpenMaxSuccesses,
		Interval:    0, // don't clear counts periodically
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput)
		},
	}

	return &CircuitBreakerService{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// State returns the current breaker state: "closed", "open", or "half-open".
func (s *CircuitBreakerService) State() string {
	switch s.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s *CircuitBreakerService) execute(fn func() (any, error)) (any, error) {
	v, err := s.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	return v, err
}

func (s *CircuitBreakerService) Create(ctx context.Context, appName, userID, sessionID string, state types.StateMap) (*types.Session, error) {
	v, err := s.execute(func() (any, error) {
		return s.inner.Create(ctx, appName, userID, sessionID, state)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Session), nil
}

func (s *CircuitBreakerService) Get(ctx context.Context, appName, userID, sessionID string, opts GetOptions) (*types.Session, error) {
	v, err := s.execute(func() (any, error) {
		return s.inner.Get(ctx, appName, userID, sessionID, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.Session), nil
}

func (s *CircuitBreakerService) List(ctx context.Context, appName, userID string) ([]*types.Session, error) {
	v, err := s.execute(func() (any, error) {
		return s.inner.List(ctx, appName, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]*types.Session), nil
}

func (s *CircuitBreakerService) Delete(ctx context.Context, appName, userID, sessionID string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.inner.Delete(ctx, appName, userID, sessionID)
	})
	return err
}

func (s *CircuitBreakerService) AppendEvent(ctx context.Context, sessionID string, event *types.Event) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.inner.AppendEvent(ctx, sessionID, event)
	})
	return err
}

// Close closes the wrapped service directly; shutdown should not be subject
// to breaker state.
func (s *CircuitBreakerService) Close() error {
	return s.inner.Close()
}
