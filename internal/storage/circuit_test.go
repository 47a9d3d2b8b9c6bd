package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/sessiond/pkg/types"
)

// flakyService fails every operation with the configured error until healed.
type flakyService struct {
	err error
}

func (f *flakyService) Create(ctx context.Context, appName, userID, sessionID string, state types.StateMap) (*types.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Session{ID: sessionID, AppName: appName, UserID: userID, State: types.StateMap{}}, nil
}

func (f *flakyService) Get(ctx context.Context, appName, userID, sessionID string, opts GetOptions) (*types.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.Session{ID: sessionID, AppName: appName, UserID: userID, State: types.StateMap{}}, nil
}

func (f *flakyService) List(ctx context.Context, appName, userID string) ([]*types.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []*types.Session{}, nil
}

func (f *flakyService) Delete(ctx context.Context, appName, userID, sessionID string) error {
	return f.err
}

func (f *flakyService) AppendEvent(ctx context.Context, sessionID string, event *types.Event) error {
	return f.err
}

func (f *flakyService) Close() error { return nil }

func TestCircuitBreakerPassesThroughWhenHealthy(t *testing.T) {
	svc := NewCircuitBreakerService(&flakyService{}, CircuitBreakerConfig{})
	ctx := context.Background()

	sess, err := svc.Create(ctx, "app", "user", "s1", nil)
	require.NoError(t, err)
	assert.Equal(t, "s1", sess.ID)
	assert.Equal(t, "closed", svc.State())
}

func TestCircuitBreakerTripsOnStorageFailures(t *testing.T) {
	inner := &flakyService{err: fmt.Errorf("db down: %w", ErrStorage)}
	svc := NewCircuitBreakerService(inner, CircuitBreakerConfig{MaxFailures: 3, Timeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Get(ctx, "app", "user", "s1", GetOptions{})
		require.Error(t, err)
	}
	assert.Equal(t, "open", svc.State())

	// Open circuit fails fast with ErrCircuitOpen, not the inner error.
	_, err := svc.Get(ctx, "app", "user", "s1", GetOptions{})
	assert.ErrorIs(t, err, ErrCircuitOpen)

	err = svc.AppendEvent(ctx, "s1", &types.Event{ID: "e1"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

// TestCircuitBreakerIgnoresCallerErrors verifies that not-found and invalid
// input never trip the circuit: they are caller errors, not infrastructure
// failures.
func TestCircuitBreakerIgnoresCallerErrors(t *testing.T) {
	inner := &flakyService{err: fmt.Errorf("no such session: %w", ErrNotFound)}
	svc := NewCircuitBreakerService(inner, CircuitBreakerConfig{MaxFailures: 2})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := svc.Get(ctx, "app", "user", "missing", GetOptions{})
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, "closed", svc.State())

	inner.err = fmt.Errorf("bad request: %w", ErrInvalidInput)
	for i := 0; i < 10; i++ {
		_, err := svc.Create(ctx, "", "", "", nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}
	assert.Equal(t, "closed", svc.State())
}

func TestCircuitBreakerRecoversAfterTimeout(t *testing.T) {
	inner := &flakyService{err: fmt.Errorf("db down: %w", ErrStorage)}
	svc := NewCircuitBreakerService(inner, CircuitBreakerConfig{
		MaxFailures:          2,
		Timeout:              50 * time.Millisecond,
		HalfOpenMaxSuccesses: 1,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _ = svc.List(ctx, "app", "user")
	}
	require.Equal(t, "open", svc.State())

	inner.err = nil
	time.Sleep(100 * time.Millisecond)

	_, err := svc.List(ctx, "app", "user")
	assert.NoError(t, err)
	assert.Equal(t, "closed", svc.State())
}

func TestCircuitBreakerCloseBypassesBreaker(t *testing.T) {
	inner := &flakyService{err: errors.New("broken")}
	svc := NewCircuitBreakerService(inner, CircuitBreakerConfig{MaxFailures: 1})

	// Trip the breaker, then verify Close still reaches the inner service.
	_, _ = svc.List(context.Background(), "app", "user")
	assert.NoError(t, svc.Close())
}
