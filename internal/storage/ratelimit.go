package storage

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/scrypster/sessiond/pkg/types"
)

// RateLimitedService wraps a SessionService with a token-bucket rate limiter
// shared across all operations. Callers block (respecting their context)
// until a token is available, which bounds the write pressure a burst of
// agent turns can put on the database.
type RateLimitedService struct {
	inner   SessionService
	limiter *rate.Limiter
}

// NewRateLimitedService wraps inner with a limiter allowing reqPerSec
// sustained operations and bursts up to burst.
func NewRateLimitedService(inner SessionService, reqPerSec float64, burst int) *RateLimitedService {
	return &RateLimitedService{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(reqPerSec), burst),
	}
}

func (s *RateLimitedService) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

func (s *RateLimitedService) Create(ctx context.Context, appName, userID, sessionID string, state types.StateMap) (*types.Session, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.Create(ctx, appName, userID, sessionID, state)
}

func (s *RateLimitedService) Get(ctx context.Context, appName, userID, sessionID string, opts GetOptions) (*types.Session, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.Get(ctx, appName, userID, sessionID, opts)
}

func (s *RateLimitedService) List(ctx context.Context, appName, userID string) ([]*types.Session, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.inner.List(ctx, appName, userID)
}

func (s *RateLimitedService) Delete(ctx context.Context, appName, userID, sessionID string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.inner.Delete(ctx, appName, userID, sessionID)
}

func (s *RateLimitedService) AppendEvent(ctx context.Context, sessionID string, event *types.Event) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	return s.inner.AppendEvent(ctx, sessionID, event)
}

func (s *RateLimitedService) Close() error {
	return s.inner.Close()
}
