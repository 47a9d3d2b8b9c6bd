// Package storage defines the session persistence contract for sessiond.
//
// The contract is a single small interface implemented independently by the
// postgres, sqlite, and memory backends, plus composable decorators (circuit
// breaker, rate limiter) that wrap any implementation. Callers depend on the
// interface only; backend selection happens once at process start.
package storage

import (
	"context"

	"github.com/scrypster/sessiond/pkg/types"
)

// SessionService persists sessions, their scoped state partitions, and their
// append-only event logs. Implementations must be safe for concurrent use;
// operations on distinct sessions must not block each other.
type SessionService interface {
	// Create creates a session for (appName, userID). When sessionID is
	// empty a random globally unique id is generated. The initial state
	// delta is classified by key prefix: app- and user-scoped entries are
	// merged into the shared partitions, temp entries are dropped, and the
	// rest becomes session state. Creating an existing session id again is
	// a state refresh, not an error. All writes happen in one transaction.
	Create(ctx context.Context, appName, userID, sessionID string, state types.StateMap) (*types.Session, error)

	// Get returns the session snapshot for the full identity triple with
	// its merged view state and an event slice shaped by opts. Returns
	// ErrNotFound when the session does not exist.
	Get(ctx context.Context, appName, userID, sessionID string, opts GetOptions) (*types.Session, error)

	// List returns snapshots for every session of (appName, userID) with
	// empty event lists. An unknown pair yields an empty slice, not an
	// error.
	List(ctx context.Context, appName, userID string) ([]*types.Session, error)

	// Delete removes a session and, by cascade, its events. App and user
	// state are shared with other sessions and are left untouched.
	// Deleting a missing session is a no-op.
	Delete(ctx context.Context, appName, userID, sessionID string) error

	// AppendEvent records one interaction turn for the session identified
	// by sessionID alone, applying its state delta to the session/app/user
	// partitions in the same transaction as the event upsert. Re-appending
	// an event id replaces the stored event. Returns ErrNotFound for an
	// unknown session id before any write happens.
	AppendEvent(ctx context.Context, sessionID string, event *types.Event) error

	// Close releases any resources held by the service.
	Close() error
}
