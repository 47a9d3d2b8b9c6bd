package storage

import (
	"errors"
	"time"

	"github.com/scrypster/sessiond/pkg/types"
)

var (
	// ErrNotFound indicates that the requested session was not found.
	// Empty results (List over an unknown app/user pair, a session with no
	// events) are not errors and never wrap this.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStorage indicates an underlying data-access failure: connectivity,
	// constraint violation, or transaction abort. Never retried internally;
	// callers decide whether to retry the whole operation.
	ErrStorage = errors.New("storage failure")

	// ErrSerialization indicates a state or event payload that cannot be
	// encoded or decoded. Treated as data corruption, not recoverable by
	// retry.
	ErrSerialization = errors.New("serialization failure")
)

// GetOptions shapes the event slice returned by Get.
type GetOptions struct {
	// NumRecentEvents keeps only the last N events when > 0. Asking for
	// more events than exist keeps them all.
	NumRecentEvents int

	// After keeps only events with timestamp >= After when non-zero.
	After time.Time
}

// FilterEvents applies the read projection policy to a timestamp-ordered
// event slice: truncate to the last NumRecentEvents first, then drop events
// before After. The order is contractual — filtering before truncating would
// return different results for the same inputs.
func FilterEvents(events []types.Event, opts GetOptions) []types.Event {
	if opts.NumRecentEvents > 0 && len(events) > opts.NumRecentEvents {
		events = events[len(events)-opts.NumRecentEvents:]
	}
	if !opts.After.IsZero() {
		kept := make([]types.Event, 0, len(events))
		for _, e := range events {
			if !e.Timestamp.Before(opts.After) {
				kept = append(kept, e)
			}
		}
		events = kept
	}
	return events
}
