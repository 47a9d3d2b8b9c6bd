// Package types defines the data shapes shared across sessiond: sessions,
// events, and the scoped key/value state model with its partitioning rules.
package types

import "time"

// Session is a point-in-time snapshot of one conversational session as
// returned by the storage layer. State holds the merged view (session keys
// as-is, app/user keys re-prefixed); Events may be filtered or truncated
// depending on the read options. Mutating a snapshot does not affect storage.
type Session struct {
	// ID is the session identifier, globally unique across all apps and
	// users so events can be appended by session id alone.
	ID string `json:"id"`

	// AppName is the owning application.
	AppName string `json:"app_name"`

	// UserID is the owning user within the application.
	UserID string `json:"user_id"`

	// State is the merged view state.
	State StateMap `json:"state"`

	// Events is the ordered event slice included in this snapshot,
	// ascending by timestamp. Empty for List results.
	Events []Event `json:"events"`

	// LastUpdateTime is when the session row was last written.
	LastUpdateTime time.Time `json:"last_update_time"`
}

// EventCount returns the number of events in the snapshot.
func (s *Session) EventCount() int {
	return len(s.Events)
}

// EventAt returns the event at index idx, or nil when out of range.
func (s *Session) EventAt(idx int) *Event {
	if idx < 0 || idx >= len(s.Events) {
		return nil
	}
	return &s.Events[idx]
}
