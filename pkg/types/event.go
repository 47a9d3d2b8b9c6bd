package types

import "time"

// Event is one immutable record of a single interaction turn. Events are
// unique per (ID, SessionID); re-appending an event with an existing ID
// replaces the stored row (idempotent upsert, last write wins).
type Event struct {
	// ID is unique within the owning session.
	ID string `json:"id"`

	// SessionID identifies the owning session.
	SessionID string `json:"session_id"`

	// InvocationID groups the events of one agent invocation.
	InvocationID string `json:"invocation_id"`

	// Branch is the agent branch path that produced the event.
	Branch string `json:"branch,omitempty"`

	// Author is who produced the event ("user" or an agent name).
	Author string `json:"author"`

	// Timestamp orders events within a session. It is authoritative for
	// every write performed while appending the event, so replaying a
	// backfilled event never bumps state to wall-clock now.
	Timestamp time.Time `json:"timestamp"`

	// Response is the model response payload, opaque to the storage layer.
	Response map[string]any `json:"response,omitempty"`

	// Actions carries the state delta and tool side-effect metadata.
	Actions EventActions `json:"actions"`

	// LongRunningToolIDs lists tool invocations still running when the
	// event was recorded.
	LongRunningToolIDs []string `json:"long_running_tool_ids,omitempty"`
}

// EventActions describes the side effects requested by one event.
type EventActions struct {
	// StateDelta is the flat state change to apply, using the scope-prefix
	// key conventions from state.go.
	StateDelta StateMap `json:"state_delta,omitempty"`

	// ArtifactDelta maps artifact names to their new version numbers.
	ArtifactDelta map[string]int `json:"artifact_delta,omitempty"`

	// TransferToAgent names the agent control was handed to, if any.
	TransferToAgent string `json:"transfer_to_agent,omitempty"`

	// Escalate signals that the event escalated out of the current agent.
	Escalate bool `json:"escalate,omitempty"`
}
