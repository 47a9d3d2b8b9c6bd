package types

import "strings"

// State key prefixes. A delta key carrying one of these prefixes is routed to
// the matching partition; the prefix is stripped before the key is stored.
const (
	// KeyPrefixApp marks a key as app-scoped (shared by every user and
	// session of one application).
	KeyPrefixApp = "app:"

	// KeyPrefixUser marks a key as user-scoped (shared by every session of
	// one user within an application).
	KeyPrefixUser = "user:"

	// KeyPrefixTemp marks a key as transient. Temp keys are never persisted
	// to any partition and are removed from event deltas before recording.
	KeyPrefixTemp = "temp:"
)

// StateMap is a flat key/value state mapping. Values are arbitrary
// JSON-compatible structures and are opaque to the storage layer.
type StateMap map[string]any

// Get returns the value for key and whether it is present.
func (m StateMap) Get(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

// Set stores value under key.
func (m StateMap) Set(key string, value any) {
	m[key] = value
}

// Clone returns a shallow copy of the map. A nil map clones to an empty,
// non-nil map so callers can always write to the result.
func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Extend merges delta into m with overwrite semantics (delta keys win).
// This is a shallow union: values are replaced whole, never deep-merged.
func (m StateMap) Extend(delta StateMap) {
	for k, v := range delta {
		m[k] = v
	}
}

// SplitDelta partitions a flat state delta into app-, user-, and
// session-scoped maps based on key prefixes. Prefixes are stripped from keys
// before they land in the app and user partitions. Keys carrying the temp
// prefix are dropped entirely. Every other key, well-formed or not, falls
// into the session partition.
func SplitDelta(delta StateMap) (app, user, session StateMap) {
	app = make(StateMap)
	user = make(StateMap)
	session = make(StateMap)

	for k, v := range delta {
		switch {
		case strings.HasPrefix(k, KeyPrefixApp):
			app[strings.TrimPrefix(k, KeyPrefixApp)] = v
		case strings.HasPrefix(k, KeyPrefixUser):
			user[strings.TrimPrefix(k, KeyPrefixUser)] = v
		case strings.HasPrefix(k, KeyPrefixTemp):
			// dropped
		default:
			session[k] = v
		}
	}
	return app, user, session
}

// StripTemp returns a copy of delta with all temp-prefixed keys removed.
// A nil delta yields a nil map.
func StripTemp(delta StateMap) StateMap {
	if delta == nil {
		return nil
	}
	out := make(StateMap, len(delta))
	for k, v := range delta {
		if strings.HasPrefix(k, KeyPrefixTemp) {
			continue
		}
		out[k] = v
	}
	return out
}

// MergeState composes the externally visible merged view from the three
// partitions: session keys as-is, app and user keys re-prefixed with their
// scope markers. Re-prefixing prevents collisions by construction; session
// keys win against any raw collision regardless.
func MergeState(app, user, session StateMap) StateMap {
	merged := session.Clone()
	for k, v := range app {
		merged[KeyPrefixApp+k] = v
	}
	for k, v := range user {
		merged[KeyPrefixUser+k] = v
	}
	return merged
}
