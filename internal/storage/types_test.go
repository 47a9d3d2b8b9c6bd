package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/sessiond/pkg/types"
)

func eventsAt(base time.Time, seconds ...int) []types.Event {
	out := make([]types.Event, 0, len(seconds))
	for i, s := range seconds {
		out = append(out, types.Event{
			ID:        string(rune('a' + i)),
			Timestamp: base.Add(time.Duration(s) * time.Second),
		})
	}
	return out
}

func ids(events []types.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

func TestFilterEventsNoOptions(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := eventsAt(base, 1, 2, 3)

	got := FilterEvents(events, GetOptions{})
	assert.Equal(t, []string{"a", "b", "c"}, ids(got))
}

func TestFilterEventsRecentN(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := eventsAt(base, 1, 2, 3, 4, 5)

	assert.Equal(t, []string{"d", "e"}, ids(FilterEvents(events, GetOptions{NumRecentEvents: 2})))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"},
		ids(FilterEvents(events, GetOptions{NumRecentEvents: 99})),
		"over-fetch keeps everything")
}

func TestFilterEventsAfterIsInclusive(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := eventsAt(base, 1, 2, 3)

	got := FilterEvents(events, GetOptions{After: base.Add(2 * time.Second)})
	assert.Equal(t, []string{"b", "c"}, ids(got))
}

// TestFilterEventsSliceBeforeFilter pins down the contractual ordering:
// truncating to the last N happens before the timestamp filter. With events
// at t=[1..5], NumRecent=2 and an After bound between 3 and 4, the result is
// exactly [5] — filtering first would have produced [4, 5] instead.
func TestFilterEventsSliceBeforeFilter(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	events := eventsAt(base, 1, 2, 3, 4, 5)

	got := FilterEvents(events, GetOptions{
		NumRecentEvents: 2,
		After:           base.Add(4*time.Second + 500*time.Millisecond),
	})
	assert.Equal(t, []string{"e"}, ids(got))
}

func TestFilterEventsEmpty(t *testing.T) {
	got := FilterEvents(nil, GetOptions{NumRecentEvents: 3, After: time.Now()})
	assert.Empty(t, got)
}
