package bus

import "time"

// Event kinds published by the chat sync core. Subscribers filter by
// namespace prefix, e.g. "transport." catches every transport event.
const (
	KindStateChanged = "transport.state_changed"
	KindReconnected  = "transport.reconnected"
	KindFailed       = "transport.failed"

	KindTimelineUpdated = "timeline.updated"
	KindTimelineReset   = "timeline.reset"

	KindSyncRecovered = "sync.recovered"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Now builds an event stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
