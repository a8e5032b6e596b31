package session

import "time"

// EventType names something that happened to a session.
type EventType string

const (
	EventOpened          EventType = "opened"
	EventConnected       EventType = "connected"
	EventConnectFailed   EventType = "connect_failed"
	EventDisconnected    EventType = "disconnected"
	EventReconnectQueued EventType = "reconnect_queued"
	EventReconnecting    EventType = "reconnecting"
	EventClosed          EventType = "closed"
	EventChannelEnabled  EventType = "channel_enabled"
	EventChannelDisabled EventType = "channel_disabled"
	EventCharsetChanged  EventType = "charset_changed"
)

// Event is delivered to manager listeners and kept in the session's log.
type Event struct {
	Handle    Handle    `json:"handle"`
	Nickname  string    `json:"nickname"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// Listener receives every session event. Listeners are called synchronously
// and without manager locks held; slow handlers should spawn goroutines.
type Listener func(Event)

const eventBufferSize = 100

type eventBuffer struct {
	events [eventBufferSize]Event
	head   int
	count  int
}

func (b *eventBuffer) record(e Event) {
	b.events[b.head] = e
	b.head = (b.head + 1) % eventBufferSize
	if b.count < eventBufferSize {
		b.count++
	}
}

func (b *eventBuffer) list() []Event {
	if b.count == 0 {
		return nil
	}
	result := make([]Event, b.count)
	if b.count < eventBufferSize {
		copy(result, b.events[:b.count])
	} else {
		n := copy(result, b.events[b.head:])
		copy(result[n:], b.events[:b.head])
	}
	return result
}
