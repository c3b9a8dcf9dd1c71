// Package bus provides per-session event fan-out for live streaming.
package bus

import "time"

// Event is a single run event as seen by stream consumers. ID carries
// the store-assigned event id when the event was persisted; synthetic
// events (keepalives) leave it zero.
type Event struct {
	ID        int64                  `json:"id,omitempty"`
	Role      string                 `json:"role"`
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Replayed  bool                   `json:"replayed,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(role, eventType string, data map[string]interface{}) Event {
	return Event{
		Role:      role,
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// KeepaliveEvent creates the synthetic event emitted on idle streams.
func KeepaliveEvent() Event {
	return Event{
		Type:      "keepalive",
		Timestamp: time.Now().UTC(),
	}
}

// EventBus fans events out to session subscribers. Publish never blocks
// on slow consumers.
type EventBus interface {
	// Publish delivers the event to every subscriber of the session.
	Publish(sessionID string, ev Event)

	// Subscribe registers a new subscriber for the session. The returned
	// cancel function removes the subscription and releases its queue.
	Subscribe(sessionID string) (*Subscription, func())

	// Close shuts the bus down and closes all subscriptions.
	Close() error
}
