package kafka

import (
	"time"

	"github.com/tair/cart-sync/internal/cart/domain"
)

// CartEvent is the wire form of a cart engine event
type CartEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Version   uint64    `json:"version"`
	Subtotal  int64     `json:"subtotal"`
	Items     int       `json:"items"`
	Failed    int       `json:"failed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Event types
const (
	EventTypeCartUpdated    = domain.EventTypeCartUpdated
	EventTypeCartReconciled = domain.EventTypeCartReconciled
)

// Kafka topics
const (
	TopicCartEvents = "cart-events"
)

func newCartEvent(e domain.Event) CartEvent {
	return CartEvent{
		EventType: e.Type,
		SessionID: e.SessionID,
		UserID:    e.UserID,
		Version:   e.Version,
		Subtotal:  int64(e.Subtotal),
		Items:     e.Items,
		Failed:    e.Failed,
		Timestamp: e.Timestamp,
	}
}

// partitionKey keeps the events of one user, or one guest session, in order
func (e CartEvent) partitionKey() string {
	if e.UserID != "" {
		return "user_" + e.UserID
	}
	return "session_" + e.SessionID
}
