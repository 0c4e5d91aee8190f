package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics published by the booking and payment flows.
const (
	TopicBookingRequested = "booking:requested"
	TopicBookingAccepted  = "booking:accepted"
	TopicBookingRejected  = "booking:rejected"
	TopicTripCreated      = "trip:created"
	TopicTripCancelled    = "trip:cancelled"
	TopicPaymentSucceeded = "payment:succeeded"
	TopicPaymentFailed    = "payment:failed"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	UserID    string          `json:"user_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEvent builds an event envelope with a fresh ID and timestamp.
func NewEvent(topic, targetUserID string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		UserID:    targetUserID,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Bus is a best-effort pub/sub used for SSE fan-out. Delivery is lossy on
// slow consumers; authoritative state always lives in the stores.
type Bus interface {
	// Emit publishes payload on topic. When targetUserID is non-empty only
	// that user's subscribers receive it; otherwise every subscriber does.
	// Emit never blocks.
	Emit(topic string, payload interface{}, targetUserID string)

	// Subscribe registers a channel for events addressed to userID (or
	// broadcast). The returned func unsubscribes and closes the channel.
	Subscribe(userID string) (<-chan Event, func())

	// Close shuts the bus down and closes all subscriber channels.
	Close()
}
