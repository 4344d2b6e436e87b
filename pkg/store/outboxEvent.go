package store

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the derived state of an outbox event.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
)

// OutboxEvent represents an event stored in the events_outbox table.
type OutboxEvent struct {
	EventID    uuid.UUID  `json:"event_id" bson:"event_id"`
	Topic      string     `json:"topic" bson:"topic"`
	Payload    string     `json:"payload" bson:"payload"`
	RetryCount int        `json:"retry_count" bson:"retry_count"`
	CreatedAt  time.Time  `json:"created_at" bson:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty" bson:"sent_at,omitempty"`
}

// NewEvent builds a pending event with a fresh id.
func NewEvent(topic, payload string) OutboxEvent {
	return OutboxEvent{
		EventID:   uuid.New(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// Status reports pending until the relay stamps SentAt.
func (e OutboxEvent) Status() Status {
	if e.SentAt == nil {
		return StatusPending
	}
	return StatusSent
}
