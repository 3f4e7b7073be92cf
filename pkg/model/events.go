package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical wrapper for events published by the service.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// BookReconciledEvent summarizes one committed snapshot batch.
type BookReconciledEvent struct {
	Market
	At        time.Time `json:"at"`
	Received  int       `json:"received"`
	Created   int       `json:"created"`
	Evolved   int       `json:"evolved"`
	Unchanged int       `json:"unchanged"`
	Ended     int       `json:"ended"`
	Skipped   int       `json:"skipped"`
}

// InstrumentClaimedEvent records a scheduling assignment.
type InstrumentClaimedEvent struct {
	Market
	ClaimedAt time.Time `json:"claimedAt"`
}
