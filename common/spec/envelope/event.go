// Package envelope defines the event envelope carried by Kioku's extraction
// queue. The HTTP surface publishes one Event per addMemoriesFromText call and
// the extraction consumer decodes it on the other side of the queue, which
// may be a Redis stream or an in-process channel.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// TypeMemoryExtract asks the consumer to extract memories from free text.
const TypeMemoryExtract = "memory.extract"

// Event is the queued unit of work.
type Event struct {
	// ID is unique per published event and survives redelivery unchanged.
	// Consumers derive record ids and receipts from it.
	ID string `json:"id"`

	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	Payload EventPayload `json:"payload"`
}

// EventPayload holds the extraction input.
type EventPayload struct {
	OwnerID string `json:"ownerId"`
	Text    string `json:"text"`
	// Source is the memory source recorded on extracted memories
	// ("chat", "journal", "system").
	Source string `json:"source,omitempty"`
}

// Validate reports the first structural problem with e.
func (e *Event) Validate() error {
	if e == nil {
		return fmt.Errorf("event must not be nil")
	}
	if e.ID == "" {
		return fmt.Errorf("id must not be empty")
	}
	if e.Type == "" {
		return fmt.Errorf("type must not be empty")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts must not be zero")
	}
	if e.Type == TypeMemoryExtract {
		if e.Payload.OwnerID == "" {
			return fmt.Errorf("payload.ownerId must not be empty")
		}
		if e.Payload.Text == "" {
			return fmt.Errorf("payload.text must not be empty")
		}
	}
	return nil
}

// Marshal validates and encodes e.
func (e *Event) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("envelope validate: %w", err)
	}
	return json.Marshal(e)
}

// ParseEvent decodes and validates a queued event.
func ParseEvent(data []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, fmt.Errorf("envelope parse: %w", err)
	}
	if err := evt.Validate(); err != nil {
		return nil, fmt.Errorf("envelope validate: %w", err)
	}
	return &evt, nil
}
