// Package mqtt publishes controller events over MQTT, with an abstraction for
// testing.
package mqtt

import (
	"encoding/json"
	"time"
)

// Topic is the MQTT topic for output events.
const Topic = "terrarium/controller/events"

// TopicSystem is the MQTT topic for system lifecycle events.
const TopicSystem = "terrarium/controller/system"

// Publisher publishes events to MQTT.
type Publisher interface {
	// Publish sends an output event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event Event) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// EventType identifies an output event.
type EventType string

const (
	EventTransition  EventType = "TRANSITION"
	EventWriteFailed EventType = "WRITE_FAILED"
	EventDecision    EventType = "DECISION"
)

// Event is something that happened to one output.
type Event struct {
	Timestamp  time.Time
	Type       EventType
	OutputID   string
	From       string // TRANSITION only
	To         string // TRANSITION only
	Desired    string
	Reason     string
	Overridden bool
	Error      string // WRITE_FAILED only
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload represents the MQTT message payload structure.
type Payload struct {
	Terrarium OutputPayload `json:"terrarium"`
}

// OutputPayload contains the output event details.
type OutputPayload struct {
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	Output     string `json:"output"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Desired    string `json:"desired,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Overridden bool   `json:"overridden,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FormatPayload creates the JSON payload for an output event.
func FormatPayload(event Event) ([]byte, error) {
	payload := Payload{
		Terrarium: OutputPayload{
			Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
			Event:      string(event.Type),
			Output:     event.OutputID,
			From:       event.From,
			To:         event.To,
			Desired:    event.Desired,
			Reason:     event.Reason,
			Overridden: event.Overridden,
			Error:      event.Error,
		},
	}
	return json.Marshal(payload)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
