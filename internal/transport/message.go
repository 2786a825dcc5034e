// Package transport maintains the duplex WebSocket connection to the pipeline
// event stream: dialing, typed fan-out dispatch of inbound messages, and
// automatic reconnection with exponential backoff.
package transport

import (
	"encoding/json"
	"time"
)

// Recognized wire message types. Unrecognized types are dropped with a
// rate-limited warning.
const (
	MessageProcessingEvent  = "processing_event"
	MessageAgentUpdate      = "agent_update"
	MessageConnectionStatus = "connection_status"
	MessageError            = "error"
)

// Message is the wire envelope shared by every message type. Timestamp
// arrives as an ISO-8601 string and is normalized during dispatch.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp,omitempty"`

	// Time is the normalized Timestamp, filled in by the manager before
	// dispatch. Falls back to receipt time when the wire value is missing
	// or malformed.
	Time time.Time `json:"-"`
}

// AgentUpdatePayload carries a full ProcessingState pushed by the backend,
// bypassing the event fold.
type AgentUpdatePayload struct {
	EntityID        string          `json:"entityId"`
	ProcessingState json.RawMessage `json:"processingState"`
}

// Status is the process-wide connection status exposed to the UI.
type Status struct {
	Connected       bool      `json:"connected"`
	Reconnecting    bool      `json:"reconnecting"`
	LastConnectedAt time.Time `json:"lastConnectedAt,omitempty"`
	LastError       string    `json:"lastError,omitempty"`
}

// State is the connection state machine position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
