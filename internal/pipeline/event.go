// Package pipeline defines the event and state model for the file-processing
// telemetry layer: the typed events the backend pipeline emits over the wire,
// and the per-entity projection derived from them.
package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminates the kinds of pipeline events.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventDecision  EventType = "decision"
	EventCompleted EventType = "completed"
	EventError     EventType = "error"
)

// ProcessingEvent is one discrete event emitted by the backend pipeline for a
// single stage of a single entity. Data and Metadata are event-type-specific
// payloads kept raw on the wire type; the typed accessors below decode them.
type ProcessingEvent struct {
	ID        string          `json:"id"`
	EntityID  string          `json:"entityId"`
	StageID   string          `json:"stageId"`
	Type      EventType       `json:"eventType"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// EnsureID assigns a fresh UUID when the wire omitted the event ID.
func (e *ProcessingEvent) EnsureID() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
}

// ProgressPayload is the Data payload of a progress event.
type ProgressPayload struct {
	Progress float64 `json:"progress"`
}

// DecisionPayload is the Data payload of a decision event, attached when a
// classification-type stage completes its call.
type DecisionPayload struct {
	Label             string   `json:"label"`
	Confidence        float64  `json:"confidence"`
	Reasoning         []string `json:"reasoning,omitempty"`
	Alternatives      []string `json:"alternatives,omitempty"`
	UsedFallbackModel bool     `json:"usedFallbackModel,omitempty"`
	ProcessingTimeMs  int64    `json:"processingTimeMs,omitempty"`
}

// ErrorPayload is the Data payload of an error event.
type ErrorPayload struct {
	Kind             string   `json:"kind"`
	Severity         Severity `json:"severity"`
	Message          string   `json:"message"`
	TechnicalDetail  string   `json:"technicalDetail,omitempty"`
	SuggestedActions []string `json:"suggestedActions,omitempty"`
	Retryable        bool     `json:"retryable"`
}

// ProgressPayload decodes the event's Data as a ProgressPayload.
func (e ProcessingEvent) ProgressPayload() (ProgressPayload, error) {
	var p ProgressPayload
	if len(e.Data) == 0 {
		return p, fmt.Errorf("progress event %s: empty data payload", e.ID)
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("progress event %s: %w", e.ID, err)
	}
	return p, nil
}

// DecisionPayload decodes the event's Data as a DecisionPayload.
func (e ProcessingEvent) DecisionPayload() (DecisionPayload, error) {
	var p DecisionPayload
	if len(e.Data) == 0 {
		return p, fmt.Errorf("decision event %s: empty data payload", e.ID)
	}
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return p, fmt.Errorf("decision event %s: %w", e.ID, err)
	}
	return p, nil
}

// ErrorPayload decodes the event's Data as an ErrorPayload. A payload that is
// missing or undecodable still yields a usable error record so the fold never
// loses a reported failure.
func (e ProcessingEvent) ErrorPayload() ErrorPayload {
	var p ErrorPayload
	if len(e.Data) > 0 {
		if err := json.Unmarshal(e.Data, &p); err == nil {
			if p.Severity == "" {
				p.Severity = SeverityError
			}
			return p
		}
	}
	return ErrorPayload{
		Kind:     "unknown",
		Severity: SeverityError,
		Message:  "pipeline reported an error without detail",
	}
}

// MetricsMetadata extracts the numeric fields of the event's Metadata
// (byte counts, row counts, timings). Non-numeric fields are ignored.
func (e ProcessingEvent) MetricsMetadata() map[string]float64 {
	if len(e.Metadata) == 0 {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal(e.Metadata, &raw); err != nil {
		return nil
	}
	var m map[string]float64
	for k, v := range raw {
		if f, ok := v.(float64); ok {
			if m == nil {
				m = make(map[string]float64, len(raw))
			}
			m[k] = f
		}
	}
	return m
}
