// Package protocol implements the versioned, line-delimited IPC envelope
// exchanged with synthesizer worker child processes: framing, validation,
// version negotiation, and payload adaptation across protocol versions.
package protocol

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Type enumerates the known Message.Type values.
type Type string

const (
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
	TypeEvent     Type = "event"
	TypeError     Type = "error"
	TypeHeartbeat Type = "heartbeat"
)

func (t Type) valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeError, TypeHeartbeat:
		return true
	default:
		return false
	}
}

// Priority mirrors SynthesisRequest.Priority on the wire envelope.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Metadata carries correlation, worker affinity, and priority alongside a
// Message's payload.
type Metadata struct {
	CorrelationID string   `json:"correlationId,omitempty"`
	WorkerID      string   `json:"workerId,omitempty"`
	Priority      Priority `json:"priority,omitempty"`
}

// Message is the canonical in-memory representation of one IPC envelope.
// Payload is kept as raw JSON at this layer; callers decode it into a
// concrete payload type once they know the Message's Type.
type Message struct {
	Version   string          `json:"version"`
	MessageID string          `json:"messageId"`
	Timestamp int64           `json:"timestamp"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  *Metadata       `json:"metadata,omitempty"`

	// UpgradedFrom is a provenance marker stamped on messages that were
	// upgraded from a lower wire version on ingress. It is never
	// serialized; it exists purely for observability.
	UpgradedFrom string `json:"-"`
}

// NewMessageID returns a fresh unique message identifier.
func NewMessageID() string {
	return uuid.New().String()
}

// CorrelationID returns the message's correlation id, or "" if absent.
func (m Message) CorrelationID() string {
	if m.Metadata == nil {
		return ""
	}
	return m.Metadata.CorrelationID
}

// WithCorrelation returns a copy of m with Metadata.CorrelationID set to id,
// preserving any existing WorkerID/Priority.
func (m Message) WithCorrelation(id string) Message {
	md := Metadata{}
	if m.Metadata != nil {
		md = *m.Metadata
	}
	md.CorrelationID = id
	m.Metadata = &md
	return m
}

// ---------------------------------------------------------------------------
// Canonical payload shapes
// ---------------------------------------------------------------------------

// RequestPayload is the canonical internal shape of every request-type
// Message's payload, keyed by Type.
type RequestPayload struct {
	Type         string  `json:"type"`
	Text         string  `json:"text,omitempty"`
	Voice        string  `json:"voice,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
	Pitch        float64 `json:"pitch,omitempty"`
	OutputFormat string  `json:"output_format,omitempty"`
	OutputPath   string  `json:"output_path,omitempty"`
	Model        string  `json:"model,omitempty"` // switch_model
}

const (
	RequestSynthesize  = "synthesize"
	RequestSwitchModel = "switch_model"
	RequestGetMetrics  = "get_metrics"
	RequestPing        = "ping"
	RequestShutdown    = "shutdown"
)

// ResponsePayload is the canonical internal shape of a response-type
// Message's payload.
type ResponsePayload struct {
	Status     string `json:"status"`
	OutputPath string `json:"output_path,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	CacheHit   bool   `json:"cache_hit,omitempty"`
}

// EventPayload is the canonical internal shape of an event-type Message's
// payload. Exactly one of Status/Type is populated depending on the event
// kind (readiness vs. model_loaded/synthesis_complete/synthesis_failed).
type EventPayload struct {
	Status    string `json:"status,omitempty"` // "ready"
	Type      string `json:"type,omitempty"`   // model_loaded|synthesis_complete|synthesis_failed
	Model     string `json:"model,omitempty"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
}

const (
	EventReady             = "ready"
	EventModelLoaded       = "model_loaded"
	EventSynthesisComplete = "synthesis_complete"
	EventSynthesisFailed   = "synthesis_failed"
)

// ErrorPayload is the canonical internal shape of an error-type Message's
// payload.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// marshal is a small helper used by encode paths to turn a canonical payload
// struct into json.RawMessage.
func marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
