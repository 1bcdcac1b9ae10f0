package xbroker

import (
	"time"

	json "github.com/goccy/go-json"
)

// Well-known envelope attribute keys.
const (
	AttrSenderID      = "senderId"
	AttrCorrelationID = "correlationId"
	AttrReplyTo       = "replyTo"
)

// Envelope is the unit exchanged on the wire.
type Envelope struct {
	// ID is unique per sending broker; replies carry it back as correlationId.
	ID string `json:"id"`
	// Type discriminates the payload for event filtering.
	Type string `json:"type,omitempty"`
	// Data is the already-encoded application payload.
	Data json.RawMessage `json:"data"`
	// Attributes carries senderId, correlationId, replyTo and any extra keys.
	Attributes map[string]string `json:"attributes"`
	// Topic is the topic the envelope was received on. Never sent.
	Topic string `json:"-"`
}

// NewEnvelope builds an envelope from encoded payload bytes and an attribute set.
// The attribute map is copied.
func NewEnvelope(data []byte, attributes map[string]string) *Envelope {
	attrs := make(map[string]string, len(attributes)+3)
	for k, v := range attributes {
		attrs[k] = v
	}
	return &Envelope{Data: data, Attributes: attrs}
}

func (e *Envelope) attr(k string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	return e.Attributes[k]
}

func (e *Envelope) SenderID() string      { return e.attr(AttrSenderID) }
func (e *Envelope) CorrelationID() string { return e.attr(AttrCorrelationID) }
func (e *Envelope) ReplyTo() string       { return e.attr(AttrReplyTo) }

// SetAttr sets an attribute, allocating the map on demand. Empty values delete the key.
func (e *Envelope) SetAttr(k, v string) {
	if v == "" {
		delete(e.Attributes, k)
		return
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]string, 4)
	}
	e.Attributes[k] = v
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	if e.Data != nil {
		c.Data = append(json.RawMessage(nil), e.Data...)
	}
	if e.Attributes != nil {
		c.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// EventType enumerates broker lifecycle events for the Observer pattern.
type EventType string

const (
	PublishStart EventType = "publish_start"
	PublishDone  EventType = "publish_done"
	Ingest       EventType = "ingest"
	DecodeFailed EventType = "decode_failed"
	ReplyMatched EventType = "reply_matched"
	ReplyTimeout EventType = "reply_timeout"
	Ack          EventType = "ack"
	Error        EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type          EventType
	Topic         string
	MessageID     string
	CorrelationID string
	MessageType   string
	Duration      time.Duration
	Err           error

	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64
	Processed    uint64
	ActiveEvents int
	Workers      int
	BufferSize   int
}

// Metrics defines observable telemetry for the broker.
type Metrics struct {
	Published           uint64
	Received            uint64
	DecodeErrors        uint64
	RepliesMatched      uint64
	ReplyTimeouts       uint64
	PendingReplies      int64
	HubDropped          uint64
	Errors              uint64
	EventsDropped       uint64
	AvgPublishLatencyMs float64
}

// HealthStatus indicates broker health.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
