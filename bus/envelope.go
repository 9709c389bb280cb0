package bus

import (
	"time"

	"github.com/google/uuid"
)

// Well-known headers.
const (
	HeaderDeadLetterReason = "x-dead-letter-reason"
	HeaderDeadLetterRoute  = "x-dead-letter-route"
	HeaderDeadLetterFrom   = "x-dead-letter-from"
	HeaderTraceParent      = "traceparent"
)

// Envelope is a routed message: a type tag, a JSON-like payload, headers and
// routing bookkeeping. Receivers get their own copy.
type Envelope struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Sender        string            `json:"sender,omitempty"`
	Payload       map[string]any    `json:"payload,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	HopCount      int               `json:"hop_count"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	StreamID      string            `json:"stream_id,omitempty"`
	Sequence      uint64            `json:"sequence,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	TTL           time.Duration     `json:"ttl,omitempty"`
}

// NewEnvelope creates an envelope with a fresh id.
func NewEnvelope(msgType string, payload map[string]any) *Envelope {
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		Headers:   make(map[string]string),
		CreatedAt: time.Now(),
	}
}

// WithSender sets the sender agent id.
func (e *Envelope) WithSender(id string) *Envelope {
	e.Sender = id
	return e
}

// WithHeader sets a header.
func (e *Envelope) WithHeader(key, value string) *Envelope {
	if e.Headers == nil {
		e.Headers = make(map[string]string)
	}
	e.Headers[key] = value
	return e
}

// WithCorrelation sets the correlation id.
func (e *Envelope) WithCorrelation(id string) *Envelope {
	e.CorrelationID = id
	return e
}

// WithStream sets the stream id.
func (e *Envelope) WithStream(id string) *Envelope {
	e.StreamID = id
	return e
}

// WithTTL bounds the envelope's lifetime from CreatedAt.
func (e *Envelope) WithTTL(ttl time.Duration) *Envelope {
	e.TTL = ttl
	return e
}

// Header returns a header value.
func (e *Envelope) Header(key string) string {
	return e.Headers[key]
}

// Expired reports whether the TTL has elapsed at now. Envelopes without TTL never expire.
func (e *Envelope) Expired(now time.Time) bool {
	return e.TTL > 0 && !e.CreatedAt.IsZero() && now.Sub(e.CreatedAt) > e.TTL
}

// Clone deep-copies the envelope so fan-out receivers never share maps.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	c := *e
	c.Payload = clonePayload(e.Payload)
	if e.Headers != nil {
		c.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			c.Headers[k] = v
		}
	}
	return &c
}

// Fields flattens the envelope into the variable set used by route predicates:
// type, sender, hop_count, correlation_id, stream_id, headers, payload, plus
// every payload key at top level (explicit fields win on collision).
func (e *Envelope) Fields() map[string]any {
	headers := make(map[string]any, len(e.Headers))
	for k, v := range e.Headers {
		headers[k] = v
	}
	vars := make(map[string]any, len(e.Payload)+7)
	for k, v := range e.Payload {
		vars[k] = v
	}
	vars["type"] = e.Type
	vars["sender"] = e.Sender
	vars["hop_count"] = e.HopCount
	vars["correlation_id"] = e.CorrelationID
	vars["stream_id"] = e.StreamID
	vars["headers"] = headers
	vars["payload"] = e.Payload
	return vars
}

func clonePayload(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out := make(map[string]any, len(v))
	for k, inner := range v {
		out[k] = cloneAny(inner)
	}
	return out
}

func cloneAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return clonePayload(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneAny(val[i])
		}
		return out
	default:
		return v
	}
}
