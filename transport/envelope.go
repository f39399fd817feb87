package transport

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bytedance/sonic"
)

// MetadataTraceID is the message metadata key carrying the envelope trace id
// so brokers and log tooling can follow a send without decoding the payload.
const MetadataTraceID = "canvasmesh_trace_id"

// Origin identifies the session that created an envelope.
type Origin struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// AddressKind discriminates envelope target addresses.
type AddressKind string

const (
	AddressCanvas AddressKind = "canvas"
	AddressUser   AddressKind = "user"
)

// Address narrows delivery to one canvas or one user.
type Address struct {
	Kind AddressKind `json:"kind"`
	ID   string      `json:"id"`
}

// EventPayload is the wire form of a bus event. The inner payload is opaque
// structured-clone data and round-trips through JSON.
type EventPayload struct {
	Type           string    `json:"type"`
	Scope          string    `json:"scope"`
	Payload        any       `json:"payload,omitempty"`
	SourceWidgetID string    `json:"sourceWidgetId"`
	TargetWidgetID string    `json:"targetWidgetId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Envelope wraps an event for a transport hop. It carries the loop-protection
// and dedup metadata; the envelope itself lives only for the duration of one
// hop plus the dedup window.
type Envelope struct {
	TraceID string       `json:"traceId"`
	Origin  Origin       `json:"origin"`
	Hops    int          `json:"hops"`
	SeenBy  []string     `json:"seenBy"`
	TTL     int          `json:"ttl"`
	Scope   Scope        `json:"scope"`
	Target  *Address     `json:"target,omitempty"`
	Payload EventPayload `json:"payload"`
}

// Seen reports whether the given session already processed this envelope.
func (e *Envelope) Seen(sessionID string) bool {
	for _, id := range e.SeenBy {
		if id == sessionID {
			return true
		}
	}
	return false
}

// MarkSeen appends the session to the seen-by set if absent.
func (e *Envelope) MarkSeen(sessionID string) {
	if !e.Seen(sessionID) {
		e.SeenBy = append(e.SeenBy, sessionID)
	}
}

// Clone returns a deep copy of the envelope's hop metadata. The inner event
// payload is shared; receivers treat it as immutable.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.SeenBy = append([]string(nil), e.SeenBy...)
	if e.Target != nil {
		target := *e.Target
		out.Target = &target
	}
	return &out
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := sonic.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope %s: %w", e.TraceID, err)
	}
	return data, nil
}

// Unmarshal parses a wire envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return &env, nil
}

// ToMessage converts the envelope into a Watermill message. The message UUID
// is the trace id so broker-side logs line up with the dedup cache.
func (e *Envelope) ToMessage() (*message.Message, error) {
	payload, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(e.TraceID, payload)
	msg.Metadata.Set(MetadataTraceID, e.TraceID)
	return msg, nil
}

// FromMessage parses a Watermill message produced by ToMessage.
func FromMessage(msg *message.Message) (*Envelope, error) {
	return Unmarshal(msg.Payload)
}
