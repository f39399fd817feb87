// Package sandbox manages the boundary between the host runtime and
// untrusted widget code. Widgets run behind a message-passing bridge: the
// host never calls into a widget directly, it exchanges typed messages and
// supervises a handshake with a deadline.
package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Kind is the classified type of a sandbox message.
type Kind string

const (
	// KindReady is the widget's handshake signal after it booted.
	KindReady Kind = "ready"
	// KindEmit carries an event or a port output from the widget.
	KindEmit Kind = "emit"
	// KindInput delivers a pipeline value or an event to the widget.
	KindInput Kind = "input"
	// KindStatePatch is a partial state write from the widget.
	KindStatePatch Kind = "statePatch"
	// KindStateUpdate is a full state push from the host.
	KindStateUpdate Kind = "stateUpdate"
	// KindCapabilityRequest asks the host for an optional capability.
	KindCapabilityRequest Kind = "capabilityRequest"
	// KindCapabilityGrant answers a capability request.
	KindCapabilityGrant Kind = "capabilityGrant"
	// KindCanvasRequest asks the host to act on the canvas.
	KindCanvasRequest Kind = "canvasRequest"
	// KindDebugLog is a log line forwarded from the widget.
	KindDebugLog Kind = "debugLog"
	// KindError is a widget-side error report. It is diagnostic only and
	// never changes the bridge state.
	KindError Kind = "error"
	// KindResize asks the host to resize the widget's frame.
	KindResize Kind = "resize"
	// KindSettingsUpdate pushes new settings from the host.
	KindSettingsUpdate Kind = "settingsUpdate"
	// KindDestroy tells the widget to tear down.
	KindDestroy Kind = "destroy"
	// KindUnknown is the fallback for unrecognised wire types. Unknown
	// messages are never an error; they are logged and dropped so newer
	// widgets can talk to older hosts.
	KindUnknown Kind = "unknown"
)

// kindAliases maps every accepted wire spelling to its kind. Widgets built
// against older SDK revisions use the upper-case forms.
var kindAliases = map[string]Kind{
	"ready":              KindReady,
	"READY":              KindReady,
	"emit":               KindEmit,
	"widget:emit":        KindEmit,
	"EVENT":              KindEmit,
	"OUTPUT":             KindEmit,
	"input":              KindInput,
	"widget:event":       KindInput,
	"pipeline:input":     KindInput,
	"statePatch":         KindStatePatch,
	"STATE_PATCH":        KindStatePatch,
	"stateUpdate":        KindStateUpdate,
	"STATE_UPDATE":       KindStateUpdate,
	"capabilityRequest":  KindCapabilityRequest,
	"CAPABILITY_REQUEST": KindCapabilityRequest,
	"capabilityGrant":    KindCapabilityGrant,
	"CAPABILITY":         KindCapabilityGrant,
	"canvasRequest":      KindCanvasRequest,
	"CANVAS_REQUEST":     KindCanvasRequest,
	"debugLog":           KindDebugLog,
	"DEBUG_LOG":          KindDebugLog,
	"error":              KindError,
	"ERROR":              KindError,
	"resize":             KindResize,
	"RESIZE":             KindResize,
	"settingsUpdate":     KindSettingsUpdate,
	"SETTINGS_UPDATE":    KindSettingsUpdate,
	"destroy":            KindDestroy,
	"DESTROY":            KindDestroy,
}

// Classify maps a wire type string to its kind, falling back to KindUnknown.
func Classify(wireType string) Kind {
	if k, ok := kindAliases[wireType]; ok {
		return k
	}
	return KindUnknown
}

// Message is one frame exchanged with a widget.
type Message struct {
	// Type is the raw wire type as sent. Kind is its classification.
	Type     string          `json:"type"`
	Kind     Kind            `json:"-"`
	WidgetID string          `json:"widgetId,omitempty"`
	PortID   string          `json:"portId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// DecodeMessage parses a raw frame and classifies its type.
func DecodeMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode sandbox message: %w", err)
	}
	msg.Kind = Classify(msg.Type)
	return &msg, nil
}

// EncodeMessage serialises a frame for the widget. The Kind is used as the
// wire type when Type is empty.
func EncodeMessage(msg *Message) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = string(msg.Kind)
	}
	out, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode sandbox message: %w", err)
	}
	return out, nil
}
