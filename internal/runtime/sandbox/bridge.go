package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/internal/runtime/logging"
)

// State is the lifecycle phase of a widget bridge.
type State string

const (
	// StateLoading means the widget is booting and has not sent ready yet.
	StateLoading State = "loading"
	// StateReady means the handshake completed.
	StateReady State = "ready"
	// StateActive means the widget is wired into the pipeline and the bus.
	StateActive State = "active"
	// StateFailed means the handshake deadline passed. Inputs to a failed
	// widget are dropped.
	StateFailed State = "failed"
	// StateDestroyed is terminal.
	StateDestroyed State = "destroyed"
)

// Sink is the host-to-widget half of the message channel.
type Sink interface {
	Post(msg *Message) error
}

// EmitHandler receives widget-originated messages that the runtime must act
// on (events, outputs, capability and canvas requests).
type EmitHandler func(msg *Message)

// DiagnosticHandler receives debug logs and error reports from the widget.
// Widget errors never change the bridge state; they only surface here.
type DiagnosticHandler func(widgetID string, msg *Message)

// Bridge supervises one widget: handshake, lifecycle, and message exchange.
type Bridge struct {
	widgetID string
	manifest *Manifest
	sink     Sink
	logger   logging.ServiceLogger
	timeout  time.Duration

	onEmit       EmitHandler
	onDiagnostic DiagnosticHandler

	mu      sync.Mutex
	state   State
	timer   *time.Timer
	pending []*Message
}

// NewBridge creates a bridge for the widget described by manifest. The
// handshake clock starts on Start, not here.
func NewBridge(manifest *Manifest, sink Sink, logger logging.ServiceLogger, timeout time.Duration) *Bridge {
	return &Bridge{
		widgetID: manifest.ID,
		manifest: manifest,
		sink:     sink,
		logger:   logger.With(logging.LogFields{"widget_id": manifest.ID}),
		timeout:  timeout,
		state:    StateLoading,
	}
}

// Manifest returns the manifest the bridge was created with.
func (b *Bridge) Manifest() *Manifest { return b.manifest }

// WidgetID returns the widget's manifest id.
func (b *Bridge) WidgetID() string { return b.widgetID }

// OnEmit sets the handler for widget-originated runtime messages. Set it
// before Start.
func (b *Bridge) OnEmit(h EmitHandler) { b.onEmit = h }

// OnDiagnostic sets the handler for widget logs and error reports. Set it
// before Start.
func (b *Bridge) OnDiagnostic(h DiagnosticHandler) { b.onDiagnostic = h }

// State returns the current lifecycle phase.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start arms the handshake deadline. If the widget does not send ready in
// time the bridge moves to StateFailed.
func (b *Bridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateLoading
	b.armTimerLocked()
	b.logger.Debug("widget loading", logging.LogFields{"timeout": b.timeout.String()})
}

func (b *Bridge) armTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.timeout, b.handshakeTimedOut)
}

func (b *Bridge) handshakeTimedOut() {
	b.mu.Lock()
	if b.state != StateLoading {
		b.mu.Unlock()
		return
	}
	b.state = StateFailed
	b.pending = nil
	b.mu.Unlock()

	err := &errspkg.HandshakeTimeoutError{WidgetID: b.widgetID, Timeout: b.timeout}
	b.logger.Error("widget handshake timed out", err, nil)
}

// HandleWidgetMessage processes one raw frame from the widget.
func (b *Bridge) HandleWidgetMessage(raw []byte) error {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return err
	}
	if msg.WidgetID == "" {
		msg.WidgetID = b.widgetID
	}

	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	if state == StateDestroyed {
		return errspkg.ErrBridgeDestroyed
	}

	switch msg.Kind {
	case KindReady:
		b.markReady()
		return nil
	case KindDebugLog, KindError:
		if msg.Kind == KindError {
			b.logger.Warn("widget reported an error", logging.LogFields{"payload": string(msg.Payload)})
		}
		if b.onDiagnostic != nil {
			b.onDiagnostic(b.widgetID, msg)
		}
		return nil
	case KindUnknown:
		b.logger.Debug("dropping unknown widget message", logging.LogFields{"type": msg.Type})
		return nil
	default:
		if state == StateFailed {
			b.logger.Warn("dropping message from failed widget", logging.LogFields{"kind": string(msg.Kind)})
			return errspkg.ErrWidgetFailed
		}
		if b.onEmit != nil {
			b.onEmit(msg)
		}
		return nil
	}
}

func (b *Bridge) markReady() {
	b.mu.Lock()
	if b.state != StateLoading {
		b.mu.Unlock()
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.state = StateReady
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()

	b.logger.Info("widget ready", nil)
	for _, msg := range queued {
		if err := b.sink.Post(msg); err != nil {
			b.logger.Warn("failed to flush queued input", logging.LogFields{"error": err.Error()})
		}
	}
}

// Activate moves a ready widget into the active phase.
func (b *Bridge) Activate() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateReady, StateActive:
		b.state = StateActive
		return nil
	case StateDestroyed:
		return errspkg.ErrBridgeDestroyed
	case StateFailed:
		return errspkg.ErrWidgetFailed
	default:
		return fmt.Errorf("activate widget %s: %w", b.widgetID, errspkg.ErrWidgetFailed)
	}
}

// DeliverInput posts a pipeline value to one of the widget's input ports.
// Inputs queue while the widget is still loading and flush on ready; inputs
// to a failed widget are dropped with a log.
func (b *Bridge) DeliverInput(portID string, value any) error {
	payload, err := sonic.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal input for port %s: %w", portID, err)
	}
	msg := &Message{Kind: KindInput, WidgetID: b.widgetID, PortID: portID, Payload: payload}

	b.mu.Lock()
	switch b.state {
	case StateDestroyed:
		b.mu.Unlock()
		return errspkg.ErrBridgeDestroyed
	case StateFailed:
		b.mu.Unlock()
		b.logger.Warn("dropping input for failed widget", logging.LogFields{"port_id": portID})
		return errspkg.ErrWidgetFailed
	case StateLoading:
		b.pending = append(b.pending, msg)
		b.mu.Unlock()
		return nil
	default:
		b.mu.Unlock()
		return b.sink.Post(msg)
	}
}

// Push sends a host-initiated frame (state updates, settings, capability
// grants) to the widget.
func (b *Bridge) Push(kind Kind, payload any) error {
	raw, err := sonic.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	b.mu.Lock()
	state := b.state
	b.mu.Unlock()
	if state == StateDestroyed {
		return errspkg.ErrBridgeDestroyed
	}
	if state == StateFailed {
		return errspkg.ErrWidgetFailed
	}
	return b.sink.Post(&Message{Kind: kind, WidgetID: b.widgetID, Payload: raw})
}

// Reload restarts the handshake, recovering a failed widget. Queued inputs
// from the previous incarnation are discarded.
func (b *Bridge) Reload() error {
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return errspkg.ErrBridgeDestroyed
	}
	b.state = StateLoading
	b.pending = nil
	b.armTimerLocked()
	b.mu.Unlock()

	b.logger.Info("widget reloading", nil)
	return nil
}

// Destroy tears the bridge down. The destroy frame is sent best-effort.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	if b.state == StateDestroyed {
		b.mu.Unlock()
		return
	}
	b.state = StateDestroyed
	if b.timer != nil {
		b.timer.Stop()
	}
	b.pending = nil
	b.mu.Unlock()

	if err := b.sink.Post(&Message{Kind: KindDestroy, WidgetID: b.widgetID}); err != nil {
		b.logger.Debug("destroy frame not delivered", logging.LogFields{"error": err.Error()})
	}
	b.logger.Info("widget destroyed", nil)
}
