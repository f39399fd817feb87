// Package pipeline wires widget output ports to widget input ports and
// propagates values along those connections. Connections are typed: an
// output can only feed an input whose declared type matches, with "any"
// acting as a wildcard on either side.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/internal/runtime/logging"
	"github.com/canvasmesh/canvasmesh/transport"
)

// TypeAny matches every port type on either end of a connection.
const TypeAny = "any"

// Direction says which way data flows through a port.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Port is one declared endpoint on a widget, taken from its manifest.
type Port struct {
	ID          string
	WidgetID    string
	OwnerUserID string
	Direction   Direction
	Type        string
}

// Connection links an output port to an input port.
type Connection struct {
	ID             string
	SourcePortID   string
	TargetPortID   string
	SourceWidgetID string
	TargetWidgetID string
	Scope          transport.Scope
	CreatedAt      time.Time
}

// InputHandler receives values arriving on an input port.
type InputHandler func(portID string, value any)

// Approver gates connections that cross a user boundary. The trust service
// satisfies this interface.
type Approver interface {
	Allowed(ctx context.Context, fromUserID, toUserID string) (bool, string, error)
}

type handlerEntry struct {
	id int
	fn InputHandler
}

// Engine holds the port registry and the live connection table.
type Engine struct {
	logger   logging.ServiceLogger
	approver Approver

	mu        sync.RWMutex
	ports     map[string]Port
	conns     []*Connection
	handlers  map[string][]handlerEntry
	handlerID int
}

// NewEngine creates an empty engine. approver may be nil, in which case
// cross-user connections are refused outright.
func NewEngine(logger logging.ServiceLogger, approver Approver) *Engine {
	return &Engine{
		logger:   logger,
		approver: approver,
		ports:    make(map[string]Port),
		handlers: make(map[string][]handlerEntry),
	}
}

// RegisterPort adds or replaces a port declaration.
func (e *Engine) RegisterPort(p Port) error {
	if p.ID == "" {
		return fmt.Errorf("register port: %w", errspkg.ErrPortNotFound)
	}
	if p.Direction != DirectionInput && p.Direction != DirectionOutput {
		return fmt.Errorf("register port %s: %w", p.ID, errspkg.ErrPortDirection)
	}
	if p.Type == "" {
		p.Type = TypeAny
	}
	e.mu.Lock()
	e.ports[p.ID] = p
	e.mu.Unlock()
	return nil
}

// UnregisterWidget removes all ports of the widget and severs every
// connection touching them.
func (e *Engine) UnregisterWidget(widgetID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, p := range e.ports {
		if p.WidgetID == widgetID {
			delete(e.ports, id)
			delete(e.handlers, id)
		}
	}

	kept := e.conns[:0]
	for _, c := range e.conns {
		if c.SourceWidgetID == widgetID || c.TargetWidgetID == widgetID {
			continue
		}
		kept = append(kept, c)
	}
	e.conns = kept
}

// OnInput registers a handler for values arriving on an input port. The
// returned function removes the handler.
func (e *Engine) OnInput(portID string, h InputHandler) func() {
	e.mu.Lock()
	e.handlerID++
	id := e.handlerID
	e.handlers[portID] = append(e.handlers[portID], handlerEntry{id: id, fn: h})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		hs := e.handlers[portID]
		for i, entry := range hs {
			if entry.id == id {
				e.handlers[portID] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// compatible reports whether an output of outType may feed an input of
// inType.
func compatible(outType, inType string) bool {
	return outType == TypeAny || inType == TypeAny || outType == inType
}

// Connect creates a connection from an output port to an input port.
// Connecting an already connected pair returns the existing connection.
// Connections that cross a user boundary require trust approval.
func (e *Engine) Connect(ctx context.Context, sourcePortID, targetPortID string, scope transport.Scope) (*Connection, error) {
	e.mu.RLock()
	src, srcOK := e.ports[sourcePortID]
	dst, dstOK := e.ports[targetPortID]
	e.mu.RUnlock()

	if !srcOK {
		return nil, fmt.Errorf("connect: source port %q: %w", sourcePortID, errspkg.ErrPortNotFound)
	}
	if !dstOK {
		return nil, fmt.Errorf("connect: target port %q: %w", targetPortID, errspkg.ErrPortNotFound)
	}
	if src.Direction != DirectionOutput || dst.Direction != DirectionInput {
		return nil, fmt.Errorf("connect %s -> %s: %w", sourcePortID, targetPortID, errspkg.ErrPortDirection)
	}
	if !compatible(src.Type, dst.Type) {
		return nil, &errspkg.PortTypeError{OutputType: src.Type, InputType: dst.Type}
	}

	if src.OwnerUserID != dst.OwnerUserID {
		if e.approver == nil {
			return nil, &errspkg.PermissionDeniedError{
				FromUserID: src.OwnerUserID,
				ToUserID:   dst.OwnerUserID,
				Reason:     "no approver configured",
			}
		}
		ok, reason, err := e.approver.Allowed(ctx, src.OwnerUserID, dst.OwnerUserID)
		if err != nil {
			return nil, fmt.Errorf("connect %s -> %s: %w", sourcePortID, targetPortID, err)
		}
		if !ok {
			return nil, &errspkg.PermissionDeniedError{
				FromUserID: src.OwnerUserID,
				ToUserID:   dst.OwnerUserID,
				Reason:     reason,
			}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.conns {
		if c.SourcePortID == sourcePortID && c.TargetPortID == targetPortID {
			return c, nil
		}
	}

	conn := &Connection{
		ID:             uuid.NewString(),
		SourcePortID:   sourcePortID,
		TargetPortID:   targetPortID,
		SourceWidgetID: src.WidgetID,
		TargetWidgetID: dst.WidgetID,
		Scope:          scope,
		CreatedAt:      time.Now(),
	}
	e.conns = append(e.conns, conn)

	e.logger.Debug("pipeline connection created", logging.LogFields{
		"connection_id": conn.ID,
		"source_port":   sourcePortID,
		"target_port":   targetPortID,
		"scope":         string(scope),
	})
	return conn, nil
}

// Disconnect removes a connection. Unknown IDs are a no-op, so tearing the
// same connection down twice is safe.
func (e *Engine) Disconnect(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, c := range e.conns {
		if c.ID == connID {
			e.conns = append(e.conns[:i], e.conns[i+1:]...)
			return
		}
	}
}

// Propagate fans a value out from an output port to every connected input,
// in connection creation order. A panicking handler is logged and skipped
// without affecting the remaining deliveries. Returns the number of input
// ports the value reached.
func (e *Engine) Propagate(ctx context.Context, sourcePortID string, value any) int {
	e.mu.RLock()
	var targets []string
	for _, c := range e.conns {
		if c.SourcePortID == sourcePortID {
			targets = append(targets, c.TargetPortID)
		}
	}
	handlers := make(map[string][]handlerEntry, len(targets))
	for _, portID := range targets {
		handlers[portID] = append([]handlerEntry(nil), e.handlers[portID]...)
	}
	e.mu.RUnlock()

	delivered := 0
	for _, portID := range targets {
		delivered++
		for _, entry := range handlers[portID] {
			e.deliver(portID, entry.fn, value)
		}
	}
	return delivered
}

func (e *Engine) deliver(portID string, h InputHandler, value any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("pipeline input handler panicked", fmt.Errorf("panic: %v", r), logging.LogFields{
				"port_id": portID,
			})
		}
	}()
	h(portID, value)
}

// Connections returns a snapshot of the live connection table in creation
// order.
func (e *Engine) Connections() []Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Connection, len(e.conns))
	for i, c := range e.conns {
		out[i] = *c
	}
	return out
}

// PortsFor lists the registered ports of one widget.
func (e *Engine) PortsFor(widgetID string) []Port {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Port
	for _, p := range e.ports {
		if p.WidgetID == widgetID {
			out = append(out, p)
		}
	}
	return out
}
