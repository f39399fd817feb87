// Package errors defines the sentinel errors and the error taxonomy used by
// the canvasmesh runtime core. Typed errors support errors.As so callers can
// branch on the failure class without string matching.
package errors

import (
	"fmt"
	"time"

	sterrors "errors"
)

var (
	ErrConfigRequired     = sterrors.New("canvasmesh: configuration is required")
	ErrLoggerRequired     = sterrors.New("canvasmesh: logger is required")
	ErrBusRequired        = sterrors.New("canvasmesh: event bus is required")
	ErrChannelRequired    = sterrors.New("canvasmesh: transport channel is required")
	ErrEventTypeRequired  = sterrors.New("canvasmesh: event type is required")
	ErrSenderRequired     = sterrors.New("canvasmesh: source widget id is required")
	ErrStoreRequired      = sterrors.New("canvasmesh: trust store is required")
	ErrRequestNotFound    = sterrors.New("canvasmesh: connection request not found")
	ErrRequestNotPending  = sterrors.New("canvasmesh: connection request is not pending")
	ErrPortNotFound       = sterrors.New("canvasmesh: port not found")
	ErrPortDirection      = sterrors.New("canvasmesh: connection must link an output port to an input port")
	ErrWidgetFailed       = sterrors.New("canvasmesh: widget is in the failed state")
	ErrBridgeDestroyed    = sterrors.New("canvasmesh: widget bridge has been destroyed")
	ErrUnknownChannel     = sterrors.New("canvasmesh: unknown transport channel")
	ErrChannelUnavailable = sterrors.New("canvasmesh: no transport channel serves the requested scope")
)

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "canvasmesh: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err in a ConfigValidationError. Returns nil
// when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// LoopDetectedError reports an envelope rejected by loop protection: the
// receiver already appears in the envelope's seen-by set, or the hop budget
// is exhausted.
type LoopDetectedError struct {
	TraceID string
	Reason  string
}

func (e *LoopDetectedError) Error() string {
	return fmt.Sprintf("canvasmesh: loop detected for trace %s: %s", e.TraceID, e.Reason)
}

// RateLimitError reports a message dropped because the sender exhausted its
// token bucket for the given scope. The error is surfaced only to the sender.
type RateLimitError struct {
	SenderID string
	Scope    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("canvasmesh: rate limit exceeded for sender %s at scope %s", e.SenderID, e.Scope)
}

// PermissionDeniedError reports a cross-user send or connect rejected by the
// trust service.
type PermissionDeniedError struct {
	FromUserID string
	ToUserID   string
	Reason     string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("canvasmesh: permission denied from %s to %s: %s", e.FromUserID, e.ToUserID, e.Reason)
}

// HandshakeTimeoutError reports a widget that never signalled readiness.
type HandshakeTimeoutError struct {
	WidgetID string
	Timeout  time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("canvasmesh: widget %s did not signal ready within %s", e.WidgetID, e.Timeout)
}

// PortTypeError reports a pipeline connect attempt between incompatible port
// types. "any" is compatible with every type; all others must match exactly.
type PortTypeError struct {
	OutputType string
	InputType  string
}

func (e *PortTypeError) Error() string {
	return fmt.Sprintf("canvasmesh: incompatible port types: output %q cannot feed input %q", e.OutputType, e.InputType)
}

// TransportDisconnectedError reports a send attempted on a channel that is
// down and could not be brought back within the reconnect budget.
type TransportDisconnectedError struct {
	Channel string
}

func (e *TransportDisconnectedError) Error() string {
	return fmt.Sprintf("canvasmesh: transport channel %s is disconnected", e.Channel)
}
