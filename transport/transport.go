// Package transport defines the core interfaces and types for canvasmesh
// transport channels. Each channel implementation (local, crosstab, relay)
// lives in its own sub-package and registers itself with the channel
// registry.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrPayloadTooLarge is returned by channels that bound message size when a
// serialized envelope exceeds the limit. Oversized envelopes are rejected,
// never truncated.
var ErrPayloadTooLarge = errors.New("canvasmesh: payload exceeds the transport size limit")

// Scope is the delivery breadth of an envelope.
type Scope string

const (
	// ScopeLocal stays inside one runtime instance.
	ScopeLocal Scope = "local"
	// ScopeCrossCanvas reaches the same user's other canvases on the same
	// host.
	ScopeCrossCanvas Scope = "cross-canvas"
	// ScopeMultiUser reaches other users' sessions through the relay.
	ScopeMultiUser Scope = "multi-user"
)

// Rank orders scopes by breadth so policy checks can compare them.
func (s Scope) Rank() int {
	switch s {
	case ScopeLocal:
		return 0
	case ScopeCrossCanvas:
		return 1
	case ScopeMultiUser:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the three known scopes.
func (s Scope) Valid() bool { return s.Rank() >= 0 }

// Channel is a single bidirectional transport link used by the dispatcher.
// Implementations must be safe for concurrent use.
type Channel interface {
	// Connect brings the channel up. Calling Connect on a connected channel
	// is a no-op.
	Connect(ctx context.Context) error

	// Send transmits one envelope. Implementations return
	// ErrPayloadTooLarge when the serialized envelope exceeds their size
	// limit rather than truncating it.
	Send(ctx context.Context, env *Envelope) error

	// OnMessage registers the inbound handler. Must be called before
	// Connect; only one handler is supported.
	OnMessage(fn func(*Envelope))

	// Disconnect tears the channel down. Idempotent.
	Disconnect() error

	// IsConnected reports the current link state.
	IsConnected() bool
}

// Builder is the function signature for creating a channel from config.
// Each channel package provides a Builder that can be registered. The logger
// is a Watermill adapter so the gochannel and NATS backends share the
// runtime's logger.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Channel, error)

// Config provides the configuration values needed by channels. The interface
// lets channels access only the keys they need without depending on the full
// config package.
type Config interface {
	GetSessionID() string
	GetUserID() string
	GetCanvasID() string

	// Crosstab
	GetBroadcastOrigin() string
	GetMaxBroadcastPayload() int

	// Relay
	GetRelayURL() string
	GetReconnectBaseDelay() time.Duration
	GetReconnectMaxDelay() time.Duration
	GetReconnectMaxAttempts() int
}

// CapabilitiesProvider is implemented by channels that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
