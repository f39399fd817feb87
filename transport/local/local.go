// Package local provides the in-process direct channel. Delivery is a plain
// function call on the sender's goroutine and the channel is always
// connected.
package local

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/canvasmesh/canvasmesh/transport"
)

// ChannelName is the name used to register this channel.
const ChannelName = "local"

func init() {
	transport.RegisterWithCapabilities(ChannelName, Build, transport.LocalCapabilities)
}

// Build creates a new in-process channel.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Channel, error) {
	return New(), nil
}

// Channel is the in-process direct link.
type Channel struct {
	mu      sync.RWMutex
	handler func(*transport.Envelope)
}

// New constructs a local channel.
func New() *Channel {
	return &Channel{}
}

// Connect is a no-op; the local channel is always up.
func (c *Channel) Connect(ctx context.Context) error { return nil }

// Send delivers the envelope to the registered handler synchronously. The
// handler receives a clone so hop mutation never leaks back to the sender.
// Envelopes sent before a handler is registered are discarded.
func (c *Channel) Send(ctx context.Context, env *transport.Envelope) error {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	if handler != nil {
		handler(env.Clone())
	}
	return nil
}

// OnMessage registers the inbound handler.
func (c *Channel) OnMessage(fn func(*transport.Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Disconnect is a no-op.
func (c *Channel) Disconnect() error { return nil }

// IsConnected always reports true.
func (c *Channel) IsConnected() bool { return true }

// Capabilities returns the capabilities of this channel.
func (c *Channel) Capabilities() transport.Capabilities {
	return transport.LocalCapabilities
}
