// Package crosstab provides the same-host broadcast channel. All runtimes
// sharing a broadcast origin exchange envelopes through one in-process
// Watermill gochannel hub, mirroring a browser's same-origin broadcast
// channel. Envelopes larger than the configured limit are rejected rather
// than silently truncated.
package crosstab

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/canvasmesh/canvasmesh/transport"
)

// ChannelName is the name used to register this channel.
const ChannelName = "crosstab"

func init() {
	transport.RegisterWithCapabilities(ChannelName, Build, transport.CrosstabCapabilities)
}

// HubFactory allows overriding hub creation for testing.
var HubFactory = func(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
}

var (
	hubsMu sync.Mutex
	hubs   = make(map[string]*gochannel.GoChannel)
)

func hubFor(origin string, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	hubsMu.Lock()
	defer hubsMu.Unlock()

	hub, ok := hubs[origin]
	if !ok {
		hub = HubFactory(logger)
		hubs[origin] = hub
	}
	return hub
}

// ResetHubs drops all shared hubs. Intended for tests.
func ResetHubs() {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	hubs = make(map[string]*gochannel.GoChannel)
}

// Build creates a crosstab channel attached to the origin's shared hub.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Channel, error) {
	return &Channel{
		hub:        hubFor(cfg.GetBroadcastOrigin(), logger),
		logger:     logger,
		userID:     cfg.GetUserID(),
		canvasID:   cfg.GetCanvasID(),
		maxPayload: cfg.GetMaxBroadcastPayload(),
	}, nil
}

// Channel is one tab's attachment to the shared broadcast hub.
type Channel struct {
	hub        *gochannel.GoChannel
	logger     watermill.LoggerAdapter
	userID     string
	canvasID   string
	maxPayload int

	mu        sync.Mutex
	handler   func(*transport.Envelope)
	cancel    context.CancelFunc
	connected bool
}

func userTopic(userID string) string     { return "crosstab.user." + userID }
func canvasTopic(canvasID string) string { return "crosstab.canvas." + canvasID }

// OnMessage registers the inbound handler. Must be called before Connect.
func (c *Channel) OnMessage(fn func(*transport.Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Connect subscribes to this session's user and canvas topics. The channel
// is considered up once the subscriptions open.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())

	for _, topic := range []string{userTopic(c.userID), canvasTopic(c.canvasID)} {
		msgs, err := c.hub.Subscribe(subCtx, topic)
		if err != nil {
			cancel()
			return fmt.Errorf("crosstab subscribe %s: %w", topic, err)
		}
		go c.pump(msgs)
	}

	c.cancel = cancel
	c.connected = true
	return nil
}

func (c *Channel) pump(msgs <-chan *message.Message) {
	for msg := range msgs {
		env, err := transport.FromMessage(msg)
		if err != nil {
			c.logger.Error("crosstab: dropping undecodable message", err, watermill.LogFields{
				"message_uuid": msg.UUID,
			})
			msg.Ack()
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()

		if handler != nil {
			handler(env)
		}
		msg.Ack()
	}
}

// Send publishes the envelope to the topic derived from its target address:
// a canvas address reaches that canvas's tab, a user address reaches all of
// the user's tabs, and an unaddressed envelope broadcasts to the sender's
// own user topic.
func (c *Channel) Send(ctx context.Context, env *transport.Envelope) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("crosstab: %w", errDisconnected)
	}

	msg, err := env.ToMessage()
	if err != nil {
		return err
	}
	if c.maxPayload > 0 && len(msg.Payload) > c.maxPayload {
		return fmt.Errorf("crosstab: envelope %s is %d bytes (limit %d): %w",
			env.TraceID, len(msg.Payload), c.maxPayload, transport.ErrPayloadTooLarge)
	}

	topic := userTopic(c.userID)
	if env.Target != nil {
		switch env.Target.Kind {
		case transport.AddressCanvas:
			topic = canvasTopic(env.Target.ID)
		case transport.AddressUser:
			topic = userTopic(env.Target.ID)
		}
	}

	return c.hub.Publish(topic, msg)
}

// Disconnect detaches from the hub. The shared hub itself stays up for the
// other tabs.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.cancel()
	c.cancel = nil
	c.connected = false
	return nil
}

// IsConnected reports whether the channel is attached to the hub.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Capabilities returns the capabilities of this channel.
func (c *Channel) Capabilities() transport.Capabilities {
	return transport.CrosstabCapabilities
}

var errDisconnected = fmt.Errorf("channel is not connected")
