// Package relay provides the networked channel: a persistent link to a NATS
// relay used for multi-user delivery. On disconnect the underlying link
// reconnects with capped exponential backoff; nothing is replayed across the
// gap, so delivery across a disconnect is at-most-once.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/canvasmesh/canvasmesh/transport"
)

// ChannelName is the name used to register this channel.
const ChannelName = "relay"

// Register registers the relay channel with the default registry. Call this
// explicitly before building a runtime that uses the relay; it is not an
// init side effect so runtimes without a relay never touch NATS.
func Register() {
	transport.RegisterWithCapabilities(ChannelName, Build, transport.RelayCapabilities)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg wmnats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return wmnats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg wmnats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return wmnats.NewSubscriber(cfg, logger)
}

// BackoffDelay computes the reconnect delay for the given attempt:
// base x 2^attempt, capped at max.
func BackoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// Build creates a relay channel for the configured NATS URL.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Channel, error) {
	url := cfg.GetRelayURL()
	if url == "" {
		return nil, fmt.Errorf("relay: RelayURL is required")
	}

	base := cfg.GetReconnectBaseDelay()
	max := cfg.GetReconnectMaxDelay()
	natsOptions := []nc.Option{
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(cfg.GetReconnectMaxAttempts()),
		nc.CustomReconnectDelay(func(attempt int) time.Duration {
			return BackoffDelay(base, max, attempt)
		}),
	}

	marshaler := &wmnats.NATSMarshaler{}
	publisher, err := PublisherFactory(wmnats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOptions,
		Marshaler:   marshaler,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("relay publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(wmnats.SubscriberConfig{
		URL:         url,
		NatsOptions: natsOptions,
		Unmarshaler: marshaler,
	}, logger)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("relay subscriber: %w", err)
	}

	return &Channel{
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger,
		sessionID:  cfg.GetSessionID(),
		userID:     cfg.GetUserID(),
		canvasID:   cfg.GetCanvasID(),
	}, nil
}

// Channel is one session's link to the relay.
type Channel struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
	sessionID  string
	userID     string
	canvasID   string

	mu        sync.Mutex
	handler   func(*transport.Envelope)
	cancel    context.CancelFunc
	connected bool
}

// Relay subjects. Every session listens on its own inbox, its user's subject,
// and the broadcast subject.
func sessionSubject(sessionID string) string { return "mesh.session." + sessionID }
func userSubject(userID string) string       { return "mesh.user." + userID }
func canvasSubject(canvasID string) string   { return "mesh.canvas." + canvasID }

const broadcastSubject = "mesh.broadcast"

// OnMessage registers the inbound handler. Must be called before Connect.
func (c *Channel) OnMessage(fn func(*transport.Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// Connect opens the relay subscriptions.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	subCtx, cancel := context.WithCancel(context.Background())

	subjects := []string{
		sessionSubject(c.sessionID),
		userSubject(c.userID),
		canvasSubject(c.canvasID),
		broadcastSubject,
	}
	for _, subject := range subjects {
		msgs, err := c.subscriber.Subscribe(subCtx, subject)
		if err != nil {
			cancel()
			return fmt.Errorf("relay subscribe %s: %w", subject, err)
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
			c.logger.Error("relay: dropping undecodable message", err, watermill.LogFields{
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

// Send publishes the envelope to the subject derived from its target: a user
// address reaches all of that user's sessions, a canvas address reaches one
// canvas, and an unaddressed envelope goes to the broadcast subject.
func (c *Channel) Send(ctx context.Context, env *transport.Envelope) error {
	c.mu.Lock()
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		return fmt.Errorf("relay: channel is not connected")
	}

	msg, err := env.ToMessage()
	if err != nil {
		return err
	}

	subject := broadcastSubject
	if env.Target != nil {
		switch env.Target.Kind {
		case transport.AddressUser:
			subject = userSubject(env.Target.ID)
		case transport.AddressCanvas:
			subject = canvasSubject(env.Target.ID)
		}
	}

	return c.publisher.Publish(subject, msg)
}

// Disconnect closes the relay link.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.cancel()
	c.cancel = nil
	c.connected = false

	if err := c.subscriber.Close(); err != nil {
		_ = c.publisher.Close()
		return err
	}
	return c.publisher.Close()
}

// IsConnected reports whether the relay link is up.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Capabilities returns the capabilities of this channel.
func (c *Channel) Capabilities() transport.Capabilities {
	return transport.RelayCapabilities
}
