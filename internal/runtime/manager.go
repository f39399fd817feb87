package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/canvasmesh/canvasmesh/internal/runtime/bus"
	"github.com/canvasmesh/canvasmesh/internal/runtime/config"
	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/internal/runtime/logging"
	"github.com/canvasmesh/canvasmesh/internal/runtime/policy"
	"github.com/canvasmesh/canvasmesh/internal/runtime/presence"
	"github.com/canvasmesh/canvasmesh/internal/runtime/trust"
	"github.com/canvasmesh/canvasmesh/transport"
)

// scopeChannels maps an envelope scope to the channel that serves it.
var scopeChannels = map[transport.Scope]string{
	transport.ScopeLocal:       "local",
	transport.ScopeCrossCanvas: "crosstab",
	transport.ScopeMultiUser:   "relay",
}

// Manager is the transport router. It sits between the bus and the channels:
// policy decides whether an event may leave, trust and presence gate targeted
// multi-user sends, and the dispatcher handles the envelope mechanics.
type Manager struct {
	cfg        *config.Config
	logger     logging.ServiceLogger
	policy     *policy.Registry
	trust      *trust.Service
	presence   *presence.Tracker
	dispatcher *Dispatcher
	metrics    *Metrics

	mu       sync.RWMutex
	channels map[string]transport.Channel
}

// NewManager wires the router.
func NewManager(cfg *config.Config, logger logging.ServiceLogger, reg *policy.Registry, trustSvc *trust.Service, tracker *presence.Tracker, dispatcher *Dispatcher, metrics *Metrics) (*Manager, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger,
		policy:     reg,
		trust:      trustSvc,
		presence:   tracker,
		dispatcher: dispatcher,
		metrics:    metrics,
		channels:   make(map[string]transport.Channel),
	}, nil
}

// AddChannel registers a connected or connectable channel under its name.
func (m *Manager) AddChannel(name string, ch transport.Channel) error {
	if ch == nil {
		return errspkg.ErrChannelRequired
	}
	m.mu.Lock()
	m.channels[name] = ch
	m.mu.Unlock()
	return nil
}

// Channel returns the channel registered under name.
func (m *Manager) Channel(name string) (transport.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// ChannelNames lists the registered channels in sorted order.
func (m *Manager) ChannelNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Manager) channelForScope(scope transport.Scope) (string, transport.Channel, error) {
	name, ok := scopeChannels[scope]
	if !ok {
		return "", nil, errspkg.ErrChannelUnavailable
	}
	ch, ok := m.Channel(name)
	if !ok {
		return name, nil, fmt.Errorf("scope %s: %w", scope, errspkg.ErrChannelUnavailable)
	}
	return name, ch, nil
}

// ConnectAll brings every registered channel up.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Connect(ctx); err != nil {
			return fmt.Errorf("connect channel %s: %w", name, err)
		}
	}
	return nil
}

// DisconnectAll tears every channel down. Errors are logged, not returned,
// because shutdown must not stop halfway.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Warn("channel disconnect failed", logging.LogFields{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
}

// isSystemEvent reports whether the event type is runtime-originated.
// System traffic bypasses the per-widget rate limiter.
func isSystemEvent(eventType string) bool {
	return strings.HasPrefix(eventType, "system:")
}

// requestedScope maps the bus-level scope of an emission to the envelope
// scope it asks for. Widget scope never maps to a transport.
func requestedScope(s bus.Scope) (transport.Scope, bool) {
	switch s {
	case bus.ScopeCanvas:
		return transport.ScopeCrossCanvas, true
	case bus.ScopeBroadcast:
		return transport.ScopeMultiUser, true
	default:
		return "", false
	}
}

// Route inspects one local bus emission and forwards it outward when policy
// allows. Remote events are never routed back out; the envelope's seen-by set
// is the second line of defence but this check keeps the common case cheap.
func (m *Manager) Route(ctx context.Context, event bus.Event) error {
	if event.Remote {
		return nil
	}
	requested, ok := requestedScope(event.Scope)
	if !ok {
		return nil
	}

	res := m.policy.Resolve(event.Type, requested)
	if !res.Allowed {
		m.metrics.dropped(dropReasonPolicy)
		m.logger.Debug("event kept local by policy", logging.LogFields{
			"event_type": event.Type,
			"requested":  string(requested),
			"max_scope":  string(res.MaxScope),
		})
		return nil
	}

	if requested == transport.ScopeCrossCanvas && !isSystemEvent(event.Type) {
		// Without a live session on another canvas there is nobody to
		// deliver to; heartbeats themselves are exempt so new sessions can
		// be discovered.
		if !m.presence.PeerReachable(m.cfg.UserID, m.cfg.SessionID) {
			m.metrics.dropped(dropReasonUnreachable)
			m.logger.Debug("no live session for cross-canvas delivery, dropping", logging.LogFields{
				"event_type": event.Type,
			})
			return nil
		}
	}

	if requested == transport.ScopeMultiUser && res.RequiresTrust {
		// An untargeted broadcast cannot be checked against per-user trust.
		m.metrics.dropped(dropReasonPermission)
		err := &errspkg.PermissionDeniedError{
			FromUserID: m.cfg.UserID,
			Reason:     "event type requires a targeted, trusted recipient",
		}
		m.logger.Warn("broadcast refused", logging.LogFields{
			"event_type": event.Type,
			"error":      err.Error(),
		})
		return err
	}

	var env *transport.Envelope
	if isSystemEvent(event.Type) {
		env = m.dispatcher.WrapSystem(event, requested, nil)
	} else {
		var err error
		env, err = m.dispatcher.Wrap(event, requested, nil)
		if err != nil {
			return err
		}
	}

	name, ch, err := m.channelForScope(requested)
	if err != nil {
		m.metrics.dropped(dropReasonDisconnected)
		return err
	}
	return m.send(ctx, name, ch, env)
}

// SendToUser delivers one event to a specific user over the relay, passing
// the trust and presence gates first.
func (m *Manager) SendToUser(ctx context.Context, event bus.Event, toUserID string) error {
	res := m.policy.Resolve(event.Type, transport.ScopeMultiUser)
	if !res.Allowed {
		m.metrics.dropped(dropReasonPolicy)
		return fmt.Errorf("event type %q may not travel at multi-user scope", event.Type)
	}

	if res.RequiresTrust {
		allowed, reason, err := m.trust.Allowed(ctx, m.cfg.UserID, toUserID)
		if err != nil {
			return fmt.Errorf("trust check for %s: %w", toUserID, err)
		}
		if !allowed {
			m.metrics.dropped(dropReasonPermission)
			return &errspkg.PermissionDeniedError{
				FromUserID: m.cfg.UserID,
				ToUserID:   toUserID,
				Reason:     reason,
			}
		}
	}

	if !m.presence.UserReachable(toUserID) {
		m.metrics.dropped(dropReasonUnreachable)
		m.logger.Warn("recipient unreachable, dropping send", logging.LogFields{
			"event_type": event.Type,
			"to_user":    toUserID,
		})
		return fmt.Errorf("user %s is not reachable", toUserID)
	}

	target := &transport.Address{Kind: transport.AddressUser, ID: toUserID}
	env, err := m.dispatcher.Wrap(event, transport.ScopeMultiUser, target)
	if err != nil {
		return err
	}

	name, ch, err := m.channelForScope(transport.ScopeMultiUser)
	if err != nil {
		m.metrics.dropped(dropReasonDisconnected)
		return err
	}
	return m.send(ctx, name, ch, env)
}

// send transmits one envelope, retrying once through a reconnect when the
// channel reports itself down. The retry is immediate; the channels own their
// backoff schedules.
func (m *Manager) send(ctx context.Context, name string, ch transport.Channel, env *transport.Envelope) error {
	err := ch.Send(ctx, env)
	if err == nil {
		m.metrics.sent(name, string(env.Scope))
		return nil
	}

	if !ch.IsConnected() {
		m.logger.Warn("channel down, attempting reconnect", logging.LogFields{
			"channel":  name,
			"trace_id": env.TraceID,
		})
		if rerr := ch.Connect(ctx); rerr == nil {
			if err = ch.Send(ctx, env); err == nil {
				m.metrics.sent(name, string(env.Scope))
				return nil
			}
		}
		m.metrics.dropped(dropReasonDisconnected)
		m.logger.Warn("dropping envelope, channel unavailable", logging.LogFields{
			"channel":  name,
			"trace_id": env.TraceID,
		})
		return &errspkg.TransportDisconnectedError{Channel: name}
	}

	m.metrics.dropped(dropReasonSendFailed)
	return fmt.Errorf("send on channel %s: %w", name, err)
}

// ChannelDebug is one channel's entry in the debug snapshot.
type ChannelDebug struct {
	Name         string                 `json:"name"`
	Connected    bool                   `json:"connected"`
	Capabilities transport.Capabilities `json:"capabilities"`
}

// DebugInfo is the state snapshot served on the debug endpoint.
type DebugInfo struct {
	SessionID    string                   `json:"sessionId"`
	UserID       string                   `json:"userId"`
	CanvasID     string                   `json:"canvasId"`
	Channels     []ChannelDebug           `json:"channels"`
	Policies     map[string]policy.Policy `json:"policies"`
	DedupEntries int                      `json:"dedupEntries"`
	LiveSessions []presence.Session       `json:"liveSessions"`
}

// DebugInfo assembles the current router state for diagnostics.
func (m *Manager) DebugInfo() DebugInfo {
	m.mu.RLock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	channels := make([]ChannelDebug, 0, len(names))
	for _, name := range names {
		ch, _ := m.Channel(name)
		entry := ChannelDebug{Name: name, Connected: ch.IsConnected()}
		if provider, ok := ch.(transport.CapabilitiesProvider); ok {
			entry.Capabilities = provider.Capabilities()
		}
		channels = append(channels, entry)
	}

	return DebugInfo{
		SessionID:    m.cfg.SessionID,
		UserID:       m.cfg.UserID,
		CanvasID:     m.cfg.CanvasID,
		Channels:     channels,
		Policies:     m.policy.Snapshot(),
		DedupEntries: m.dispatcher.DedupLen(),
		LiveSessions: m.presence.LiveSessions(),
	}
}
