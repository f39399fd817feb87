// Package runtime assembles the canvasmesh messaging core: the event bus,
// the policy-driven transport router, the envelope dispatcher, the trust and
// presence services, the pipeline engine, and the widget sandbox bridges.
// Each Runtime instance is one session's explicit context object; nothing in
// this package lives in package-level state except the channel factory hook.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/canvasmesh/canvasmesh/internal/runtime/bus"
	"github.com/canvasmesh/canvasmesh/internal/runtime/config"
	"github.com/canvasmesh/canvasmesh/internal/runtime/dedup"
	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/internal/runtime/logging"
	"github.com/canvasmesh/canvasmesh/internal/runtime/pipeline"
	"github.com/canvasmesh/canvasmesh/internal/runtime/policy"
	"github.com/canvasmesh/canvasmesh/internal/runtime/presence"
	"github.com/canvasmesh/canvasmesh/internal/runtime/ratelimit"
	"github.com/canvasmesh/canvasmesh/internal/runtime/sandbox"
	"github.com/canvasmesh/canvasmesh/internal/runtime/trust"
	"github.com/canvasmesh/canvasmesh/transport"
	"github.com/canvasmesh/canvasmesh/transport/relay"

	_ "github.com/canvasmesh/canvasmesh/transport/crosstab" // registers the crosstab channel
	_ "github.com/canvasmesh/canvasmesh/transport/local"    // registers the local channel
)

// EventPresence carries session heartbeats between runtimes.
const EventPresence = "system:presence"

// ChannelFactory builds the transport channels for a runtime. Overridable so
// tests can substitute fakes without touching the registry.
var ChannelFactory = defaultChannels

func defaultChannels(ctx context.Context, cfg *config.Config, logger watermill.LoggerAdapter) (map[string]transport.Channel, error) {
	names := []string{"local", "crosstab"}
	if cfg.RelayURL != "" {
		relay.Register()
		names = append(names, relay.ChannelName)
	}

	out := make(map[string]transport.Channel, len(names))
	for _, name := range names {
		ch, err := transport.Build(ctx, name, cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("build channel %s: %w", name, err)
		}
		out[name] = ch
	}
	return out, nil
}

// Runtime is one session's messaging core. Construct with New, bring it up
// with Start, and tear it down with Close.
type Runtime struct {
	cfg    *config.Config
	logger logging.ServiceLogger

	bus        *bus.Bus
	policies   *policy.Registry
	trust      *trust.Service
	presence   *presence.Tracker
	pipeline   *pipeline.Engine
	dispatcher *Dispatcher
	manager    *Manager
	metrics    *Metrics

	mu      sync.Mutex
	bridges map[string]*sandbox.Bridge

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	unsubscribes []func()
	httpServer   *http.Server
	started      bool
}

// New validates the configuration and assembles a runtime. The runtime does
// not touch the network until Start.
func New(cfg *config.Config, logger logging.ServiceLogger) (*Runtime, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	logger = logger.With(logging.LogFields{
		"session_id": cfg.SessionID,
		"canvas_id":  cfg.CanvasID,
	})

	var store trust.Store
	if cfg.TrustStorePath != "" {
		sqlStore, err := trust.NewSQLiteStore(cfg.TrustStorePath)
		if err != nil {
			return nil, fmt.Errorf("open trust store: %w", err)
		}
		store = sqlStore
	} else {
		store = trust.NewMemoryStore()
	}

	trustSvc, err := trust.NewService(store, logger, trust.Options{RequestTTL: cfg.RequestTTL})
	if err != nil {
		return nil, err
	}

	eventBus := bus.New(logger)
	policies := policy.NewRegistry()
	tracker := presence.NewTracker(cfg.HeartbeatInterval, presence.Options{})
	engine := pipeline.NewEngine(logger, trustSvc)
	metrics := NewMetrics()
	limiter := ratelimit.New(
		ratelimit.ScopeLimit{Burst: cfg.CrossCanvasBurst, Refill: cfg.CrossCanvasRefill},
		ratelimit.ScopeLimit{Burst: cfg.MultiUserBurst, Refill: cfg.MultiUserRefill},
	)

	dispatcher, err := NewDispatcher(cfg, logger, eventBus, dedup.New(cfg.DedupCacheSize, cfg.DedupTTL), limiter, metrics)
	if err != nil {
		return nil, err
	}
	manager, err := NewManager(cfg, logger, policies, trustSvc, tracker, dispatcher, metrics)
	if err != nil {
		return nil, err
	}

	// Presence heartbeats travel as wide as the deployment allows.
	policies.Register(EventPresence, policy.Policy{MaxScope: transport.ScopeMultiUser})

	// An approved request that names a port pair becomes a pipeline
	// connection. Approvals without ports only establish trust.
	trustSvc.OnApproved(func(req *trust.ConnectionRequest) {
		if req.SourcePortID == "" || req.TargetPortID == "" {
			return
		}
		if _, err := engine.Connect(context.Background(), req.SourcePortID, req.TargetPortID, req.RequestedScope); err != nil {
			logger.Warn("approved connection not established", logging.LogFields{
				"request_id":  req.ID,
				"source_port": req.SourcePortID,
				"target_port": req.TargetPortID,
				"error":       err.Error(),
			})
		}
	})

	return &Runtime{
		cfg:        cfg,
		logger:     logger,
		bus:        eventBus,
		policies:   policies,
		trust:      trustSvc,
		presence:   tracker,
		pipeline:   engine,
		dispatcher: dispatcher,
		manager:    manager,
		metrics:    metrics,
		bridges:    make(map[string]*sandbox.Bridge),
	}, nil
}

// Start connects the transports and launches the background loops: transport
// routing, presence heartbeats, and the connection-request sweeper.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	r.ctx, r.cancel = context.WithCancel(ctx)

	channels, err := ChannelFactory(r.ctx, r.cfg, logging.NewWatermillAdapter(r.logger))
	if err != nil {
		return err
	}
	for name, ch := range channels {
		name := name
		ch.OnMessage(func(env *transport.Envelope) {
			r.dispatcher.Receive(r.ctx, name, env)
		})
		if err := r.manager.AddChannel(name, ch); err != nil {
			return err
		}
	}
	if err := r.manager.ConnectAll(r.ctx); err != nil {
		return err
	}

	r.unsubscribes = append(r.unsubscribes,
		r.bus.SubscribeAll(r.onBusEvent),
		r.bus.Subscribe(EventPresence, r.onPresenceEvent),
	)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.presence.Run(r.ctx, r.announcePresence)
	}()
	go func() {
		defer r.wg.Done()
		r.trust.Run(r.ctx, r.cfg.RequestSweepInterval)
	}()

	if r.cfg.MetricsEnabled {
		r.serveMetrics()
	}

	r.logger.Info("runtime started", logging.LogFields{
		"channels": r.manager.ChannelNames(),
	})
	return nil
}

// onBusEvent is the wildcard subscriber: every local emission is offered to
// the transport router, and targeted events are forwarded to their widget.
func (r *Runtime) onBusEvent(event bus.Event) {
	if err := r.manager.Route(r.ctx, event); err != nil {
		r.logger.Debug("event not routed", logging.LogFields{
			"event_type": event.Type,
			"error":      err.Error(),
		})
	}
	r.deliverToWidget(event)
}

// deliverToWidget pushes a targeted event into the recipient's sandbox.
// System events with an explicit target, such as a rate-limit notice, are
// delivered the same way.
func (r *Runtime) deliverToWidget(event bus.Event) {
	if event.TargetWidgetID == "" {
		return
	}
	r.mu.Lock()
	bridge, ok := r.bridges[event.TargetWidgetID]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := bridge.Push(sandbox.KindInput, map[string]any{
		"type":           event.Type,
		"payload":        event.Payload,
		"sourceWidgetId": event.SourceWidgetID,
	}); err != nil {
		r.logger.Debug("event not delivered to widget", logging.LogFields{
			"widget_id":  event.TargetWidgetID,
			"event_type": event.Type,
			"error":      err.Error(),
		})
	}
}

// announcePresence heartbeats on every remote-capable channel: same-host
// sessions learn about this one over the crosstab channel, and the relay
// carries the wider announcement when one is configured.
func (r *Runtime) announcePresence() {
	payload := map[string]any{
		"sessionId": r.cfg.SessionID,
		"userId":    r.cfg.UserID,
	}
	r.bus.Emit(bus.Event{Type: EventPresence, Scope: bus.ScopeCanvas, Payload: payload})
	if _, ok := r.manager.Channel("relay"); ok {
		r.bus.Emit(bus.Event{Type: EventPresence, Scope: bus.ScopeBroadcast, Payload: payload})
	}
}

// onPresenceEvent feeds heartbeats, local and remote, into the tracker.
func (r *Runtime) onPresenceEvent(event bus.Event) {
	payload, ok := event.Payload.(map[string]any)
	if !ok {
		return
	}
	sessionID, _ := payload["sessionId"].(string)
	userID, _ := payload["userId"].(string)
	if sessionID == "" {
		return
	}
	r.presence.Heartbeat(sessionID, userID)
}

func (r *Runtime) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/transports", func(w http.ResponseWriter, _ *http.Request) {
		body, err := sonic.Marshal(r.manager.DebugInfo())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})

	r.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", r.cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server stopped", err, nil)
		}
	}()
}

// Emit validates and publishes one widget event on the local bus. Delivery
// beyond the local bus is the router's decision.
func (r *Runtime) Emit(event bus.Event) error {
	if event.Type == "" {
		return errspkg.ErrEventTypeRequired
	}
	if event.SourceWidgetID == "" && !isSystemEvent(event.Type) {
		return errspkg.ErrSenderRequired
	}
	r.bus.Emit(event)
	return nil
}

// Subscribe registers a typed bus handler.
func (r *Runtime) Subscribe(eventType string, handler bus.Handler) func() {
	return r.bus.Subscribe(eventType, handler)
}

// SubscribeAll registers a wildcard bus handler.
func (r *Runtime) SubscribeAll(handler bus.Handler) func() {
	return r.bus.SubscribeAll(handler)
}

// SendToUser delivers one event to a specific user over the relay.
func (r *Runtime) SendToUser(ctx context.Context, event bus.Event, toUserID string) error {
	if event.Type == "" {
		return errspkg.ErrEventTypeRequired
	}
	return r.manager.SendToUser(ctx, event, toUserID)
}

// Trust exposes the trust service for request approval flows.
func (r *Runtime) Trust() *trust.Service { return r.trust }

// Policies exposes the policy registry so the host can declare which event
// types may travel.
func (r *Runtime) Policies() *policy.Registry { return r.policies }

// Presence exposes the presence tracker.
func (r *Runtime) Presence() *presence.Tracker { return r.presence }

// Pipeline exposes the port-connection engine.
func (r *Runtime) Pipeline() *pipeline.Engine { return r.pipeline }

// DebugInfo returns the transport router's state snapshot.
func (r *Runtime) DebugInfo() DebugInfo { return r.manager.DebugInfo() }

// portKey namespaces a manifest port id by its widget so port ids only need
// to be unique within one manifest.
func portKey(widgetID, portID string) string {
	return widgetID + ":" + portID
}

// AttachWidget creates the sandbox bridge for a widget, registers its
// manifest ports with the pipeline, and starts the handshake clock.
func (r *Runtime) AttachWidget(manifest *sandbox.Manifest, sink sandbox.Sink) (*sandbox.Bridge, error) {
	if manifest == nil {
		return nil, fmt.Errorf("attach widget: manifest is required")
	}

	r.mu.Lock()
	if _, exists := r.bridges[manifest.ID]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("attach widget: %s is already attached", manifest.ID)
	}
	r.mu.Unlock()

	bridge := sandbox.NewBridge(manifest, sink, r.logger, r.cfg.HandshakeTimeout)

	for _, spec := range manifest.IO.Outputs {
		if err := r.pipeline.RegisterPort(pipeline.Port{
			ID:          portKey(manifest.ID, spec.ID),
			WidgetID:    manifest.ID,
			OwnerUserID: r.cfg.UserID,
			Direction:   pipeline.DirectionOutput,
			Type:        spec.Type,
		}); err != nil {
			return nil, err
		}
	}
	for _, spec := range manifest.IO.Inputs {
		key := portKey(manifest.ID, spec.ID)
		if err := r.pipeline.RegisterPort(pipeline.Port{
			ID:          key,
			WidgetID:    manifest.ID,
			OwnerUserID: r.cfg.UserID,
			Direction:   pipeline.DirectionInput,
			Type:        spec.Type,
		}); err != nil {
			return nil, err
		}
		localID := spec.ID
		r.pipeline.OnInput(key, func(_ string, value any) {
			if err := bridge.DeliverInput(localID, value); err != nil {
				r.logger.Debug("pipeline input not delivered", logging.LogFields{
					"widget_id": manifest.ID,
					"port_id":   localID,
					"error":     err.Error(),
				})
			}
		})
	}

	bridge.OnEmit(func(msg *sandbox.Message) { r.handleWidgetEmit(bridge, msg) })
	bridge.OnDiagnostic(func(widgetID string, msg *sandbox.Message) {
		r.logger.Debug("widget diagnostic", logging.LogFields{
			"widget_id": widgetID,
			"kind":      string(msg.Kind),
			"payload":   string(msg.Payload),
		})
	})

	r.mu.Lock()
	r.bridges[manifest.ID] = bridge
	r.mu.Unlock()

	bridge.Start()
	return bridge, nil
}

// DetachWidget destroys a widget's bridge and severs its pipeline ports.
func (r *Runtime) DetachWidget(widgetID string) {
	r.mu.Lock()
	bridge, ok := r.bridges[widgetID]
	delete(r.bridges, widgetID)
	r.mu.Unlock()

	if ok {
		bridge.Destroy()
	}
	r.pipeline.UnregisterWidget(widgetID)
}

// Bridge returns the sandbox bridge of an attached widget.
func (r *Runtime) Bridge(widgetID string) (*sandbox.Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	bridge, ok := r.bridges[widgetID]
	return bridge, ok
}

// widgetEmitBody is the payload a widget sends with an event emission.
type widgetEmitBody struct {
	Type           string `json:"type"`
	Scope          string `json:"scope"`
	Payload        any    `json:"payload"`
	TargetWidgetID string `json:"targetWidgetId"`
}

func (r *Runtime) handleWidgetEmit(bridge *sandbox.Bridge, msg *sandbox.Message) {
	widgetID := bridge.WidgetID()

	switch msg.Kind {
	case sandbox.KindEmit:
		if msg.PortID != "" {
			var value any
			if len(msg.Payload) > 0 {
				if err := sonic.Unmarshal(msg.Payload, &value); err != nil {
					r.logger.Warn("undecodable port output", logging.LogFields{
						"widget_id": widgetID,
						"port_id":   msg.PortID,
					})
					return
				}
			}
			r.pipeline.Propagate(r.ctx, portKey(widgetID, msg.PortID), value)
			return
		}

		var body widgetEmitBody
		if err := sonic.Unmarshal(msg.Payload, &body); err != nil || body.Type == "" {
			r.logger.Warn("undecodable widget event", logging.LogFields{"widget_id": widgetID})
			return
		}
		scope := bus.Scope(body.Scope)
		if scope == "" {
			scope = bus.ScopeWidget
		}
		if err := r.Emit(bus.Event{
			Type:           body.Type,
			Scope:          scope,
			Payload:        body.Payload,
			SourceWidgetID: widgetID,
			TargetWidgetID: body.TargetWidgetID,
		}); err != nil {
			r.logger.Warn("widget event rejected", logging.LogFields{
				"widget_id": widgetID,
				"error":     err.Error(),
			})
		}

	case sandbox.KindStatePatch:
		var value any
		if err := sonic.Unmarshal(msg.Payload, &value); err != nil {
			return
		}
		r.bus.Emit(bus.Event{
			Type:           "system:statePatch",
			Scope:          bus.ScopeCanvas,
			Payload:        map[string]any{"widgetId": widgetID, "patch": value},
			SourceWidgetID: widgetID,
		})

	case sandbox.KindCapabilityRequest:
		var requested []string
		if err := sonic.Unmarshal(msg.Payload, &requested); err != nil {
			return
		}
		granted := make([]string, 0, len(requested))
		declared := make(map[string]struct{}, len(bridge.Manifest().Capabilities))
		for _, c := range bridge.Manifest().Capabilities {
			declared[c] = struct{}{}
		}
		for _, c := range requested {
			if _, ok := declared[c]; ok {
				granted = append(granted, c)
			}
		}
		if err := bridge.Push(sandbox.KindCapabilityGrant, granted); err != nil {
			r.logger.Debug("capability grant not delivered", logging.LogFields{
				"widget_id": widgetID,
				"error":     err.Error(),
			})
		}

	case sandbox.KindCanvasRequest, sandbox.KindResize:
		var value any
		_ = sonic.Unmarshal(msg.Payload, &value)
		r.bus.Emit(bus.Event{
			Type:           "system:" + string(msg.Kind),
			Scope:          bus.ScopeWidget,
			Payload:        map[string]any{"widgetId": widgetID, "request": value},
			SourceWidgetID: widgetID,
		})
	}
}

// Close shuts the runtime down: background loops, transports, the trust
// store, and the metrics server.
func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	for _, unsubscribe := range r.unsubscribes {
		unsubscribe()
	}
	r.unsubscribes = nil

	r.mu.Lock()
	bridges := make([]*sandbox.Bridge, 0, len(r.bridges))
	for _, bridge := range r.bridges {
		bridges = append(bridges, bridge)
	}
	r.bridges = make(map[string]*sandbox.Bridge)
	r.mu.Unlock()
	for _, bridge := range bridges {
		bridge.Destroy()
	}

	r.manager.DisconnectAll()

	var errs []error
	if r.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	if err := r.trust.Close(); err != nil {
		errs = append(errs, err)
	}

	r.wg.Wait()
	r.logger.Info("runtime stopped", nil)
	return errors.Join(errs...)
}
