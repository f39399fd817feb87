package canvasmesh

import (
	runtimepkg "github.com/canvasmesh/canvasmesh/internal/runtime"
	buspkg "github.com/canvasmesh/canvasmesh/internal/runtime/bus"
	configpkg "github.com/canvasmesh/canvasmesh/internal/runtime/config"
	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	loggingpkg "github.com/canvasmesh/canvasmesh/internal/runtime/logging"
	pipelinepkg "github.com/canvasmesh/canvasmesh/internal/runtime/pipeline"
	policypkg "github.com/canvasmesh/canvasmesh/internal/runtime/policy"
	presencepkg "github.com/canvasmesh/canvasmesh/internal/runtime/presence"
	sandboxpkg "github.com/canvasmesh/canvasmesh/internal/runtime/sandbox"
	trustpkg "github.com/canvasmesh/canvasmesh/internal/runtime/trust"
	transportpkg "github.com/canvasmesh/canvasmesh/transport"
)

type (
	Config  = configpkg.Config
	Runtime = runtimepkg.Runtime

	Event        = buspkg.Event
	EventHandler = buspkg.Handler
	EventScope   = buspkg.Scope

	Policy           = policypkg.Policy
	PolicyRegistry   = policypkg.Registry
	PolicyResolution = policypkg.Resolution

	TransportScope        = transportpkg.Scope
	TransportChannel      = transportpkg.Channel
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	Envelope              = transportpkg.Envelope
	EnvelopeOrigin        = transportpkg.Origin
	EnvelopeAddress       = transportpkg.Address

	TrustService      = trustpkg.Service
	TrustStore        = trustpkg.Store
	TrustLevel        = trustpkg.Level
	ConnectionRequest = trustpkg.ConnectionRequest
	TrustedConnection = trustpkg.TrustedConnection
	RequestStatus     = trustpkg.RequestStatus

	PresenceTracker = presencepkg.Tracker
	PresenceSession = presencepkg.Session

	PipelineEngine     = pipelinepkg.Engine
	Port               = pipelinepkg.Port
	PortDirection      = pipelinepkg.Direction
	PipelineConnection = pipelinepkg.Connection

	WidgetManifest   = sandboxpkg.Manifest
	WidgetManifestIO = sandboxpkg.ManifestIO
	WidgetPortSpec   = sandboxpkg.PortSpec
	WidgetBridge     = sandboxpkg.Bridge
	WidgetMessage    = sandboxpkg.Message
	WidgetSink       = sandboxpkg.Sink
	MessageKind      = sandboxpkg.Kind
	BridgeState      = sandboxpkg.State

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError      = errspkg.ConfigValidationError
	LoopDetectedError          = errspkg.LoopDetectedError
	RateLimitError             = errspkg.RateLimitError
	PermissionDeniedError      = errspkg.PermissionDeniedError
	HandshakeTimeoutError      = errspkg.HandshakeTimeoutError
	PortTypeError              = errspkg.PortTypeError
	TransportDisconnectedError = errspkg.TransportDisconnectedError

	DebugInfo    = runtimepkg.DebugInfo
	ChannelDebug = runtimepkg.ChannelDebug
)

var (
	NewRuntime = runtimepkg.New

	NewPolicyRegistry = policypkg.NewRegistry

	NewTrustService = trustpkg.NewService
	NewMemoryStore  = trustpkg.NewMemoryStore
	NewSQLiteStore  = trustpkg.NewSQLiteStore

	ParseManifest = sandboxpkg.ParseManifest
	ClassifyKind  = sandboxpkg.Classify

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	// Transport registry access. The local and crosstab channels register on
	// import; enable the relay with transport/relay.Register().
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetTransportCapabilities = transportpkg.GetCapabilities

	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrEventTypeRequired  = errspkg.ErrEventTypeRequired
	ErrSenderRequired     = errspkg.ErrSenderRequired
	ErrStoreRequired      = errspkg.ErrStoreRequired
	ErrRequestNotFound    = errspkg.ErrRequestNotFound
	ErrRequestNotPending  = errspkg.ErrRequestNotPending
	ErrPortNotFound       = errspkg.ErrPortNotFound
	ErrPortDirection      = errspkg.ErrPortDirection
	ErrWidgetFailed       = errspkg.ErrWidgetFailed
	ErrBridgeDestroyed    = errspkg.ErrBridgeDestroyed
	ErrChannelUnavailable = errspkg.ErrChannelUnavailable
	ErrPayloadTooLarge    = transportpkg.ErrPayloadTooLarge
)

// Event scopes.
const (
	ScopeWidget    = buspkg.ScopeWidget
	ScopeCanvas    = buspkg.ScopeCanvas
	ScopeBroadcast = buspkg.ScopeBroadcast
)

// Envelope scopes.
const (
	TransportScopeLocal       = transportpkg.ScopeLocal
	TransportScopeCrossCanvas = transportpkg.ScopeCrossCanvas
	TransportScopeMultiUser   = transportpkg.ScopeMultiUser
)

// Connection request statuses.
const (
	StatusPending  = trustpkg.StatusPending
	StatusApproved = trustpkg.StatusApproved
	StatusDenied   = trustpkg.StatusDenied
	StatusExpired  = trustpkg.StatusExpired
)

// Widget bridge states.
const (
	BridgeLoading   = sandboxpkg.StateLoading
	BridgeReady     = sandboxpkg.StateReady
	BridgeActive    = sandboxpkg.StateActive
	BridgeFailed    = sandboxpkg.StateFailed
	BridgeDestroyed = sandboxpkg.StateDestroyed
)

// EventPresence is the event type carrying session heartbeats.
const EventPresence = runtimepkg.EventPresence

// EventRateLimited is the local notice delivered to a sender whose message
// was dropped by the rate limiter.
const EventRateLimited = runtimepkg.EventRateLimited
