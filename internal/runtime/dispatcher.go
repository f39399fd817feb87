package runtime

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/canvasmesh/canvasmesh/internal/runtime/bus"
	"github.com/canvasmesh/canvasmesh/internal/runtime/config"
	"github.com/canvasmesh/canvasmesh/internal/runtime/dedup"
	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/internal/runtime/ids"
	"github.com/canvasmesh/canvasmesh/internal/runtime/logging"
	"github.com/canvasmesh/canvasmesh/internal/runtime/ratelimit"
	"github.com/canvasmesh/canvasmesh/transport"
)

// EventRateLimited is emitted locally, to the sender only, when an outbound
// message is dropped by the rate limiter.
const EventRateLimited = "system:rateLimited"

// Dispatcher owns the envelope layer: it wraps outbound bus events into
// envelopes and runs the loop-protection pipeline on inbound envelopes. It is
// the only writer of the dedup cache and the rate limiter.
type Dispatcher struct {
	cfg     *config.Config
	logger  logging.ServiceLogger
	bus     *bus.Bus
	dedup   *dedup.Cache
	limiter *ratelimit.Limiter
	metrics *Metrics
	tracer  trace.Tracer
}

// NewDispatcher wires the dispatcher. All arguments are required.
func NewDispatcher(cfg *config.Config, logger logging.ServiceLogger, b *bus.Bus, cache *dedup.Cache, limiter *ratelimit.Limiter, metrics *Metrics) (*Dispatcher, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if b == nil {
		return nil, errspkg.ErrBusRequired
	}
	return &Dispatcher{
		cfg:     cfg,
		logger:  logger,
		bus:     b,
		dedup:   cache,
		limiter: limiter,
		metrics: metrics,
		tracer:  otel.Tracer("canvasmesh/dispatcher"),
	}, nil
}

// Wrap builds the outbound envelope for a widget event at the given scope.
// The sender's token bucket is charged here; a rate-limited drop surfaces as
// a RateLimitError and as an EventRateLimited bus event targeted back at the
// sender, never at other widgets.
func (d *Dispatcher) Wrap(event bus.Event, scope transport.Scope, target *transport.Address) (*transport.Envelope, error) {
	if !d.limiter.Allow(event.SourceWidgetID, scope) {
		d.metrics.dropped(dropReasonRateLimited)
		err := &errspkg.RateLimitError{SenderID: event.SourceWidgetID, Scope: string(scope)}
		d.logger.Warn("outbound message rate limited", logging.LogFields{
			"sender": event.SourceWidgetID,
			"scope":  string(scope),
		})
		d.bus.Emit(bus.Event{
			Type:           EventRateLimited,
			Scope:          bus.ScopeWidget,
			TargetWidgetID: event.SourceWidgetID,
			Payload: map[string]any{
				"droppedType": event.Type,
				"scope":       string(scope),
			},
		})
		return nil, err
	}
	return d.wrap(event, scope, target), nil
}

// WrapSystem builds an envelope for runtime-originated traffic such as
// presence heartbeats. System traffic is never rate limited.
func (d *Dispatcher) WrapSystem(event bus.Event, scope transport.Scope, target *transport.Address) *transport.Envelope {
	return d.wrap(event, scope, target)
}

func (d *Dispatcher) wrap(event bus.Event, scope transport.Scope, target *transport.Address) *transport.Envelope {
	return &transport.Envelope{
		TraceID: ids.NewTraceID(),
		Origin: transport.Origin{
			SessionID: d.cfg.SessionID,
			UserID:    d.cfg.UserID,
		},
		Hops:   0,
		SeenBy: []string{d.cfg.SessionID},
		TTL:    d.cfg.MaxHops,
		Scope:  scope,
		Target: target,
		Payload: transport.EventPayload{
			Type:           event.Type,
			Scope:          string(event.Scope),
			Payload:        event.Payload,
			SourceWidgetID: event.SourceWidgetID,
			TargetWidgetID: event.TargetWidgetID,
			Timestamp:      event.Timestamp,
		},
	}
}

// Receive runs the inbound pipeline for one envelope: duplicate suppression,
// seen-by loop protection, and the hop budget, in that order. Envelopes that
// pass are marked, recorded, and re-emitted on the local bus with the Remote
// flag set.
func (d *Dispatcher) Receive(ctx context.Context, channel string, env *transport.Envelope) {
	_, span := d.tracer.Start(ctx, "dispatcher.receive", trace.WithAttributes(
		attribute.String("canvasmesh.trace_id", env.TraceID),
		attribute.String("canvasmesh.channel", channel),
		attribute.String("canvasmesh.scope", string(env.Scope)),
	))
	defer span.End()

	if d.dedup.Seen(env.TraceID) {
		d.drop(span, env, dropReasonDuplicate)
		return
	}
	if env.Seen(d.cfg.SessionID) {
		d.drop(span, env, dropReasonSeen)
		return
	}
	if env.Hops+1 > env.TTL {
		d.drop(span, env, dropReasonHopBudget)
		return
	}

	env.MarkSeen(d.cfg.SessionID)
	env.Hops++
	d.dedup.Record(env.TraceID)
	d.metrics.received(channel)

	d.bus.Emit(bus.Event{
		Type:           env.Payload.Type,
		Scope:          bus.Scope(env.Payload.Scope),
		Payload:        env.Payload.Payload,
		SourceWidgetID: env.Payload.SourceWidgetID,
		TargetWidgetID: env.Payload.TargetWidgetID,
		Timestamp:      env.Payload.Timestamp,
		Remote:         true,
	})
}

func (d *Dispatcher) drop(span trace.Span, env *transport.Envelope, reason string) {
	d.metrics.dropped(reason)
	span.SetAttributes(attribute.String("canvasmesh.drop_reason", reason))

	switch reason {
	case dropReasonSeen, dropReasonHopBudget:
		err := &errspkg.LoopDetectedError{TraceID: env.TraceID, Reason: reason}
		d.logger.Debug("envelope rejected by loop protection", logging.LogFields{
			"trace_id": env.TraceID,
			"reason":   reason,
			"error":    err.Error(),
		})
	default:
		d.logger.Debug("duplicate envelope suppressed", logging.LogFields{
			"trace_id": env.TraceID,
		})
	}
}

// DedupLen reports the current dedup cache size for debug output.
func (d *Dispatcher) DedupLen() int { return d.dedup.Len() }
