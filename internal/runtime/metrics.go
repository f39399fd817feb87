package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons recorded on the drops counter.
const (
	dropReasonDuplicate    = "duplicate"
	dropReasonSeen         = "seen"
	dropReasonHopBudget    = "hop_budget"
	dropReasonRateLimited  = "rate_limited"
	dropReasonPolicy       = "policy"
	dropReasonPermission   = "permission"
	dropReasonUnreachable  = "unreachable"
	dropReasonDisconnected = "disconnected"
	dropReasonSendFailed   = "send_failed"
)

// Metrics bundles the Prometheus collectors of one runtime instance. Every
// instance registers against its own registry so multiple runtimes can share
// a process in tests.
type Metrics struct {
	registry *prometheus.Registry

	envelopesOut *prometheus.CounterVec
	envelopesIn  *prometheus.CounterVec
	drops        *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		envelopesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasmesh",
			Name:      "envelopes_out_total",
			Help:      "Envelopes handed to a transport channel, by channel and scope.",
		}, []string{"channel", "scope"}),
		envelopesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasmesh",
			Name:      "envelopes_in_total",
			Help:      "Envelopes accepted from a transport channel and re-emitted locally.",
		}, []string{"channel"}),
		drops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasmesh",
			Name:      "drops_total",
			Help:      "Messages dropped before or after the wire, by reason.",
		}, []string{"reason"}),
	}
}

// Registry exposes the underlying registry for the metrics HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) sent(channel string, scope string) {
	m.envelopesOut.WithLabelValues(channel, scope).Inc()
}

func (m *Metrics) received(channel string) {
	m.envelopesIn.WithLabelValues(channel).Inc()
}

func (m *Metrics) dropped(reason string) {
	m.drops.WithLabelValues(reason).Inc()
}
