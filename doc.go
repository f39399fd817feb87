// Package canvasmesh is the messaging core for a collaborative widget canvas.
// It hosts the synchronous event bus widgets publish on, decides per event
// type how far an emission may travel, and moves the allowed ones across
// three transport channels: an in-process direct path, a shared same-host
// broadcast hub, and a NATS relay for multi-user delivery.
//
// A Runtime is one session's context object. Filling Config, constructing a
// Runtime, and calling Start brings up the bus, the transport router, the
// envelope dispatcher with its loop protection and dedup cache, per-sender
// rate limiting, the trust service gating cross-user traffic, presence
// tracking, the typed port-connection pipeline, and the sandbox bridges that
// supervise widget handshakes.
//
// # Scopes and policy
//
// Widgets emit at one of three scopes: widget (one recipient on the local
// canvas), canvas (everything on the emitting canvas, plus the user's other
// canvases when allowed), and broadcast (other users). The policy registry
// maps event types to the widest scope they may use; unregistered types never
// leave the local bus. Policies can additionally demand an approved trust
// relationship before multi-user delivery.
//
// # Transports
//
// Three channels are built in and register themselves with the transport
// registry:
//   - local: direct in-process delivery, always connected
//   - crosstab: a shared broadcast hub keyed by origin, for the same user's
//     other canvases on the same host
//   - relay: NATS-backed delivery to other users' sessions, with exponential
//     reconnect backoff
//
// Every cross-runtime hop travels in an envelope carrying a trace id, an
// origin, a seen-by set, and a hop budget. The dispatcher drops duplicates,
// bounce-backs, and envelopes whose budget is spent before anything reaches
// the bus again.
//
// # Trust
//
// Cross-user connections go through a request lifecycle
// (pending -> approved/denied/expired). Approvals create durable trusted
// connections, optionally with auto-accept; blocks auto-deny future requests.
// Records persist in memory or SQLite.
package canvasmesh
