package crosstab

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canvasmesh/canvasmesh/transport"
)

type stubConfig struct {
	sessionID  string
	userID     string
	canvasID   string
	origin     string
	maxPayload int
}

func (s *stubConfig) GetSessionID() string                 { return s.sessionID }
func (s *stubConfig) GetUserID() string                    { return s.userID }
func (s *stubConfig) GetCanvasID() string                  { return s.canvasID }
func (s *stubConfig) GetBroadcastOrigin() string           { return s.origin }
func (s *stubConfig) GetMaxBroadcastPayload() int          { return s.maxPayload }
func (s *stubConfig) GetRelayURL() string                  { return "" }
func (s *stubConfig) GetReconnectBaseDelay() time.Duration { return 0 }
func (s *stubConfig) GetReconnectMaxDelay() time.Duration  { return 0 }
func (s *stubConfig) GetReconnectMaxAttempts() int         { return 0 }

func buildChannel(t *testing.T, cfg *stubConfig) transport.Channel {
	t.Helper()
	ch, err := Build(context.Background(), cfg, watermill.NopLogger{})
	require.NoError(t, err)
	return ch
}

func waitFor(t *testing.T, ch <-chan *transport.Envelope) *transport.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestRegister(t *testing.T) {
	caps := transport.GetCapabilities(ChannelName)
	assert.Equal(t, "crosstab", caps.Name)
	assert.Equal(t, transport.ScopeCrossCanvas, caps.Scope)
}

func TestSendReachesOtherTabOfSameUser(t *testing.T) {
	ResetHubs()
	t.Cleanup(ResetHubs)

	tabA := buildChannel(t, &stubConfig{sessionID: "s-a", userID: "alice", canvasID: "canvas-1", origin: "test"})
	tabB := buildChannel(t, &stubConfig{sessionID: "s-b", userID: "alice", canvasID: "canvas-2", origin: "test"})

	received := make(chan *transport.Envelope, 4)
	tabB.OnMessage(func(env *transport.Envelope) { received <- env })
	tabA.OnMessage(func(*transport.Envelope) {})

	require.NoError(t, tabA.Connect(context.Background()))
	require.NoError(t, tabB.Connect(context.Background()))

	env := &transport.Envelope{
		TraceID: "trace-1",
		Origin:  transport.Origin{SessionID: "s-a", UserID: "alice"},
		SeenBy:  []string{"s-a"},
		TTL:     1,
		Scope:   transport.ScopeCrossCanvas,
		Payload: transport.EventPayload{Type: "sync", SourceWidgetID: "w-1"},
	}
	require.NoError(t, tabA.Send(context.Background(), env))

	got := waitFor(t, received)
	assert.Equal(t, "trace-1", got.TraceID)
	assert.Equal(t, "sync", got.Payload.Type)
}

func TestSendToCanvasAddress(t *testing.T) {
	ResetHubs()
	t.Cleanup(ResetHubs)

	tabA := buildChannel(t, &stubConfig{sessionID: "s-a", userID: "alice", canvasID: "canvas-1", origin: "test"})
	tabB := buildChannel(t, &stubConfig{sessionID: "s-b", userID: "alice", canvasID: "canvas-2", origin: "test"})

	received := make(chan *transport.Envelope, 4)
	tabB.OnMessage(func(env *transport.Envelope) { received <- env })

	require.NoError(t, tabA.Connect(context.Background()))
	require.NoError(t, tabB.Connect(context.Background()))

	env := &transport.Envelope{
		TraceID: "trace-2",
		Target:  &transport.Address{Kind: transport.AddressCanvas, ID: "canvas-2"},
		Payload: transport.EventPayload{Type: "sync"},
	}
	require.NoError(t, tabA.Send(context.Background(), env))

	got := waitFor(t, received)
	assert.Equal(t, "trace-2", got.TraceID)
}

func TestDifferentOriginsAreIsolated(t *testing.T) {
	ResetHubs()
	t.Cleanup(ResetHubs)

	tabA := buildChannel(t, &stubConfig{sessionID: "s-a", userID: "alice", canvasID: "canvas-1", origin: "one"})
	tabB := buildChannel(t, &stubConfig{sessionID: "s-b", userID: "alice", canvasID: "canvas-2", origin: "two"})

	received := make(chan *transport.Envelope, 4)
	tabB.OnMessage(func(env *transport.Envelope) { received <- env })

	require.NoError(t, tabA.Connect(context.Background()))
	require.NoError(t, tabB.Connect(context.Background()))

	env := &transport.Envelope{TraceID: "trace-3"}
	require.NoError(t, tabA.Send(context.Background(), env))

	select {
	case <-received:
		t.Fatal("envelope crossed origins")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOversizedEnvelopeIsRejected(t *testing.T) {
	ResetHubs()
	t.Cleanup(ResetHubs)

	tab := buildChannel(t, &stubConfig{sessionID: "s-a", userID: "alice", canvasID: "canvas-1", origin: "test", maxPayload: 64})
	require.NoError(t, tab.Connect(context.Background()))

	big := make([]byte, 256)
	for i := range big {
		big[i] = 'x'
	}
	env := &transport.Envelope{
		TraceID: "trace-big",
		Payload: transport.EventPayload{Type: "blob", Payload: string(big)},
	}

	err := tab.Send(context.Background(), env)
	assert.ErrorIs(t, err, transport.ErrPayloadTooLarge)
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	ResetHubs()
	t.Cleanup(ResetHubs)

	tab := buildChannel(t, &stubConfig{sessionID: "s-a", userID: "alice", canvasID: "canvas-1", origin: "test"})
	err := tab.Send(context.Background(), &transport.Envelope{TraceID: "t"})
	assert.Error(t, err)

	require.NoError(t, tab.Connect(context.Background()))
	assert.True(t, tab.IsConnected())

	require.NoError(t, tab.Disconnect())
	assert.False(t, tab.IsConnected())
	// Disconnect is idempotent.
	require.NoError(t, tab.Disconnect())
}
