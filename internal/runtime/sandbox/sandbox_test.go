package sandbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/internal/runtime/logging"
)

type fakeSink struct {
	mu     sync.Mutex
	posted []*Message
}

func (f *fakeSink) Post(msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, msg)
	return nil
}

func (f *fakeSink) messages() []*Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Message(nil), f.posted...)
}

func testManifest() *Manifest {
	return &Manifest{
		ID:   "widget-1",
		Name: "Counter",
		IO: ManifestIO{
			Inputs:  []PortSpec{{ID: "in-1", Type: "number"}},
			Outputs: []PortSpec{{ID: "out-1", Type: "number"}},
		},
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"ready":          KindReady,
		"READY":          KindReady,
		"widget:emit":    KindEmit,
		"OUTPUT":         KindEmit,
		"pipeline:input": KindInput,
		"STATE_PATCH":    KindStatePatch,
		"DEBUG_LOG":      KindDebugLog,
		"DESTROY":        KindDestroy,
		"":               KindUnknown,
		"made-up-type":   KindUnknown,
	}
	for wire, want := range cases {
		assert.Equal(t, want, Classify(wire), "wire type %q", wire)
	}
}

func TestDecodeMessageClassifies(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"type":"widget:emit","widgetId":"w1","payload":{"value":3}}`))
	require.NoError(t, err)
	assert.Equal(t, KindEmit, msg.Kind)
	assert.Equal(t, "widget:emit", msg.Type)
	assert.Equal(t, "w1", msg.WidgetID)

	_, err = DecodeMessage([]byte(`{not json`))
	assert.Error(t, err)
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(`{
		"id": "widget-1",
		"name": "Counter",
		"version": "1.2.0",
		"io": {
			"inputs": [{"id": "in-1", "type": "number"}],
			"outputs": [{"id": "out-1", "type": "any"}]
		},
		"capabilities": ["storage"]
	}`))
	require.NoError(t, err)
	assert.Equal(t, "widget-1", m.ID)
	require.Len(t, m.IO.Inputs, 1)
	assert.Equal(t, "number", m.IO.Inputs[0].Type)
	assert.Equal(t, []string{"storage"}, m.Capabilities)
}

func TestParseManifestRejectsBadInput(t *testing.T) {
	_, err := ParseManifest([]byte(`{"name": "no id"}`))
	assert.ErrorContains(t, err, "missing id")

	_, err = ParseManifest([]byte(`{"id": "w", "io": {"inputs": [{"id": "p"}], "outputs": [{"id": "p"}]}}`))
	assert.ErrorContains(t, err, "duplicate port id")
}

func TestHandshakeReady(t *testing.T) {
	sink := &fakeSink{}
	b := NewBridge(testManifest(), sink, logging.NewNopLogger(), time.Second)
	b.Start()
	assert.Equal(t, StateLoading, b.State())

	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)))
	assert.Equal(t, StateReady, b.State())

	require.NoError(t, b.Activate())
	assert.Equal(t, StateActive, b.State())
}

func TestHandshakeTimeoutFailsWidget(t *testing.T) {
	sink := &fakeSink{}
	b := NewBridge(testManifest(), sink, logging.NewNopLogger(), 5*time.Millisecond)
	b.Start()

	require.Eventually(t, func() bool { return b.State() == StateFailed }, time.Second, time.Millisecond)

	// A late ready does not resurrect the widget, and inputs are dropped.
	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)))
	assert.Equal(t, StateFailed, b.State())
	assert.ErrorIs(t, b.DeliverInput("in-1", 7), errspkg.ErrWidgetFailed)
	assert.Empty(t, sink.messages())
}

func TestReloadRecoversFailedWidget(t *testing.T) {
	sink := &fakeSink{}
	b := NewBridge(testManifest(), sink, logging.NewNopLogger(), 5*time.Millisecond)
	b.Start()
	require.Eventually(t, func() bool { return b.State() == StateFailed }, time.Second, time.Millisecond)

	require.NoError(t, b.Reload())
	assert.Equal(t, StateLoading, b.State())

	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)))
	assert.Equal(t, StateReady, b.State())
}

func TestInputsQueueWhileLoading(t *testing.T) {
	sink := &fakeSink{}
	b := NewBridge(testManifest(), sink, logging.NewNopLogger(), time.Second)
	b.Start()

	require.NoError(t, b.DeliverInput("in-1", 1))
	require.NoError(t, b.DeliverInput("in-1", 2))
	assert.Empty(t, sink.messages())

	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)))

	msgs := sink.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, KindInput, msgs[0].Kind)
	assert.Equal(t, "in-1", msgs[0].PortID)
	assert.Equal(t, "1", string(msgs[0].Payload))
	assert.Equal(t, "2", string(msgs[1].Payload))
}

func TestEmitForwardedToHandler(t *testing.T) {
	sink := &fakeSink{}
	b := NewBridge(testManifest(), sink, logging.NewNopLogger(), time.Second)

	var emitted []*Message
	b.OnEmit(func(msg *Message) { emitted = append(emitted, msg) })
	b.Start()
	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)))

	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"widget:emit","payload":{"value":5}}`)))
	require.Len(t, emitted, 1)
	assert.Equal(t, KindEmit, emitted[0].Kind)
	assert.Equal(t, "widget-1", emitted[0].WidgetID)
}

func TestWidgetErrorIsDiagnosticOnly(t *testing.T) {
	sink := &fakeSink{}
	b := NewBridge(testManifest(), sink, logging.NewNopLogger(), time.Second)

	var diags []*Message
	b.OnDiagnostic(func(widgetID string, msg *Message) { diags = append(diags, msg) })
	b.Start()
	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)))

	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ERROR","payload":{"message":"boom"}}`)))
	require.Len(t, diags, 1)
	assert.Equal(t, KindError, diags[0].Kind)
	// The bridge keeps running.
	assert.Equal(t, StateReady, b.State())
	assert.NoError(t, b.DeliverInput("in-1", 1))
}

func TestUnknownMessageIsDropped(t *testing.T) {
	sink := &fakeSink{}
	b := NewBridge(testManifest(), sink, logging.NewNopLogger(), time.Second)

	var emitted int
	b.OnEmit(func(*Message) { emitted++ })
	b.Start()
	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)))

	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"hologram:project"}`)))
	assert.Zero(t, emitted)
}

func TestDestroyIsTerminal(t *testing.T) {
	sink := &fakeSink{}
	b := NewBridge(testManifest(), sink, logging.NewNopLogger(), time.Second)
	b.Start()
	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)))

	b.Destroy()
	b.Destroy() // idempotent
	assert.Equal(t, StateDestroyed, b.State())

	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindDestroy, msgs[0].Kind)

	assert.ErrorIs(t, b.DeliverInput("in-1", 1), errspkg.ErrBridgeDestroyed)
	assert.ErrorIs(t, b.Reload(), errspkg.ErrBridgeDestroyed)
	assert.ErrorIs(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)), errspkg.ErrBridgeDestroyed)
}

func TestPushRespectsState(t *testing.T) {
	sink := &fakeSink{}
	b := NewBridge(testManifest(), sink, logging.NewNopLogger(), time.Second)
	b.Start()
	require.NoError(t, b.HandleWidgetMessage([]byte(`{"type":"ready"}`)))

	require.NoError(t, b.Push(KindSettingsUpdate, map[string]any{"theme": "dark"}))
	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindSettingsUpdate, msgs[0].Kind)

	b.Destroy()
	assert.ErrorIs(t, b.Push(KindStateUpdate, nil), errspkg.ErrBridgeDestroyed)
}
