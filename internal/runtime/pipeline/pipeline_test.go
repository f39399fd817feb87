package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/internal/runtime/logging"
	"github.com/canvasmesh/canvasmesh/transport"
)

type allowAll struct{}

func (allowAll) Allowed(context.Context, string, string) (bool, string, error) {
	return true, "", nil
}

type denyAll struct{}

func (denyAll) Allowed(context.Context, string, string) (bool, string, error) {
	return false, "no approved connection", nil
}

func newEngine(t *testing.T, approver Approver) *Engine {
	t.Helper()
	e := NewEngine(logging.NewNopLogger(), approver)
	require.NoError(t, e.RegisterPort(Port{ID: "out-num", WidgetID: "w1", OwnerUserID: "alice", Direction: DirectionOutput, Type: "number"}))
	require.NoError(t, e.RegisterPort(Port{ID: "in-num", WidgetID: "w2", OwnerUserID: "alice", Direction: DirectionInput, Type: "number"}))
	require.NoError(t, e.RegisterPort(Port{ID: "in-str", WidgetID: "w2", OwnerUserID: "alice", Direction: DirectionInput, Type: "string"}))
	require.NoError(t, e.RegisterPort(Port{ID: "in-any", WidgetID: "w3", OwnerUserID: "alice", Direction: DirectionInput, Type: "any"}))
	return e
}

func TestRegisterPortValidation(t *testing.T) {
	e := NewEngine(logging.NewNopLogger(), nil)
	assert.ErrorIs(t, e.RegisterPort(Port{Direction: DirectionInput}), errspkg.ErrPortNotFound)
	assert.ErrorIs(t, e.RegisterPort(Port{ID: "p", Direction: "sideways"}), errspkg.ErrPortDirection)
}

func TestConnectTypeChecking(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	t.Run("exact match connects", func(t *testing.T) {
		conn, err := e.Connect(ctx, "out-num", "in-num", transport.ScopeLocal)
		require.NoError(t, err)
		assert.NotEmpty(t, conn.ID)
		assert.Equal(t, "w1", conn.SourceWidgetID)
		assert.Equal(t, "w2", conn.TargetWidgetID)
	})

	t.Run("mismatch is refused", func(t *testing.T) {
		_, err := e.Connect(ctx, "out-num", "in-str", transport.ScopeLocal)
		var typeErr *errspkg.PortTypeError
		require.ErrorAs(t, err, &typeErr)
		assert.Equal(t, "number", typeErr.OutputType)
		assert.Equal(t, "string", typeErr.InputType)
	})

	t.Run("any accepts everything", func(t *testing.T) {
		_, err := e.Connect(ctx, "out-num", "in-any", transport.ScopeLocal)
		assert.NoError(t, err)
	})
}

func TestConnectValidation(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.Connect(ctx, "missing", "in-num", transport.ScopeLocal)
	assert.ErrorIs(t, err, errspkg.ErrPortNotFound)

	_, err = e.Connect(ctx, "out-num", "missing", transport.ScopeLocal)
	assert.ErrorIs(t, err, errspkg.ErrPortNotFound)

	// Both endpoints must have the right direction.
	_, err = e.Connect(ctx, "in-num", "out-num", transport.ScopeLocal)
	assert.ErrorIs(t, err, errspkg.ErrPortDirection)
}

func TestConnectIsIdempotentPerPair(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	first, err := e.Connect(ctx, "out-num", "in-num", transport.ScopeLocal)
	require.NoError(t, err)
	second, err := e.Connect(ctx, "out-num", "in-num", transport.ScopeLocal)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, e.Connections(), 1)
}

func TestCrossUserConnectionRequiresApproval(t *testing.T) {
	ctx := context.Background()

	register := func(e *Engine) {
		require.NoError(t, e.RegisterPort(Port{ID: "out", WidgetID: "w1", OwnerUserID: "alice", Direction: DirectionOutput, Type: "any"}))
		require.NoError(t, e.RegisterPort(Port{ID: "in", WidgetID: "w9", OwnerUserID: "bob", Direction: DirectionInput, Type: "any"}))
	}

	t.Run("denied without approver", func(t *testing.T) {
		e := NewEngine(logging.NewNopLogger(), nil)
		register(e)
		_, err := e.Connect(ctx, "out", "in", transport.ScopeMultiUser)
		var denied *errspkg.PermissionDeniedError
		require.ErrorAs(t, err, &denied)
	})

	t.Run("denied by approver", func(t *testing.T) {
		e := NewEngine(logging.NewNopLogger(), denyAll{})
		register(e)
		_, err := e.Connect(ctx, "out", "in", transport.ScopeMultiUser)
		var denied *errspkg.PermissionDeniedError
		require.ErrorAs(t, err, &denied)
		assert.Equal(t, "alice", denied.FromUserID)
		assert.Equal(t, "bob", denied.ToUserID)
		assert.Equal(t, "no approved connection", denied.Reason)
	})

	t.Run("allowed by approver", func(t *testing.T) {
		e := NewEngine(logging.NewNopLogger(), allowAll{})
		register(e)
		_, err := e.Connect(ctx, "out", "in", transport.ScopeMultiUser)
		assert.NoError(t, err)
	})
}

func TestPropagateFanOutInCreationOrder(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.Connect(ctx, "out-num", "in-any", transport.ScopeLocal)
	require.NoError(t, err)
	_, err = e.Connect(ctx, "out-num", "in-num", transport.ScopeLocal)
	require.NoError(t, err)

	var order []string
	e.OnInput("in-any", func(portID string, value any) { order = append(order, portID) })
	e.OnInput("in-num", func(portID string, value any) {
		order = append(order, portID)
		assert.Equal(t, 42, value)
	})

	delivered := e.Propagate(ctx, "out-num", 42)
	assert.Equal(t, 2, delivered)
	assert.Equal(t, []string{"in-any", "in-num"}, order)
}

func TestPropagateIsolatesPanickingHandler(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.Connect(ctx, "out-num", "in-num", transport.ScopeLocal)
	require.NoError(t, err)

	var reached bool
	e.OnInput("in-num", func(string, any) { panic("widget bug") })
	e.OnInput("in-num", func(string, any) { reached = true })

	assert.NotPanics(t, func() { e.Propagate(ctx, "out-num", 1) })
	assert.True(t, reached)
}

func TestOnInputUnsubscribe(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.Connect(ctx, "out-num", "in-num", transport.ScopeLocal)
	require.NoError(t, err)

	var calls int
	off := e.OnInput("in-num", func(string, any) { calls++ })
	e.Propagate(ctx, "out-num", 1)
	off()
	off() // double unsubscribe is safe
	e.Propagate(ctx, "out-num", 2)
	assert.Equal(t, 1, calls)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	conn, err := e.Connect(ctx, "out-num", "in-num", transport.ScopeLocal)
	require.NoError(t, err)

	e.Disconnect(conn.ID)
	e.Disconnect(conn.ID)
	assert.Empty(t, e.Connections())
	assert.Zero(t, e.Propagate(ctx, "out-num", 1))
}

func TestUnregisterWidgetSeversConnections(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil)

	_, err := e.Connect(ctx, "out-num", "in-num", transport.ScopeLocal)
	require.NoError(t, err)
	_, err = e.Connect(ctx, "out-num", "in-any", transport.ScopeLocal)
	require.NoError(t, err)

	e.UnregisterWidget("w2")

	conns := e.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "in-any", conns[0].TargetPortID)
	assert.Empty(t, e.PortsFor("w2"))
	assert.Len(t, e.PortsFor("w1"), 1)
}
