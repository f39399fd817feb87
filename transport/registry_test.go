package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct{}

func (m *mockConfig) GetSessionID() string                 { return "session-1" }
func (m *mockConfig) GetUserID() string                    { return "alice" }
func (m *mockConfig) GetCanvasID() string                  { return "canvas-1" }
func (m *mockConfig) GetBroadcastOrigin() string           { return "local" }
func (m *mockConfig) GetMaxBroadcastPayload() int          { return 1024 }
func (m *mockConfig) GetRelayURL() string                  { return "" }
func (m *mockConfig) GetReconnectBaseDelay() time.Duration { return time.Millisecond }
func (m *mockConfig) GetReconnectMaxDelay() time.Duration  { return time.Second }
func (m *mockConfig) GetReconnectMaxAttempts() int         { return 3 }

type mockChannel struct {
	connected bool
}

func (m *mockChannel) Connect(context.Context) error          { m.connected = true; return nil }
func (m *mockChannel) Send(context.Context, *Envelope) error  { return nil }
func (m *mockChannel) OnMessage(func(*Envelope))              {}
func (m *mockChannel) Disconnect() error                      { m.connected = false; return nil }
func (m *mockChannel) IsConnected() bool                      { return m.connected }

func TestRegistryRegisterAndBuild(t *testing.T) {
	reg := NewRegistry()
	built := &mockChannel{}

	reg.Register("mock", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Channel, error) {
		return built, nil
	})

	assert.True(t, reg.Has("mock"))
	assert.ElementsMatch(t, []string{"mock"}, reg.Names())

	ch, err := reg.Build(context.Background(), "mock", &mockConfig{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, built, ch)
}

func TestRegistryBuildUnknownChannel(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), "nope", &mockConfig{}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown channel: "nope"`)
}

func TestRegistryBuildRequiresConfig(t *testing.T) {
	reg := NewRegistry()
	reg.Register("mock", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Channel, error) {
		return &mockChannel{}, nil
	})

	_, err := reg.Build(context.Background(), "mock", nil, watermill.NopLogger{})
	assert.Error(t, err)
}

func TestRegistryBuildPropagatesBuilderError(t *testing.T) {
	reg := NewRegistry()
	wantErr := errors.New("relay unreachable")
	reg.Register("mock", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Channel, error) {
		return nil, wantErr
	})

	_, err := reg.Build(context.Background(), "mock", &mockConfig{}, watermill.NopLogger{})
	assert.ErrorIs(t, err, wantErr)
}

func TestRegistryCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("mock", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Channel, error) {
		return &mockChannel{}, nil
	}, Capabilities{Name: "mock", Scope: ScopeCrossCanvas, Ordered: true, MaxPayload: 1024})

	caps := reg.GetCapabilities("mock")
	assert.Equal(t, ScopeCrossCanvas, caps.Scope)
	assert.True(t, caps.Ordered)
	assert.EqualValues(t, 1024, caps.MaxPayload)

	unknown := reg.GetCapabilities("other")
	assert.Equal(t, "other", unknown.Name)
	assert.False(t, unknown.Ordered)
}

func TestPredefinedCapabilities(t *testing.T) {
	assert.Equal(t, ScopeLocal, LocalCapabilities.Scope)
	assert.Equal(t, ScopeCrossCanvas, CrosstabCapabilities.Scope)
	assert.Equal(t, ScopeMultiUser, RelayCapabilities.Scope)
	assert.True(t, RelayCapabilities.Reconnects)
	assert.NotZero(t, CrosstabCapabilities.MaxPayload)
}
