package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/transport"
)

// storeConformance runs the behaviour every Store implementation must share.
func storeConformance(t *testing.T, store Store) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	t.Run("requests", func(t *testing.T) {
		req := &ConnectionRequest{
			ID:             "req-1",
			FromUserID:     "alice",
			ToUserID:       "bob",
			CanvasID:       "canvas-1",
			RequestedScope: transport.ScopeMultiUser,
			SourcePortID:   "out-1",
			TargetPortID:   "in-1",
			Status:         StatusPending,
			CreatedAt:      now,
			ExpiresAt:      now.Add(24 * time.Hour),
		}
		require.NoError(t, store.SaveRequest(ctx, req))

		got, err := store.GetRequest(ctx, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.FromUserID)
		assert.Equal(t, transport.ScopeMultiUser, got.RequestedScope)
		assert.Equal(t, StatusPending, got.Status)
		assert.True(t, got.ExpiresAt.Equal(req.ExpiresAt))

		pending, err := store.PendingRequests(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 1)

		req.Status = StatusApproved
		require.NoError(t, store.SaveRequest(ctx, req))

		pending, err = store.PendingRequests(ctx)
		require.NoError(t, err)
		assert.Empty(t, pending)

		ok, err := store.HasApproval(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.True(t, ok)

		// Approval is direction-agnostic.
		ok, err = store.HasApproval(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.HasApproval(ctx, "alice", "carol")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.GetRequest(ctx, "missing")
		assert.ErrorIs(t, err, errspkg.ErrRequestNotFound)
	})

	t.Run("trusted connections", func(t *testing.T) {
		got, err := store.GetTrusted(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.Nil(t, got)

		tc := &TrustedConnection{
			UserID:          "bob",
			ConnectedUserID: "alice",
			Permissions:     []string{"pipeline:connect"},
			AutoAccept:      true,
			EstablishedAt:   now,
		}
		require.NoError(t, store.SaveTrusted(ctx, tc))

		got, err = store.GetTrusted(ctx, "bob", "alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []string{"pipeline:connect"}, got.Permissions)
		assert.True(t, got.AutoAccept)
		assert.True(t, got.EstablishedAt.Equal(now))

		// Upsert updates in place.
		tc.AutoAccept = false
		require.NoError(t, store.SaveTrusted(ctx, tc))
		got, err = store.GetTrusted(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.False(t, got.AutoAccept)
	})

	t.Run("block list", func(t *testing.T) {
		blocked, err := store.IsBlocked(ctx, "bob", "mallory")
		require.NoError(t, err)
		assert.False(t, blocked)

		require.NoError(t, store.SetBlocked(ctx, "bob", "mallory", true))
		// Blocking twice is fine.
		require.NoError(t, store.SetBlocked(ctx, "bob", "mallory", true))

		blocked, err = store.IsBlocked(ctx, "bob", "mallory")
		require.NoError(t, err)
		assert.True(t, blocked)

		// Direction matters.
		blocked, err = store.IsBlocked(ctx, "mallory", "bob")
		require.NoError(t, err)
		assert.False(t, blocked)

		require.NoError(t, store.SetBlocked(ctx, "bob", "mallory", false))
		blocked, err = store.IsBlocked(ctx, "bob", "mallory")
		require.NoError(t, err)
		assert.False(t, blocked)
	})
}

func TestMemoryStoreConformance(t *testing.T) {
	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	storeConformance(t, store)
}

func TestSQLiteStoreConformance(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	storeConformance(t, store)
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/trust.db"

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.SaveTrusted(ctx, &TrustedConnection{
		UserID:          "bob",
		ConnectedUserID: "alice",
		AutoAccept:      true,
		EstablishedAt:   time.Now(),
	}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.GetTrusted(ctx, "bob", "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.AutoAccept)
}
