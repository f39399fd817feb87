package trust

import (
	"context"
	"sync"

	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
)

// Store persists connection requests, trusted connections, and block lists.
// The runtime ships an in-memory store and a SQLite store; the schema is an
// implementation detail of each store.
type Store interface {
	SaveRequest(ctx context.Context, req *ConnectionRequest) error
	GetRequest(ctx context.Context, id string) (*ConnectionRequest, error)
	PendingRequests(ctx context.Context) ([]*ConnectionRequest, error)
	// HasApproval reports whether any approved request links the two users,
	// in either direction.
	HasApproval(ctx context.Context, fromUserID, toUserID string) (bool, error)

	SaveTrusted(ctx context.Context, tc *TrustedConnection) error
	// GetTrusted returns nil without error when no record exists.
	GetTrusted(ctx context.Context, userID, connectedUserID string) (*TrustedConnection, error)

	SetBlocked(ctx context.Context, userID, blockedUserID string, blocked bool) error
	IsBlocked(ctx context.Context, userID, blockedUserID string) (bool, error)

	Close() error
}

// MemoryStore is the default, process-local store.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]ConnectionRequest
	trusted  map[[2]string]TrustedConnection
	blocked  map[[2]string]struct{}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]ConnectionRequest),
		trusted:  make(map[[2]string]TrustedConnection),
		blocked:  make(map[[2]string]struct{}),
	}
}

func (m *MemoryStore) SaveRequest(ctx context.Context, req *ConnectionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[req.ID] = *req
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*ConnectionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, errspkg.ErrRequestNotFound
	}
	out := req
	return &out, nil
}

func (m *MemoryStore) PendingRequests(ctx context.Context) ([]*ConnectionRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ConnectionRequest
	for _, req := range m.requests {
		if req.Status == StatusPending {
			r := req
			out = append(out, &r)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasApproval(ctx context.Context, fromUserID, toUserID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.requests {
		if req.Status != StatusApproved {
			continue
		}
		if (req.FromUserID == fromUserID && req.ToUserID == toUserID) ||
			(req.FromUserID == toUserID && req.ToUserID == fromUserID) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) SaveTrusted(ctx context.Context, tc *TrustedConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trusted[[2]string{tc.UserID, tc.ConnectedUserID}] = *tc
	return nil
}

func (m *MemoryStore) GetTrusted(ctx context.Context, userID, connectedUserID string) (*TrustedConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.trusted[[2]string{userID, connectedUserID}]
	if !ok {
		return nil, nil
	}
	out := tc
	return &out, nil
}

func (m *MemoryStore) SetBlocked(ctx context.Context, userID, blockedUserID string, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{userID, blockedUserID}
	if blocked {
		m.blocked[key] = struct{}{}
	} else {
		delete(m.blocked, key)
	}
	return nil
}

func (m *MemoryStore) IsBlocked(ctx context.Context, userID, blockedUserID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocked[[2]string{userID, blockedUserID}]
	return ok, nil
}

func (m *MemoryStore) Close() error { return nil }
