// Package trust implements the connection-request lifecycle, trust levels,
// and blocking that gate cross-user delivery. Requests move
// pending -> approved/denied/expired; terminal states are final and a fresh
// request must be created to retry.
package trust

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/internal/runtime/logging"
	"github.com/canvasmesh/canvasmesh/transport"
)

// Level classifies a per-relationship trust state.
type Level string

const (
	LevelTrusted  Level = "trusted"
	LevelVerified Level = "verified"
	LevelUnknown  Level = "unknown"
	LevelBlocked  Level = "blocked"
)

// RequestStatus is the lifecycle state of a ConnectionRequest.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusDenied   RequestStatus = "denied"
	StatusExpired  RequestStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool { return s != StatusPending }

// ConnectionRequest records one cross-user connect attempt.
type ConnectionRequest struct {
	ID             string
	FromUserID     string
	ToUserID       string
	CanvasID       string
	RequestedScope transport.Scope
	SourcePortID   string
	TargetPortID   string
	Status         RequestStatus
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// TrustedConnection is the durable record created when a request is
// approved. When AutoAccept is set, future requests from the connected user
// are approved without a prompt.
type TrustedConnection struct {
	UserID          string
	ConnectedUserID string
	Permissions     []string
	AutoAccept      bool
	EstablishedAt   time.Time
}

// ApprovalListener is notified when a request reaches approved. The runtime
// uses it to materialise exactly one pipeline connection per requested port
// pair.
type ApprovalListener func(*ConnectionRequest)

// Options tunes the service.
type Options struct {
	// RequestTTL bounds how long a request stays pending. Defaults to 24h.
	RequestTTL time.Duration
	// Now is a clock hook for tests.
	Now func() time.Time
}

// Service owns the request lifecycle on top of a Store.
type Service struct {
	store      Store
	logger     logging.ServiceLogger
	requestTTL time.Duration
	now        func() time.Time

	mu         sync.Mutex
	onApproved []ApprovalListener
}

// NewService constructs a Service backed by the given store.
func NewService(store Store, logger logging.ServiceLogger, opts Options) (*Service, error) {
	if store == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ttl := opts.RequestTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:      store,
		logger:     logger,
		requestTTL: ttl,
		now:        now,
	}, nil
}

// OnApproved registers a listener fired after every approval, including
// auto-approvals.
func (s *Service) OnApproved(fn ApprovalListener) {
	s.mu.Lock()
	s.onApproved = append(s.onApproved, fn)
	s.mu.Unlock()
}

func (s *Service) fireApproved(req *ConnectionRequest) {
	s.mu.Lock()
	listeners := append([]ApprovalListener(nil), s.onApproved...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(req)
	}
}

// Request opens a connection request from one user to another. A blocked
// sender is auto-denied without surfacing a prompt; a trusted relationship
// with AutoAccept approves immediately. The returned request carries its
// terminal or pending status.
func (s *Service) Request(ctx context.Context, from, to, canvasID string, scope transport.Scope, sourcePortID, targetPortID string) (*ConnectionRequest, error) {
	now := s.now()
	req := &ConnectionRequest{
		ID:             uuid.NewString(),
		FromUserID:     from,
		ToUserID:       to,
		CanvasID:       canvasID,
		RequestedScope: scope,
		SourcePortID:   sourcePortID,
		TargetPortID:   targetPortID,
		Status:         StatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.requestTTL),
	}

	blocked, err := s.store.IsBlocked(ctx, to, from)
	if err != nil {
		return nil, fmt.Errorf("check block list: %w", err)
	}
	if blocked {
		req.Status = StatusDenied
		if err := s.store.SaveRequest(ctx, req); err != nil {
			return nil, err
		}
		s.logger.Info("connection request auto-denied", logging.LogFields{
			"request_id": req.ID,
			"from":       from,
			"to":         to,
			"reason":     "sender is blocked",
		})
		return req, nil
	}

	trusted, err := s.store.GetTrusted(ctx, to, from)
	if err != nil {
		return nil, fmt.Errorf("check trusted connections: %w", err)
	}
	if trusted != nil && trusted.AutoAccept {
		req.Status = StatusApproved
		if err := s.store.SaveRequest(ctx, req); err != nil {
			return nil, err
		}
		s.logger.Info("connection request auto-approved", logging.LogFields{
			"request_id": req.ID,
			"from":       from,
			"to":         to,
		})
		s.fireApproved(req)
		return req, nil
	}

	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Approve transitions a pending request to approved and establishes the
// durable trusted connection for the approving user.
func (s *Service) Approve(ctx context.Context, requestID string) (*ConnectionRequest, error) {
	req, err := s.pending(ctx, requestID)
	if err != nil {
		return nil, err
	}

	req.Status = StatusApproved
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}

	tc := &TrustedConnection{
		UserID:          req.ToUserID,
		ConnectedUserID: req.FromUserID,
		EstablishedAt:   s.now(),
	}
	if err := s.store.SaveTrusted(ctx, tc); err != nil {
		return nil, fmt.Errorf("save trusted connection: %w", err)
	}

	s.fireApproved(req)
	return req, nil
}

// Deny transitions a pending request to denied.
func (s *Service) Deny(ctx context.Context, requestID string) (*ConnectionRequest, error) {
	req, err := s.pending(ctx, requestID)
	if err != nil {
		return nil, err
	}
	req.Status = StatusDenied
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Cancel lets the requester withdraw a pending request, transitioning it
// directly to expired.
func (s *Service) Cancel(ctx context.Context, requestID string) (*ConnectionRequest, error) {
	req, err := s.pending(ctx, requestID)
	if err != nil {
		return nil, err
	}
	req.Status = StatusExpired
	if err := s.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Service) pending(ctx context.Context, requestID string) (*ConnectionRequest, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, req.Status, errspkg.ErrRequestNotPending)
	}
	return req, nil
}

// SweepExpired expires every pending request whose deadline passed. Returns
// the number of requests expired.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	pending, err := s.store.PendingRequests(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	expired := 0
	for _, req := range pending {
		if req.ExpiresAt.After(now) {
			continue
		}
		req.Status = StatusExpired
		if err := s.store.SaveRequest(ctx, req); err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.Debug("expired stale connection requests", logging.LogFields{"count": expired})
	}
	return expired, nil
}

// Run sweeps expired requests at the given interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				s.logger.Error("request sweep failed", err, nil)
			}
		}
	}
}

// Block adds target to userID's block list. All future requests from the
// blocked user are auto-denied.
func (s *Service) Block(ctx context.Context, userID, blockedUserID string) error {
	return s.store.SetBlocked(ctx, userID, blockedUserID, true)
}

// Unblock removes target from userID's block list.
func (s *Service) Unblock(ctx context.Context, userID, blockedUserID string) error {
	return s.store.SetBlocked(ctx, userID, blockedUserID, false)
}

// LevelBetween reports the trust level userID holds toward otherUserID.
func (s *Service) LevelBetween(ctx context.Context, userID, otherUserID string) (Level, error) {
	blocked, err := s.store.IsBlocked(ctx, userID, otherUserID)
	if err != nil {
		return LevelUnknown, err
	}
	if blocked {
		return LevelBlocked, nil
	}
	tc, err := s.store.GetTrusted(ctx, userID, otherUserID)
	if err != nil {
		return LevelUnknown, err
	}
	if tc == nil {
		return LevelUnknown, nil
	}
	if tc.AutoAccept {
		return LevelTrusted, nil
	}
	return LevelVerified, nil
}

// Close releases the underlying store.
func (s *Service) Close() error { return s.store.Close() }

// Allowed reports whether messages may flow from one user to another at
// multi-user scope. Delivery requires an approved relationship and no block
// in either direction. The returned reason is set when delivery is refused.
func (s *Service) Allowed(ctx context.Context, fromUserID, toUserID string) (bool, string, error) {
	if fromUserID == toUserID {
		return true, "", nil
	}

	for _, pair := range [][2]string{{toUserID, fromUserID}, {fromUserID, toUserID}} {
		blocked, err := s.store.IsBlocked(ctx, pair[0], pair[1])
		if err != nil {
			return false, "", err
		}
		if blocked {
			return false, "sender is blocked", nil
		}
	}

	for _, pair := range [][2]string{{toUserID, fromUserID}, {fromUserID, toUserID}} {
		tc, err := s.store.GetTrusted(ctx, pair[0], pair[1])
		if err != nil {
			return false, "", err
		}
		if tc != nil {
			return true, "", nil
		}
	}

	approved, err := s.store.HasApproval(ctx, fromUserID, toUserID)
	if err != nil {
		return false, "", err
	}
	if approved {
		return true, "", nil
	}
	return false, "no approved connection", nil
}
