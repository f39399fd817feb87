package trust

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	errspkg "github.com/canvasmesh/canvasmesh/internal/runtime/errors"
	"github.com/canvasmesh/canvasmesh/transport"
)

const schema = `
CREATE TABLE IF NOT EXISTS connection_requests (
	id              TEXT PRIMARY KEY,
	from_user_id    TEXT NOT NULL,
	to_user_id      TEXT NOT NULL,
	canvas_id       TEXT NOT NULL DEFAULT '',
	requested_scope TEXT NOT NULL DEFAULT '',
	source_port_id  TEXT NOT NULL DEFAULT '',
	target_port_id  TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_requests_status ON connection_requests(status);
CREATE INDEX IF NOT EXISTS idx_requests_users ON connection_requests(from_user_id, to_user_id);

CREATE TABLE IF NOT EXISTS trusted_connections (
	user_id           TEXT NOT NULL,
	connected_user_id TEXT NOT NULL,
	permissions       TEXT NOT NULL DEFAULT '[]',
	auto_accept       INTEGER NOT NULL DEFAULT 0,
	established_at    INTEGER NOT NULL,
	PRIMARY KEY (user_id, connected_user_id)
);

CREATE TABLE IF NOT EXISTS blocked_users (
	user_id         TEXT NOT NULL,
	blocked_user_id TEXT NOT NULL,
	PRIMARY KEY (user_id, blocked_user_id)
);
`

// SQLiteStore persists trust records in an embedded SQLite database. Use
// ":memory:" as the path for an in-memory database (useful for testing).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initialises) the store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open trust store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialise trust store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveRequest(ctx context.Context, req *ConnectionRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_requests
			(id, from_user_id, to_user_id, canvas_id, requested_scope, source_port_id, target_port_id, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status`,
		req.ID, req.FromUserID, req.ToUserID, req.CanvasID, string(req.RequestedScope),
		req.SourcePortID, req.TargetPortID, string(req.Status),
		req.CreatedAt.UnixMilli(), req.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save request %s: %w", req.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*ConnectionRequest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, from_user_id, to_user_id, canvas_id, requested_scope, source_port_id, target_port_id, status, created_at, expires_at
		FROM connection_requests WHERE id = ?`, id)
	return scanRequest(row)
}

func (s *SQLiteStore) PendingRequests(ctx context.Context) ([]*ConnectionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_user_id, to_user_id, canvas_id, requested_scope, source_port_id, target_port_id, status, created_at, expires_at
		FROM connection_requests WHERE status = ?`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	var out []*ConnectionRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HasApproval(ctx context.Context, fromUserID, toUserID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM connection_requests
		WHERE status = ?
		  AND ((from_user_id = ? AND to_user_id = ?) OR (from_user_id = ? AND to_user_id = ?))`,
		string(StatusApproved), fromUserID, toUserID, toUserID, fromUserID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check approvals: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) SaveTrusted(ctx context.Context, tc *TrustedConnection) error {
	perms, err := json.Marshal(tc.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	autoAccept := 0
	if tc.AutoAccept {
		autoAccept = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trusted_connections (user_id, connected_user_id, permissions, auto_accept, established_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, connected_user_id) DO UPDATE SET
			permissions = excluded.permissions,
			auto_accept = excluded.auto_accept`,
		tc.UserID, tc.ConnectedUserID, string(perms), autoAccept, tc.EstablishedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save trusted connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTrusted(ctx context.Context, userID, connectedUserID string) (*TrustedConnection, error) {
	var (
		tc          TrustedConnection
		perms       string
		autoAccept  int
		established int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, connected_user_id, permissions, auto_accept, established_at
		FROM trusted_connections WHERE user_id = ? AND connected_user_id = ?`,
		userID, connectedUserID).
		Scan(&tc.UserID, &tc.ConnectedUserID, &perms, &autoAccept, &established)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trusted connection: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &tc.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshal permissions: %w", err)
	}
	tc.AutoAccept = autoAccept != 0
	tc.EstablishedAt = time.UnixMilli(established)
	return &tc, nil
}

func (s *SQLiteStore) SetBlocked(ctx context.Context, userID, blockedUserID string, blocked bool) error {
	var err error
	if blocked {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO blocked_users (user_id, blocked_user_id) VALUES (?, ?)
			ON CONFLICT(user_id, blocked_user_id) DO NOTHING`, userID, blockedUserID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			DELETE FROM blocked_users WHERE user_id = ? AND blocked_user_id = ?`, userID, blockedUserID)
	}
	if err != nil {
		return fmt.Errorf("update block list: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsBlocked(ctx context.Context, userID, blockedUserID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM blocked_users WHERE user_id = ? AND blocked_user_id = ?`,
		userID, blockedUserID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check block list: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*ConnectionRequest, error) {
	var (
		req       ConnectionRequest
		scope     string
		status    string
		createdAt int64
		expiresAt int64
	)
	err := row.Scan(&req.ID, &req.FromUserID, &req.ToUserID, &req.CanvasID, &scope,
		&req.SourcePortID, &req.TargetPortID, &status, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, errspkg.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan request: %w", err)
	}
	req.RequestedScope = transport.Scope(scope)
	req.Status = RequestStatus(status)
	req.CreatedAt = time.UnixMilli(createdAt)
	req.ExpiresAt = time.UnixMilli(expiresAt)
	return &req, nil
}
