package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Server request statuses. Approved and rejected are terminal: once a
// request leaves pending it can never be written again.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// ServerRequest is a pending ask to let an Entity onto a server.
type ServerRequest struct {
	ID            string
	EntityID      string
	ServerID      string
	Status        string
	RequesterID   string
	RequesterName string
	ReviewerID    string
	CreatedAt     time.Time
	ResolvedAt    sql.NullTime
}

// CreateServerRequest inserts a new pending request and returns its id.
func (s *Store) CreateServerRequest(ctx context.Context, r *ServerRequest) error {
	r.ID = uuid.New().String()
	r.Status = RequestPending
	r.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_requests (id, entity_id, server_id, status, requester_id, requester_name, created_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)
	`, r.ID, r.EntityID, r.ServerID, r.RequesterID, r.RequesterName, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create server request: %w", err)
	}
	return nil
}

// GetServerRequest retrieves a request by id.
func (s *Store) GetServerRequest(ctx context.Context, id string) (*ServerRequest, error) {
	r := &ServerRequest{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, server_id, status, requester_id, requester_name,
		       reviewer_id, created_at, resolved_at
		FROM server_requests WHERE id = ?
	`, id).Scan(&r.ID, &r.EntityID, &r.ServerID, &r.Status, &r.RequesterID,
		&r.RequesterName, &r.ReviewerID, &r.CreatedAt, &r.ResolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: server request %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get server request: %w", err)
	}
	return r, nil
}

// ListPendingRequests returns pending requests for a server, oldest first.
func (s *Store) ListPendingRequests(ctx context.Context, serverID string) ([]*ServerRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, server_id, status, requester_id, requester_name,
		       reviewer_id, created_at, resolved_at
		FROM server_requests WHERE server_id = ? AND status = 'pending'
		ORDER BY created_at
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	defer rows.Close()

	var out []*ServerRequest
	for rows.Next() {
		r := &ServerRequest{}
		if err := rows.Scan(&r.ID, &r.EntityID, &r.ServerID, &r.Status, &r.RequesterID,
			&r.RequesterName, &r.ReviewerID, &r.CreatedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan server request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolveServerRequest moves a pending request to approved or rejected.
// Terminal states are write-once: resolving an already-resolved request
// returns ErrTerminal.
func (s *Store) ResolveServerRequest(ctx context.Context, id, status, reviewerID string) error {
	if status != RequestApproved && status != RequestRejected {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalid, status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE server_requests SET status = ?, reviewer_id = ?, resolved_at = ?
		WHERE id = ? AND status = 'pending'
	`, status, reviewerID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve server request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetServerRequest(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: request %s", ErrTerminal, id)
	}
	return nil
}
