package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mudun.org/internal/rbac"
)

type requestStore struct {
	db *sql.DB
}

func (s requestStore) Create(ctx context.Context, req *rbac.RoleRequest) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	_, err := s.db.ExecContext(ctx, `
		insert into role_requests (id, requester_id, role_id, scope, justification, status, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, req.ID, req.RequesterID, req.RoleID, nullIfEmpty(req.Scope), req.Justification, req.Status, req.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.ErrStorageConflict
		}
		return err
	}
	return nil
}

func (s requestStore) Find(ctx context.Context, requestID string) (rbac.RoleRequest, error) {
	if s.db == nil {
		return rbac.RoleRequest{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		select id, requester_id, role_id, scope, justification, status, created_at, decided_at, decided_by, rejection_reason
		from role_requests
		where id = $1
	`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleRequest{}, rbac.ErrRequestNotFound
	}
	return req, err
}

// Decide performs the single permitted mutation: pending -> approved or
// pending -> rejected. The conditional update serializes concurrent
// approvers; the loser's update matches zero rows and is reported as
// ErrInvalidState so callers can tell "already decided" from "missing".
func (s requestStore) Decide(ctx context.Context, requestID, status, decidedBy, reason string, at time.Time) (rbac.RoleRequest, error) {
	if s.db == nil {
		return rbac.RoleRequest{}, errors.New("database connection unavailable")
	}
	row := s.db.QueryRowContext(ctx, `
		update role_requests
		set status = $2, decided_at = $3, decided_by = $4, rejection_reason = nullif($5, '')
		where id = $1 and status = 'pending'
		returning id, requester_id, role_id, scope, justification, status, created_at, decided_at, decided_by, rejection_reason
	`, requestID, status, at, decidedBy, reason)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		var current string
		err := s.db.QueryRowContext(ctx, `select status from role_requests where id = $1`, requestID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.RoleRequest{}, rbac.ErrRequestNotFound
		}
		if err != nil {
			return rbac.RoleRequest{}, err
		}
		return rbac.RoleRequest{}, rbac.ErrInvalidState
	}
	return req, err
}

func (s requestStore) ListByStatus(ctx context.Context, status string) ([]rbac.RoleRequest, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, requester_id, role_id, scope, justification, status, created_at, decided_at, decided_by, rejection_reason
		from role_requests
		where status = $1
		order by created_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []rbac.RoleRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return requests, nil
}

func scanRequest(row rowScanner) (rbac.RoleRequest, error) {
	var (
		req       rbac.RoleRequest
		scope     sql.NullString
		decidedAt sql.NullTime
		decidedBy sql.NullString
		reason    sql.NullString
	)
	if err := row.Scan(&req.ID, &req.RequesterID, &req.RoleID, &scope, &req.Justification, &req.Status, &req.CreatedAt, &decidedAt, &decidedBy, &reason); err != nil {
		return rbac.RoleRequest{}, err
	}
	req.Scope = fromNull(scope)
	req.DecidedAt = timePtr(decidedAt)
	req.DecidedBy = fromNull(decidedBy)
	req.RejectionReason = fromNull(reason)
	return req, nil
}
