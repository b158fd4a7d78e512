package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mudun.org/internal/rbac"
)

type assignmentStore struct {
	db *sql.DB
}

// Activate inserts the active tuple if it does not exist and reads it back.
// The partial unique index on (user_id, role_id, coalesce(scope,'')) for
// active rows makes the insert a no-op for concurrent duplicates, so both
// callers succeed and exactly one row exists afterwards.
func (s assignmentStore) Activate(ctx context.Context, a rbac.RoleAssignment) (rbac.RoleAssignment, bool, error) {
	if s.db == nil {
		return rbac.RoleAssignment{}, false, errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		insert into role_assignments (user_id, role_id, scope, status, method, assigned_at, assigned_by)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (user_id, role_id, coalesce(scope, '')) where status = 'active'
		do nothing
	`, a.UserID, a.RoleID, nullIfEmpty(a.Scope), a.Status, a.Method, a.AssignedAt, nullIfEmpty(a.AssignedBy))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				// Raced with a concurrent activation; fall through to
				// the re-select below.
			case pgErrForeignKeyViolation:
				return rbac.RoleAssignment{}, false, rbac.ErrRoleNotFound
			default:
				return rbac.RoleAssignment{}, false, err
			}
		} else {
			return rbac.RoleAssignment{}, false, err
		}
	}
	created := false
	if res != nil {
		if aff, err := res.RowsAffected(); err == nil && aff > 0 {
			created = true
		}
	}
	stored, err := s.findActive(ctx, a.UserID, a.RoleID, a.Scope)
	if err != nil {
		return rbac.RoleAssignment{}, false, err
	}
	return stored, created, nil
}

func (s assignmentStore) Revoke(ctx context.Context, userID, roleID, scope, revokedBy string, at time.Time) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `
		update role_assignments
		set status = 'revoked', revoked_at = $5, revoked_by = $4
		where user_id = $1 and role_id = $2 and coalesce(scope, '') = $3 and status = 'active'
	`, userID, roleID, scope, nullIfEmpty(revokedBy), at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrAssignmentNotFound
	}
	return nil
}

func (s assignmentStore) ListForUser(ctx context.Context, userID string, includeRevoked bool) ([]rbac.RoleAssignment, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	query := `
		select user_id, role_id, scope, status, method, assigned_at, assigned_by, revoked_at, revoked_by
		from role_assignments
		where user_id = $1
	`
	if !includeRevoked {
		query += ` and status = 'active'`
	}
	query += ` order by assigned_at`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssignments(rows)
}

func (s assignmentStore) ListActive(ctx context.Context, scope string) ([]rbac.RoleAssignment, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	query := `
		select user_id, role_id, scope, status, method, assigned_at, assigned_by, revoked_at, revoked_by
		from role_assignments
		where status = 'active'
	`
	args := []any{}
	if scope != "" {
		query += ` and scope = $1`
		args = append(args, scope)
	}
	query += ` order by assigned_at`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAssignments(rows)
}

func (s assignmentStore) findActive(ctx context.Context, userID, roleID, scope string) (rbac.RoleAssignment, error) {
	row := s.db.QueryRowContext(ctx, `
		select user_id, role_id, scope, status, method, assigned_at, assigned_by, revoked_at, revoked_by
		from role_assignments
		where user_id = $1 and role_id = $2 and coalesce(scope, '') = $3 and status = 'active'
	`, userID, roleID, scope)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.RoleAssignment{}, rbac.ErrAssignmentNotFound
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssignment(row rowScanner) (rbac.RoleAssignment, error) {
	var (
		a          rbac.RoleAssignment
		scope      sql.NullString
		assignedBy sql.NullString
		revokedAt  sql.NullTime
		revokedBy  sql.NullString
	)
	if err := row.Scan(&a.UserID, &a.RoleID, &scope, &a.Status, &a.Method, &a.AssignedAt, &assignedBy, &revokedAt, &revokedBy); err != nil {
		return rbac.RoleAssignment{}, err
	}
	a.Scope = fromNull(scope)
	a.AssignedBy = fromNull(assignedBy)
	a.RevokedAt = timePtr(revokedAt)
	a.RevokedBy = fromNull(revokedBy)
	return a, nil
}

func scanAssignments(rows *sql.Rows) ([]rbac.RoleAssignment, error) {
	var assignments []rbac.RoleAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return assignments, nil
}
