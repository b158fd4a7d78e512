package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mudun.org/internal/rbac"
)

type roleStore struct {
	db *sql.DB
}

func (s roleStore) Create(ctx context.Context, role *rbac.Role) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into roles (id, name, permissions, scope_class, privileged, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $6)
	`, role.ID, role.Name, perms, string(role.ScopeClass), role.Privileged, role.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: role %s already exists", rbac.ErrStorageConflict, role.Name)
		}
		return err
	}
	return nil
}

func (s roleStore) Find(ctx context.Context, roleID string) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errors.New("database connection unavailable")
	}
	var (
		role     rbac.Role
		rawPerms []byte
		class    string
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, permissions, scope_class, privileged, created_at, updated_at
		from roles
		where id = $1
	`, roleID).Scan(&role.ID, &role.Name, &rawPerms, &class, &role.Privileged, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Role{}, rbac.ErrRoleNotFound
	}
	if err != nil {
		return rbac.Role{}, err
	}
	role.ScopeClass = rbac.ScopeClass(class)
	if len(rawPerms) > 0 {
		if err := json.Unmarshal(rawPerms, &role.Permissions); err != nil {
			return rbac.Role{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	return role, nil
}

func (s roleStore) List(ctx context.Context) ([]rbac.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, permissions, scope_class, privileged, created_at, updated_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []rbac.Role
	for rows.Next() {
		var (
			role     rbac.Role
			rawPerms []byte
			class    string
		)
		if err := rows.Scan(&role.ID, &role.Name, &rawPerms, &class, &role.Privileged, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		role.ScopeClass = rbac.ScopeClass(class)
		if len(rawPerms) > 0 {
			if err := json.Unmarshal(rawPerms, &role.Permissions); err != nil {
				return nil, err
			}
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s roleStore) Update(ctx context.Context, roleID string, upd rbac.RoleUpdate) (rbac.Role, error) {
	if s.db == nil {
		return rbac.Role{}, errors.New("database connection unavailable")
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Permissions != nil {
		perms, err := json.Marshal(upd.Permissions)
		if err != nil {
			return rbac.Role{}, fmt.Errorf("marshal permissions: %w", err)
		}
		sets = append(sets, fmt.Sprintf("permissions = $%d", idx))
		args = append(args, perms)
		idx++
	}
	if upd.Privileged != nil {
		sets = append(sets, fmt.Sprintf("privileged = $%d", idx))
		args = append(args, *upd.Privileged)
		idx++
	}
	if len(sets) > 0 {
		sets = append(sets, "updated_at = now()")
		query := fmt.Sprintf(`update roles set %s where id = $%d`, strings.Join(sets, ", "), idx)
		args = append(args, roleID)
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return rbac.Role{}, rbac.ErrStorageConflict
			}
			return rbac.Role{}, err
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return rbac.Role{}, err
		}
		if aff == 0 {
			return rbac.Role{}, rbac.ErrRoleNotFound
		}
	}
	return s.Find(ctx, roleID)
}
