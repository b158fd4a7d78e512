package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"mudun.org/internal/rbac"
)

type auditStore struct {
	db *sql.DB
}

func (s auditStore) Create(ctx context.Context, audit *rbac.SecurityAudit) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	findings, err := json.Marshal(audit.Findings)
	if err != nil {
		return fmt.Errorf("marshal findings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into security_audits (id, scope, findings, score, completed_at)
		values ($1, $2, $3, $4, $5)
	`, audit.ID, nullIfEmpty(audit.Scope), findings, audit.Score, audit.CompletedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.ErrStorageConflict
		}
		return err
	}
	return nil
}

func (s auditStore) List(ctx context.Context, scope string, limit int) ([]rbac.SecurityAudit, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if limit <= 0 {
		limit = 20
	}
	query := `
		select id, scope, findings, score, completed_at
		from security_audits
	`
	args := []any{}
	if scope != "" {
		query += ` where scope = $1`
		args = append(args, scope)
	}
	query += fmt.Sprintf(` order by completed_at desc limit %d`, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []rbac.SecurityAudit
	for rows.Next() {
		var (
			a           rbac.SecurityAudit
			scopeCol    sql.NullString
			rawFindings []byte
		)
		if err := rows.Scan(&a.ID, &scopeCol, &rawFindings, &a.Score, &a.CompletedAt); err != nil {
			return nil, err
		}
		a.Scope = fromNull(scopeCol)
		if len(rawFindings) > 0 {
			if err := json.Unmarshal(rawFindings, &a.Findings); err != nil {
				return nil, fmt.Errorf("decode findings: %w", err)
			}
		}
		audits = append(audits, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return audits, nil
}
