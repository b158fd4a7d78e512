package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"mudun.org/internal/rbac"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store is the Postgres implementation of rbac.Store. One *sql.DB is shared
// by every sub-store; the uniqueness constraint on the active assignment
// tuple lives in the schema, so concurrent activations serialize in the
// database rather than in Go.
type Store struct {
	db *sql.DB
}

var (
	_ rbac.Store            = (*Store)(nil)
	_ rbac.IdentityResolver = (*Store)(nil)
)

// Open connects to Postgres through the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool (used by tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Roles(ctx context.Context) rbac.RoleStore             { return roleStore{s.db} }
func (s *Store) Assignments(ctx context.Context) rbac.AssignmentStore { return assignmentStore{s.db} }
func (s *Store) Requests(ctx context.Context) rbac.RequestStore       { return requestStore{s.db} }
func (s *Store) Delegations(ctx context.Context) rbac.DelegationStore { return delegationStore{s.db} }
func (s *Store) Audits(ctx context.Context) rbac.AuditStore           { return auditStore{s.db} }
func (s *Store) AccessLog(ctx context.Context) rbac.AccessLogStore    { return accessLogStore{s.db} }

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func nullIfZero(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
