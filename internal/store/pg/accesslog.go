package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mudun.org/internal/rbac"
)

type accessLogStore struct {
	db *sql.DB
}

func (s accessLogStore) Append(ctx context.Context, entry *rbac.AccessLogEntry) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	var metadata []byte
	if len(entry.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		insert into access_log (id, occurred_at, actor_id, subject_id, action, category, before_state, after_state, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.OccurredAt, entry.ActorID, nullIfEmpty(entry.SubjectID), entry.Action,
		nullIfEmpty(entry.Category), nullIfEmpty(entry.Before), nullIfEmpty(entry.After), metadata)
	return err
}

func (s accessLogStore) EventsSince(ctx context.Context, since time.Time) ([]rbac.AccessLogEntry, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, actor_id, subject_id, action, category, before_state, after_state, metadata
		from access_log
		where occurred_at >= $1
		order by occurred_at
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []rbac.AccessLogEntry
	for rows.Next() {
		var (
			e           rbac.AccessLogEntry
			subjectID   sql.NullString
			category    sql.NullString
			before      sql.NullString
			after       sql.NullString
			rawMetadata []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.ActorID, &subjectID, &e.Action, &category, &before, &after, &rawMetadata); err != nil {
			return nil, err
		}
		e.SubjectID = fromNull(subjectID)
		e.Category = fromNull(category)
		e.Before = fromNull(before)
		e.After = fromNull(after)
		if len(rawMetadata) > 0 {
			if err := json.Unmarshal(rawMetadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s accessLogStore) LastActivity(ctx context.Context) (map[string]time.Time, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select actor_id, max(occurred_at)
		from access_log
		group by actor_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	activity := make(map[string]time.Time)
	for rows.Next() {
		var (
			actorID string
			last    time.Time
		)
		if err := rows.Scan(&actorID, &last); err != nil {
			return nil, err
		}
		activity[actorID] = last
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return activity, nil
}
