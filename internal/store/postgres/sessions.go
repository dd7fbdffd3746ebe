package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lewisedginton/whatsapp_dispatch/internal/session_manager"
)

// SessionStore persists session records.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a session store on the pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Create inserts a new record in status pending.
func (s *SessionStore) Create(ctx context.Context, sessionID string) error {
	query, args, err := builder.
		Insert("sessions").
		Columns("session_id", "status").
		Values(sessionID, string(session_manager.StatusPending)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session %s: %w", sessionID, err)
	}
	return nil
}

// Find returns the record for sessionID, or nil when absent.
func (s *SessionStore) Find(ctx context.Context, sessionID string) (*session_manager.SessionRecord, error) {
	query, args, err := builder.
		Select("session_id", "status", "created_at", "updated_at").
		From("sessions").
		Where("session_id = ?", sessionID).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var record session_manager.SessionRecord
	err = s.pool.QueryRow(ctx, query, args...).Scan(
		&record.SessionID, &record.Status, &record.CreatedAt, &record.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session %s: %w", sessionID, err)
	}
	return &record, nil
}

// UpsertStatus writes the status, inserting the record when it does not
// exist yet. The ready event may arrive before creation persisted.
func (s *SessionStore) UpsertStatus(ctx context.Context, sessionID string, status session_manager.Status) error {
	query, args, err := builder.
		Insert("sessions").
		Columns("session_id", "status").
		Values(sessionID, string(status)).
		Suffix("ON CONFLICT (session_id) DO UPDATE SET status = EXCLUDED.status, updated_at = now()").
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert session %s: %w", sessionID, err)
	}
	return nil
}

// UpdateStatus writes the status of an existing record.
func (s *SessionStore) UpdateStatus(ctx context.Context, sessionID string, status session_manager.Status) error {
	query, args, err := builder.
		Update("sessions").
		Set("status", string(status)).
		Set("updated_at", squirrel.Expr("now()")).
		Where("session_id = ?", sessionID).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s not found", sessionID)
	}
	return nil
}

// FindByStatus returns every record currently in status, oldest first.
func (s *SessionStore) FindByStatus(ctx context.Context, status session_manager.Status) ([]session_manager.SessionRecord, error) {
	query, args, err := builder.
		Select("session_id", "status", "created_at", "updated_at").
		From("sessions").
		Where("status = ?", string(status)).
		OrderBy("created_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions by status %s: %w", status, err)
	}
	defer rows.Close()

	var records []session_manager.SessionRecord
	for rows.Next() {
		var record session_manager.SessionRecord
		if err := rows.Scan(&record.SessionID, &record.Status, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session records: %w", err)
	}
	return records, nil
}
