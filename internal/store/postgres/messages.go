package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lewisedginton/whatsapp_dispatch/internal/dispatch"
)

// ScheduledMessageStore persists scheduled message records.
type ScheduledMessageStore struct {
	pool *pgxpool.Pool
}

// NewScheduledMessageStore creates a scheduled message store on the
// pool.
func NewScheduledMessageStore(pool *pgxpool.Pool) *ScheduledMessageStore {
	return &ScheduledMessageStore{pool: pool}
}

const messageColumns = "id, sender, recipients, body, status, scheduled_time, created_at"

// Create inserts a new scheduled message record.
func (s *ScheduledMessageStore) Create(ctx context.Context, msg dispatch.ScheduledMessage) error {
	query, args, err := builder.
		Insert("scheduled_messages").
		Columns("id", "sender", "recipients", "body", "status", "scheduled_time", "created_at").
		Values(msg.ID, msg.Sender, msg.Recipients, msg.Body, string(msg.Status), msg.ScheduledTime, msg.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert scheduled message %s: %w", msg.ID, err)
	}
	return nil
}

// UpdateStatus writes the terminal status of a scheduled message.
func (s *ScheduledMessageStore) UpdateStatus(ctx context.Context, id string, status dispatch.MessageStatus) error {
	query, args, err := builder.
		Update("scheduled_messages").
		Set("status", string(status)).
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update scheduled message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("scheduled message %s not found", id)
	}
	return nil
}

// FindByStatus returns every record in status, oldest scheduled first.
func (s *ScheduledMessageStore) FindByStatus(ctx context.Context, status dispatch.MessageStatus) ([]dispatch.ScheduledMessage, error) {
	query, args, err := builder.
		Select(messageColumns).
		From("scheduled_messages").
		Where("status = ?", string(status)).
		OrderBy("scheduled_time ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	return s.query(ctx, query, args)
}

// List returns all records, newest first.
func (s *ScheduledMessageStore) List(ctx context.Context) ([]dispatch.ScheduledMessage, error) {
	query, args, err := builder.
		Select(messageColumns).
		From("scheduled_messages").
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	return s.query(ctx, query, args)
}

func (s *ScheduledMessageStore) query(ctx context.Context, query string, args []interface{}) ([]dispatch.ScheduledMessage, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled messages: %w", err)
	}
	defer rows.Close()

	var records []dispatch.ScheduledMessage
	for rows.Next() {
		var record dispatch.ScheduledMessage
		if err := rows.Scan(&record.ID, &record.Sender, &record.Recipients,
			&record.Body, &record.Status, &record.ScheduledTime, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scheduled messages: %w", err)
	}
	return records, nil
}
