package dispatch

import (
	"context"
	"time"
)

// MessageStatus is the persisted state of a scheduled message. It is
// written once at creation (pending) and mutated at most once by the
// dispatch job (sent or error).
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// ScheduledMessage is the persisted shape of a scheduled dispatch.
type ScheduledMessage struct {
	ID            string        `json:"id"`
	Sender        string        `json:"sender"`
	Recipients    []string      `json:"recipients"`
	Body          string        `json:"body"`
	Status        MessageStatus `json:"status"`
	ScheduledTime time.Time     `json:"scheduledTime"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Store is the persistence collaborator for scheduled messages.
type Store interface {
	Create(ctx context.Context, msg ScheduledMessage) error
	UpdateStatus(ctx context.Context, id string, status MessageStatus) error
	FindByStatus(ctx context.Context, status MessageStatus) ([]ScheduledMessage, error)
	// List returns all records, newest first.
	List(ctx context.Context) ([]ScheduledMessage, error)
}

// ValidationError marks an enqueue request the caller must fix; it is
// never retried and nothing is persisted or queued for it.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// NewValidationError wraps a message in a ValidationError.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{msg: msg}
}
