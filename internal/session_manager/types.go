package session_manager

import (
	"context"
	"time"
)

// Status is the persisted connection state of a session.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// StartStatus is the outcome of a StartSession call.
type StartStatus string

const (
	StartInitializing   StartStatus = "initializing"
	StartAlreadyStarted StartStatus = "already-started"
	StartNotFound       StartStatus = "not-found"
	StartError          StartStatus = "error"
)

// StartResult is returned from StartSession.
type StartResult struct {
	Status    StartStatus `json:"status"`
	SessionID string      `json:"sessionId"`
}

// SendStatus is the outcome of a Send call.
type SendStatus string

const (
	SendSuccess SendStatus = "success"
	SendError   SendStatus = "error"
)

// SendResult is returned from Send. Error is set only on failure,
// MessageID only on success.
type SendResult struct {
	Status    SendStatus `json:"status"`
	MessageID string     `json:"messageId,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// SessionRecord is the persisted shape of a session.
type SessionRecord struct {
	SessionID string    `json:"sessionId"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the persistence collaborator for session records.
type Store interface {
	// Create persists a new record with status pending.
	Create(ctx context.Context, sessionID string) error
	// Find returns the record for sessionID, or nil when absent.
	Find(ctx context.Context, sessionID string) (*SessionRecord, error)
	// UpsertStatus writes the status, inserting the record if it does
	// not exist yet.
	UpsertStatus(ctx context.Context, sessionID string, status Status) error
	// UpdateStatus writes the status of an existing record.
	UpdateStatus(ctx context.Context, sessionID string, status Status) error
	// FindByStatus returns all records currently in the given status.
	FindByStatus(ctx context.Context, status Status) ([]SessionRecord, error)
}
