// Package session_manager owns the in-memory registry of live channel
// sessions, their connection state machine and the send path. Persisted
// session records are reconciled on every state transition; the
// in-memory handle is authoritative for "is this session usable now".
package session_manager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/lewisedginton/whatsapp_dispatch/internal/channel"
	"github.com/lewisedginton/whatsapp_dispatch/internal/phone"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/metrics"
)

// InboundHandler consumes inbound messages from live sessions. The
// manager invokes it fire-and-forget; failures must not affect the
// session's event loop.
type InboundHandler interface {
	HandleInbound(ctx context.Context, sessionID string, msg *channel.InboundMessage)
}

// Manager is the session registry. At most one live handle exists per
// session id; the exists-check and insert happen under one lock so
// concurrent starts for the same id cannot both open a handle.
type Manager struct {
	factory channel.Factory
	store   Store
	logger  logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]channel.Handle
	order    []string

	inbound InboundHandler
}

// NewManager creates a session manager.
func NewManager(factory channel.Factory, store Store, log logger.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		factory:  factory,
		store:    store,
		logger:   log,
		metrics:  m,
		sessions: make(map[string]channel.Handle),
	}
}

// SetInboundHandler wires the consumer of inbound messages. Must be
// called before any session is started.
func (m *Manager) SetInboundHandler(h InboundHandler) {
	m.inbound = h
}

// CreateSession persists a new session record in status pending and
// returns its id, which is the trimmed name. A persistence failure is
// logged but does not fail the call; the id is returned regardless.
func (m *Manager) CreateSession(ctx context.Context, name string) (string, error) {
	sessionID := strings.TrimSpace(name)
	if sessionID == "" {
		return "", fmt.Errorf("session name is required")
	}

	if err := m.store.Create(ctx, sessionID); err != nil {
		m.logger.Error("failed to persist new session",
			logger.SessionIDField(sessionID), logger.ErrorField(err))
	}

	return sessionID, nil
}

// StartSession opens a channel handle for the session and connects it.
// The handle is registered before connect so a concurrent start for the
// same id observes already-started instead of opening a second handle.
// When announceQR is set, pairing payloads from the transport are logged
// for the operator; boot-time reconnects suppress them.
func (m *Manager) StartSession(ctx context.Context, sessionID string, announceQR bool) StartResult {
	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		m.logger.Info("session already started", logger.SessionIDField(sessionID))
		return StartResult{Status: StartAlreadyStarted, SessionID: sessionID}
	}
	// Reserve the key so the store lookup and handle open can run
	// outside the lock without a concurrent start slipping in.
	m.sessions[sessionID] = nil
	m.mu.Unlock()

	record, err := m.store.Find(ctx, sessionID)
	if err != nil {
		m.unreserve(sessionID)
		m.logger.Error("failed to look up session record",
			logger.SessionIDField(sessionID), logger.ErrorField(err))
		return StartResult{Status: StartError, SessionID: sessionID}
	}
	if record == nil {
		m.unreserve(sessionID)
		return StartResult{Status: StartNotFound, SessionID: sessionID}
	}

	handle, err := m.factory.Open(sessionID)
	if err != nil {
		m.unreserve(sessionID)
		m.logger.Error("failed to open channel handle",
			logger.SessionIDField(sessionID), logger.ErrorField(err))
		m.persistStatus(ctx, sessionID, StatusError)
		return StartResult{Status: StartError, SessionID: sessionID}
	}

	m.mu.Lock()
	m.sessions[sessionID] = handle
	m.order = append(m.order, sessionID)
	m.mu.Unlock()
	m.metrics.SessionRegistered()

	go m.eventLoop(sessionID, handle, announceQR)

	if err := handle.Connect(ctx); err != nil {
		m.logger.Error("channel connect failed",
			logger.SessionIDField(sessionID), logger.ErrorField(err))
		// A stale registration here would turn every retry into a bogus
		// already-started, so the handle must go.
		m.remove(sessionID)
		_ = handle.Close()
		m.persistStatus(ctx, sessionID, StatusError)
		return StartResult{Status: StartError, SessionID: sessionID}
	}

	m.persistStatus(ctx, sessionID, StatusInitializing)
	return StartResult{Status: StartInitializing, SessionID: sessionID}
}

// ListSessions returns the ids of sessions with a live handle, in the
// order they were registered.
func (m *Manager) ListSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]string, len(m.order))
	copy(snapshot, m.order)
	return snapshot
}

// Send canonicalizes recipient and delivers body over the session's
// handle. An unknown session id yields an error result without touching
// the transport or the store.
func (m *Manager) Send(ctx context.Context, sessionID, recipient, body string) SendResult {
	m.mu.Lock()
	handle, exists := m.sessions[sessionID]
	m.mu.Unlock()

	if !exists || handle == nil {
		errMsg := fmt.Sprintf("session %s is not active", sessionID)
		m.logger.Warn("send to inactive session", logger.SessionIDField(sessionID))
		return SendResult{Status: SendError, Error: errMsg}
	}

	address := phone.FormatNumber(recipient)

	messageID, err := handle.Send(ctx, address, body)
	if err != nil {
		m.logger.Error("channel send failed",
			logger.SessionIDField(sessionID),
			logger.RecipientField(address),
			logger.ErrorField(err))
		m.metrics.MessageFailed()
		return SendResult{Status: SendError, Error: err.Error()}
	}

	m.logger.Info("message sent",
		logger.SessionIDField(sessionID),
		logger.RecipientField(address),
		logger.StringField("message_id", messageID))
	m.metrics.MessageSent()
	return SendResult{Status: SendSuccess, MessageID: messageID}
}

// ContactName resolves a display name for address over the session's
// handle, best-effort.
func (m *Manager) ContactName(ctx context.Context, sessionID, address string) (string, error) {
	m.mu.Lock()
	handle, exists := m.sessions[sessionID]
	m.mu.Unlock()
	if !exists || handle == nil {
		return "", fmt.Errorf("session %s is not active", sessionID)
	}
	return handle.ContactName(ctx, address)
}

// ResumePersisted re-starts every persisted session whose last known
// state is ready. Failures are independent per session; one broken
// session never blocks the others. QR announcements are suppressed.
func (m *Manager) ResumePersisted(ctx context.Context) error {
	records, err := m.store.FindByStatus(ctx, StatusReady)
	if err != nil {
		return fmt.Errorf("load resumable sessions: %w", err)
	}

	m.logger.Info("resuming persisted sessions", logger.IntField("count", len(records)))

	for _, record := range records {
		result := m.StartSession(ctx, record.SessionID, false)
		if result.Status == StartError {
			m.logger.Error("failed to resume session",
				logger.SessionIDField(record.SessionID))
			continue
		}
		m.logger.Info("session resumed",
			logger.SessionIDField(record.SessionID),
			logger.StringField("status", string(result.Status)))
	}

	return nil
}

// Shutdown closes every live handle.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	handles := make([]channel.Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		if h == nil {
			// Reservation for a start still in flight; nothing to close.
			continue
		}
		handles = append(handles, h)
	}
	m.sessions = make(map[string]channel.Handle)
	m.order = nil
	m.mu.Unlock()

	for _, h := range handles {
		_ = h.Close()
		m.metrics.SessionRemoved()
	}
}

// eventLoop consumes the handle's event stream. One goroutine per
// session keeps ready/disconnected/message handling serialized for that
// session id.
func (m *Manager) eventLoop(sessionID string, handle channel.Handle, announceQR bool) {
	log := m.logger.WithFields(logger.SessionIDField(sessionID))

	for event := range handle.Events() {
		switch event.Type {
		case channel.EventQR:
			if announceQR {
				log.Info("pairing required, scan the QR payload",
					logger.StringField("qr", event.QR))
			}

		case channel.EventReady:
			// Upsert: the record may not exist if creation raced.
			if err := m.store.UpsertStatus(context.Background(), sessionID, StatusReady); err != nil {
				log.Error("failed to persist ready state", logger.ErrorField(err))
			} else {
				log.Info("session ready")
			}

		case channel.EventAuthenticated:
			log.Info("session authenticated")

		case channel.EventDisconnected:
			log.Warn("session disconnected", logger.StringField("reason", event.Reason))
			if err := m.store.UpdateStatus(context.Background(), sessionID, StatusDisconnected); err != nil {
				log.Error("failed to persist disconnected state", logger.ErrorField(err))
			}
			m.remove(sessionID)

		case channel.EventMessage:
			if m.inbound == nil || event.Message == nil {
				continue
			}
			msg := event.Message
			go func() {
				defer func() {
					if r := recover(); r != nil {
						log.Error("inbound handler panicked",
							logger.StringField("panic", fmt.Sprintf("%v", r)))
					}
				}()
				m.inbound.HandleInbound(context.Background(), sessionID, msg)
			}()
		}
	}
}

// unreserve releases a reserved key that never became a registered
// handle, so a later start can try again. No gauge movement: the
// session was never counted as registered.
func (m *Manager) unreserve(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// remove drops the in-memory handle and keeps the gauge balanced with
// registrations.
func (m *Manager) remove(sessionID string) {
	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; !exists {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	for i, id := range m.order {
		if id == sessionID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.metrics.SessionRemoved()
}

// persistStatus writes a status transition, swallowing store failures
// so they never block the user-facing operation.
func (m *Manager) persistStatus(ctx context.Context, sessionID string, status Status) {
	if err := m.store.UpdateStatus(ctx, sessionID, status); err != nil {
		m.logger.Error("failed to persist session status",
			logger.SessionIDField(sessionID),
			logger.StringField("status", string(status)),
			logger.ErrorField(err))
	}
}
