// Package gateway implements the channel transport against a WhatsApp
// web gateway bridge speaking a JSON request/response protocol over a
// websocket. Each session has its own connection; stored auth tokens
// live in a per-session profile directory so a paired session can
// reconnect without a new QR scan.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lewisedginton/whatsapp_dispatch/internal/channel"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
)

// Config holds gateway connection settings.
type Config struct {
	// URL of the gateway websocket endpoint.
	URL string
	// ProfileDir is the root directory for per-session auth profiles.
	ProfileDir string
	// RequestTimeout bounds each request/response round trip.
	RequestTimeout time.Duration
}

// Factory opens gateway-backed handles.
type Factory struct {
	config Config
	logger logger.Logger
}

// NewFactory creates a gateway handle factory.
func NewFactory(config Config, log logger.Logger) (*Factory, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("gateway URL is required")
	}
	if config.ProfileDir == "" {
		return nil, fmt.Errorf("gateway profile directory is required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}
	return &Factory{config: config, logger: log}, nil
}

// Open returns an unconnected handle for the session. The stored auth
// token, if any, is loaded from the session's profile directory.
func (f *Factory) Open(sessionID string) (channel.Handle, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return &Handle{
		sessionID: sessionID,
		config:    f.config,
		logger:    f.logger.WithFields(logger.SessionIDField(sessionID)),
		pending:   make(map[string]chan wireFrame),
		events:    make(chan channel.Event, 64),
		done:      make(chan struct{}),
	}, nil
}

// Wire format shared with the gateway bridge.
type wireFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type connectParams struct {
	SessionID string `json:"session_id"`
	AuthToken string `json:"auth_token,omitempty"`
}

type sendParams struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResult struct {
	MessageID string `json:"message_id"`
}

type contactParams struct {
	Address string `json:"address"`
}

type contactResult struct {
	PushName string `json:"push_name"`
	Name     string `json:"name"`
}

type eventPayload struct {
	QR        string `json:"qr,omitempty"`
	Reason    string `json:"reason,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	From      string `json:"from,omitempty"`
	Body      string `json:"body,omitempty"`
	FromMe    bool   `json:"from_me,omitempty"`
	PushName  string `json:"push_name,omitempty"`
}

// Handle is one live gateway session connection.
type Handle struct {
	sessionID string
	config    Config
	logger    logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	// writeMu serializes frame writes; the websocket connection
	// supports at most one concurrent writer.
	writeMu sync.Mutex

	nextID  atomic.Int64
	pending map[string]chan wireFrame
	pendMu  sync.Mutex

	events    chan channel.Event
	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the gateway, starts the read loop and binds the
// connection to this handle's session.
func (h *Handle) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, h.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", h.config.URL, err)
	}

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()

	go h.readLoop()

	token, err := h.loadToken()
	if err != nil {
		h.logger.Debug("no stored auth token", logger.ErrorField(err))
	}

	if _, err := h.request(ctx, "session.connect", connectParams{
		SessionID: h.sessionID,
		AuthToken: token,
	}); err != nil {
		_ = h.Close()
		return fmt.Errorf("bind session: %w", err)
	}

	return nil
}

// Send delivers body to address and returns the gateway message id.
func (h *Handle) Send(ctx context.Context, address, body string) (string, error) {
	payload, err := h.request(ctx, "message.send", sendParams{To: address, Body: body})
	if err != nil {
		return "", err
	}
	var result sendResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("decode send result: %w", err)
	}
	return result.MessageID, nil
}

// ContactName resolves a display name for address, preferring the
// contact's push name over the stored name.
func (h *Handle) ContactName(ctx context.Context, address string) (string, error) {
	payload, err := h.request(ctx, "contact.name", contactParams{Address: address})
	if err != nil {
		return "", err
	}
	var result contactResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return "", fmt.Errorf("decode contact result: %w", err)
	}
	if result.PushName != "" {
		return result.PushName, nil
	}
	if result.Name != "" {
		return result.Name, nil
	}
	return "", fmt.Errorf("no name known for %s", address)
}

// Events returns the handle's event stream.
func (h *Handle) Events() <-chan channel.Event {
	return h.events
}

// Close tears the connection down. Safe to call more than once.
func (h *Handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		if h.conn != nil {
			err = h.conn.Close()
			h.conn = nil
		}
		h.mu.Unlock()
	})
	return err
}

func (h *Handle) readLoop() {
	defer close(h.events)

	for {
		h.mu.Lock()
		conn := h.conn
		h.mu.Unlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-h.done:
			default:
				h.logger.Debug("gateway read loop ended", logger.ErrorField(err))
				select {
				case h.events <- channel.Event{Type: channel.EventDisconnected, Reason: err.Error()}:
				case <-h.done:
				}
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.logger.Warn("dropping malformed gateway frame", logger.ErrorField(err))
			continue
		}

		switch frame.Type {
		case "res":
			h.pendMu.Lock()
			ch, ok := h.pending[frame.ID]
			if ok {
				delete(h.pending, frame.ID)
			}
			h.pendMu.Unlock()
			if ok {
				ch <- frame
				close(ch)
			}
		case "event":
			h.handleEvent(frame)
		}
	}
}

func (h *Handle) handleEvent(frame wireFrame) {
	var payload eventPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			h.logger.Warn("dropping malformed event payload",
				logger.StringField("event", frame.Event), logger.ErrorField(err))
			return
		}
	}

	var event channel.Event
	switch frame.Event {
	case "qr":
		event = channel.Event{Type: channel.EventQR, QR: payload.QR}
	case "ready":
		event = channel.Event{Type: channel.EventReady}
	case "authenticated":
		if payload.AuthToken != "" {
			if err := h.storeToken(payload.AuthToken); err != nil {
				h.logger.Error("failed to store auth token", logger.ErrorField(err))
			}
		}
		event = channel.Event{Type: channel.EventAuthenticated}
	case "disconnected":
		event = channel.Event{Type: channel.EventDisconnected, Reason: payload.Reason}
	case "message":
		event = channel.Event{Type: channel.EventMessage, Message: &channel.InboundMessage{
			From:       payload.From,
			Body:       payload.Body,
			FromMe:     payload.FromMe,
			NotifyName: payload.PushName,
		}}
	default:
		h.logger.Debug("ignoring unknown gateway event", logger.StringField("event", frame.Event))
		return
	}

	select {
	case h.events <- event:
	case <-h.done:
	}
}

func (h *Handle) request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := fmt.Sprintf("%s-%d", h.sessionID, h.nextID.Add(1))

	ch := make(chan wireFrame, 1)
	h.pendMu.Lock()
	h.pending[id] = ch
	h.pendMu.Unlock()

	abandon := func() {
		h.pendMu.Lock()
		delete(h.pending, id)
		h.pendMu.Unlock()
	}

	data, err := json.Marshal(wireFrame{Type: "req", ID: id, Method: method, Params: params})
	if err != nil {
		abandon()
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}

	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		abandon()
		return nil, fmt.Errorf("gateway connection for session %s is closed", h.sessionID)
	}

	h.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	h.writeMu.Unlock()
	if err != nil {
		abandon()
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	timer := time.NewTimer(h.config.RequestTimeout)
	defer timer.Stop()

	select {
	case frame := <-ch:
		if frame.Error != nil {
			return nil, fmt.Errorf("gateway %s: %s (%s)", method, frame.Error.Message, frame.Error.Code)
		}
		if !frame.OK {
			return nil, fmt.Errorf("gateway %s rejected", method)
		}
		return frame.Payload, nil
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("timeout waiting for %s response", method)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	case <-h.done:
		abandon()
		return nil, fmt.Errorf("gateway connection for session %s is closed", h.sessionID)
	}
}

func (h *Handle) tokenPath() string {
	return filepath.Join(h.config.ProfileDir, h.sessionID, "auth_token")
}

func (h *Handle) loadToken() (string, error) {
	data, err := os.ReadFile(h.tokenPath())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (h *Handle) storeToken(token string) error {
	dir := filepath.Dir(h.tokenPath())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}
	if err := os.WriteFile(h.tokenPath(), []byte(token), 0o600); err != nil {
		return fmt.Errorf("write auth token: %w", err)
	}
	return nil
}
