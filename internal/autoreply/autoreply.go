// Package autoreply reacts to inbound messages on a live session with a
// canned reply, gated by business hours and deduplicated per
// (session, counterpart) for the lifetime of the process.
package autoreply

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lewisedginton/whatsapp_dispatch/internal/businesshours"
	"github.com/lewisedginton/whatsapp_dispatch/internal/channel"
	"github.com/lewisedginton/whatsapp_dispatch/internal/session_manager"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/metrics"
)

// Config holds the auto-reply copy and schedule.
type Config struct {
	// Greeting is a format string taking the display name.
	Greeting string
	// InHoursBody is sent inside business hours.
	InHoursBody string
	// AfterHoursBody is sent outside business hours.
	AfterHoursBody string
	// FallbackName is used when no display name can be resolved.
	FallbackName string
	// PingCommand triggers an immediate PingReply, bypassing dedup.
	PingCommand string
	PingReply   string
	// Hours is the business-hours window for body selection.
	Hours businesshours.Config
}

// DefaultConfig mirrors the canned copy the service shipped with.
func DefaultConfig() Config {
	return Config{
		Greeting:       "Olá %s! ",
		InHoursBody:    "Recebemos sua mensagem e logo entraremos em contato.",
		AfterHoursBody: "Estamos fora do horário comercial. Retornaremos no próximo dia útil.",
		FallbackName:   "meu consagrado",
		PingCommand:    "!ping",
		PingReply:      "Pong! 🏓",
		Hours:          businesshours.DefaultConfig(),
	}
}

// Status is the outcome of one inbound message.
type Status string

const (
	StatusSent        Status = "sent"
	StatusAlreadySent Status = "already-sent"
	StatusSkipped     Status = "skipped"
	StatusError       Status = "error"
)

// Result reports what the engine did with an inbound message.
type Result struct {
	Status Status
	Error  string
}

// Sender delivers replies and resolves contact names through the
// session registry.
type Sender interface {
	Send(ctx context.Context, sessionID, recipient, body string) session_manager.SendResult
	ContactName(ctx context.Context, sessionID, address string) (string, error)
}

// Engine is the auto-reply engine. The dedup set is process-local and
// reset on restart.
type Engine struct {
	sender  Sender
	config  Config
	logger  logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	replied map[string]map[string]struct{} // sessionID -> replied-to addresses
}

// NewEngine creates an auto-reply engine.
func NewEngine(sender Sender, config Config, log logger.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		sender:  sender,
		config:  config,
		logger:  log,
		metrics: m,
		now:     time.Now,
		replied: make(map[string]map[string]struct{}),
	}
}

// HandleInbound implements session_manager.InboundHandler. Failures are
// logged and swallowed; the session's event loop never sees them.
func (e *Engine) HandleInbound(ctx context.Context, sessionID string, msg *channel.InboundMessage) {
	result := e.Reply(ctx, sessionID, msg)
	if result.Status == StatusError {
		e.logger.Error("auto-reply failed",
			logger.SessionIDField(sessionID),
			logger.RecipientField(msg.From),
			logger.StringField("error", result.Error))
	}
}

// Reply processes one inbound message and reports the outcome.
func (e *Engine) Reply(ctx context.Context, sessionID string, msg *channel.InboundMessage) Result {
	if msg == nil || msg.FromMe {
		return Result{Status: StatusSkipped}
	}

	if msg.Body == e.config.PingCommand {
		return e.pong(ctx, sessionID, msg.From)
	}

	// Reserving the dedup slot up front keeps the at-most-once guarantee
	// when two messages from the same counterpart arrive concurrently.
	if !e.reserve(sessionID, msg.From) {
		e.logger.Debug("auto-reply already sent",
			logger.SessionIDField(sessionID), logger.RecipientField(msg.From))
		return Result{Status: StatusAlreadySent}
	}

	name := e.resolveName(ctx, sessionID, msg)

	body := e.config.AfterHoursBody
	if businesshours.IsBusinessHours(e.now(), e.config.Hours) {
		body = e.config.InHoursBody
	}
	reply := fmt.Sprintf(e.config.Greeting, name) + body

	result := e.sender.Send(ctx, sessionID, msg.From, reply)
	if result.Status != session_manager.SendSuccess {
		// Released, so the next inbound message from this counterpart
		// retries the reply.
		e.release(sessionID, msg.From)
		return Result{Status: StatusError, Error: result.Error}
	}

	e.metrics.AutoReplySent()
	e.logger.Info("auto-reply sent",
		logger.SessionIDField(sessionID),
		logger.RecipientField(msg.From),
		logger.StringField("display_name", name))
	return Result{Status: StatusSent}
}

func (e *Engine) pong(ctx context.Context, sessionID, from string) Result {
	result := e.sender.Send(ctx, sessionID, from, e.config.PingReply)
	if result.Status != session_manager.SendSuccess {
		return Result{Status: StatusError, Error: result.Error}
	}
	e.logger.Info("answered ping",
		logger.SessionIDField(sessionID), logger.RecipientField(from))
	return Result{Status: StatusSent}
}

// resolveName prefers the display name the transport attached to the
// message, then a contact lookup, then the configured fallback.
// Lookup failures are swallowed.
func (e *Engine) resolveName(ctx context.Context, sessionID string, msg *channel.InboundMessage) string {
	if msg.NotifyName != "" {
		return msg.NotifyName
	}
	name, err := e.sender.ContactName(ctx, sessionID, msg.From)
	if err == nil && name != "" {
		return name
	}
	return e.config.FallbackName
}

// reserve claims the dedup slot for (sessionID, address). It reports
// false when the slot is already taken.
func (e *Engine) reserve(sessionID, address string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.replied[sessionID]
	if !ok {
		set = make(map[string]struct{})
		e.replied[sessionID] = set
	}
	if _, taken := set[address]; taken {
		return false
	}
	set[address] = struct{}{}
	return true
}

func (e *Engine) release(sessionID, address string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.replied[sessionID]; ok {
		delete(set, address)
	}
}
