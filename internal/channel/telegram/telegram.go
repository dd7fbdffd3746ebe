// Package telegram adapts a Telegram bot to the channel transport
// contract. Each session is backed by its own bot token, read from the
// session's profile directory, so independent sessions poll as
// independent bots.
package telegram

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/lewisedginton/whatsapp_dispatch/internal/channel"
	"github.com/lewisedginton/whatsapp_dispatch/internal/phone"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
)

// Config holds telegram transport settings.
type Config struct {
	// ProfileDir is the root directory holding per-session bot tokens.
	ProfileDir string
	// Debug enables the bot library's debug logging.
	Debug bool
}

// Factory opens telegram-backed handles.
type Factory struct {
	config Config
	logger logger.Logger
}

// NewFactory creates a telegram handle factory.
func NewFactory(config Config, log logger.Logger) (*Factory, error) {
	if config.ProfileDir == "" {
		return nil, fmt.Errorf("telegram profile directory is required")
	}
	return &Factory{config: config, logger: log}, nil
}

// Open returns an unconnected handle for the session.
func (f *Factory) Open(sessionID string) (channel.Handle, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	return &Handle{
		sessionID: sessionID,
		config:    f.config,
		logger:    f.logger.WithFields(logger.SessionIDField(sessionID)),
		events:    make(chan channel.Event, 64),
		names:     make(map[string]string),
		done:      make(chan struct{}),
	}, nil
}

// Handle is one polling Telegram bot.
type Handle struct {
	sessionID string
	config    Config
	logger    logger.Logger

	bot    *bot.Bot
	cancel context.CancelFunc

	events chan channel.Event

	mu    sync.Mutex
	names map[string]string

	done      chan struct{}
	closeOnce sync.Once
}

// Connect creates the bot from the session's stored token and starts
// polling. Ready and authenticated events are emitted once the token is
// accepted; Telegram has no pairing step, so no QR event is ever sent.
func (h *Handle) Connect(ctx context.Context) error {
	token, err := h.loadToken()
	if err != nil {
		return fmt.Errorf("load bot token for session %s: %w", h.sessionID, err)
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(h.handleUpdate),
	}
	if h.config.Debug {
		opts = append(opts, bot.WithDebug())
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	h.bot = b

	pollCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go func() {
		defer close(h.events)
		h.emit(channel.Event{Type: channel.EventAuthenticated})
		h.emit(channel.Event{Type: channel.EventReady})
		b.Start(pollCtx)
		select {
		case <-h.done:
		default:
			h.emit(channel.Event{Type: channel.EventDisconnected, Reason: "polling stopped"})
		}
	}()

	return nil
}

// Send delivers body to the chat encoded in address and returns the
// Telegram message id.
func (h *Handle) Send(ctx context.Context, address, body string) (string, error) {
	if h.bot == nil {
		return "", fmt.Errorf("telegram session %s is not connected", h.sessionID)
	}

	chatID, err := chatIDFromAddress(address)
	if err != nil {
		return "", err
	}

	msg, err := h.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   body,
	})
	if err != nil {
		return "", fmt.Errorf("send to chat %d: %w", chatID, err)
	}

	return strconv.Itoa(msg.ID), nil
}

// ContactName returns the display name last seen for address in an
// inbound update. Telegram has no contact book lookup for bots.
func (h *Handle) ContactName(_ context.Context, address string) (string, error) {
	h.mu.Lock()
	name, ok := h.names[address]
	h.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no name known for %s", address)
	}
	return name, nil
}

// Events returns the handle's event stream.
func (h *Handle) Events() <-chan channel.Event {
	return h.events
}

// Close stops polling. Safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		if h.cancel != nil {
			h.cancel()
		}
	})
	return nil
}

func (h *Handle) handleUpdate(_ context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	if update.Message.From != nil && update.Message.From.IsBot {
		return
	}

	address := addressFromChatID(update.Message.Chat.ID)

	name := displayName(update.Message.From)
	if name != "" {
		h.mu.Lock()
		h.names[address] = name
		h.mu.Unlock()
	}

	h.emit(channel.Event{Type: channel.EventMessage, Message: &channel.InboundMessage{
		From:       address,
		Body:       update.Message.Text,
		NotifyName: name,
	}})
}

func (h *Handle) emit(event channel.Event) {
	select {
	case h.events <- event:
	case <-h.done:
	}
}

func (h *Handle) loadToken() (string, error) {
	data, err := os.ReadFile(filepath.Join(h.config.ProfileDir, h.sessionID, "token"))
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file is empty")
	}
	return token, nil
}

func displayName(user *models.User) string {
	if user == nil {
		return ""
	}
	if user.FirstName != "" {
		return user.FirstName
	}
	return user.Username
}

// chatIDFromAddress decodes the numeric chat id from a canonical
// address such as "123456789@c.us".
func chatIDFromAddress(address string) (int64, error) {
	digits := strings.TrimSuffix(address, phone.AddressSuffix)
	chatID, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("address %q does not encode a chat id: %w", address, err)
	}
	return chatID, nil
}

func addressFromChatID(chatID int64) string {
	return strconv.FormatInt(chatID, 10) + phone.AddressSuffix
}
