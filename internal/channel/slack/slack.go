// Package slack adapts a Slack Socket Mode app to the channel transport
// contract. Per-session bot and app tokens are read from the session's
// profile directory. Canonical addresses carry the Slack channel id
// before the address suffix.
package slack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/lewisedginton/whatsapp_dispatch/internal/channel"
	"github.com/lewisedginton/whatsapp_dispatch/internal/phone"
	"github.com/lewisedginton/whatsapp_dispatch/pkg/logger"
)

// Config holds slack transport settings.
type Config struct {
	// ProfileDir is the root directory holding per-session token files.
	ProfileDir string
	// Debug enables the slack library's debug logging.
	Debug bool
}

// Factory opens slack-backed handles.
type Factory struct {
	config Config
	logger logger.Logger
}

// NewFactory creates a slack handle factory.
func NewFactory(config Config, log logger.Logger) (*Factory, error) {
	if config.ProfileDir == "" {
		return nil, fmt.Errorf("slack profile directory is required")
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
		senders:   make(map[string]string),
		done:      make(chan struct{}),
	}, nil
}

// Handle is one Socket Mode connection.
type Handle struct {
	sessionID string
	config    Config
	logger    logger.Logger

	client     *slack.Client
	socketMode *socketmode.Client
	cancel     context.CancelFunc

	events chan channel.Event

	mu      sync.Mutex
	senders map[string]string // channel address -> last seen slack user id

	done      chan struct{}
	closeOnce sync.Once
}

// Connect builds the Socket Mode client from the stored tokens and
// starts the event pump.
func (h *Handle) Connect(_ context.Context) error {
	botToken, err := h.loadToken("bot_token", "xoxb-")
	if err != nil {
		return fmt.Errorf("load bot token for session %s: %w", h.sessionID, err)
	}
	appToken, err := h.loadToken("app_token", "xapp-")
	if err != nil {
		return fmt.Errorf("load app token for session %s: %w", h.sessionID, err)
	}

	h.client = slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
		slack.OptionDebug(h.config.Debug),
	)
	h.socketMode = socketmode.New(h.client, socketmode.OptionDebug(h.config.Debug))

	runCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel

	go h.eventPump()

	go func() {
		defer close(h.events)
		err := h.socketMode.RunContext(runCtx)
		select {
		case <-h.done:
		default:
			reason := "socket mode stopped"
			if err != nil {
				reason = err.Error()
			}
			h.emit(channel.Event{Type: channel.EventDisconnected, Reason: reason})
		}
	}()

	return nil
}

// Send posts body to the Slack channel encoded in address and returns
// the message timestamp as the message id.
func (h *Handle) Send(ctx context.Context, address, body string) (string, error) {
	if h.client == nil {
		return "", fmt.Errorf("slack session %s is not connected", h.sessionID)
	}

	channelID := channelIDFromAddress(address)
	_, timestamp, err := h.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(body, false))
	if err != nil {
		return "", fmt.Errorf("post to channel %s: %w", channelID, err)
	}
	return timestamp, nil
}

// ContactName resolves the profile name of the user last seen on the
// address's channel.
func (h *Handle) ContactName(ctx context.Context, address string) (string, error) {
	h.mu.Lock()
	userID, ok := h.senders[address]
	h.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no sender known for %s", address)
	}

	user, err := h.client.GetUserInfoContext(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("lookup user %s: %w", userID, err)
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName, nil
	}
	if user.RealName != "" {
		return user.RealName, nil
	}
	return user.Name, nil
}

// Events returns the handle's event stream.
func (h *Handle) Events() <-chan channel.Event {
	return h.events
}

// Close stops the Socket Mode connection. Safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		close(h.done)
		if h.cancel != nil {
			h.cancel()
		}
	})
	return nil
}

func (h *Handle) eventPump() {
	for envelope := range h.socketMode.Events {
		switch envelope.Type {
		case socketmode.EventTypeConnected:
			h.emit(channel.Event{Type: channel.EventAuthenticated})
			h.emit(channel.Event{Type: channel.EventReady})

		case socketmode.EventTypeConnectionError:
			h.logger.Warn("slack connection error",
				logger.StringField("data", fmt.Sprintf("%v", envelope.Data)))

		case socketmode.EventTypeEventsAPI:
			apiEvent, ok := envelope.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if envelope.Request != nil {
				h.socketMode.Ack(*envelope.Request)
			}
			h.handleEventsAPI(apiEvent)
		}
	}
}

func (h *Handle) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	ev, ok := event.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || ev.Text == "" {
		return
	}

	address := addressFromChannelID(ev.Channel)
	fromMe := ev.BotID != "" || ev.SubType == "bot_message"

	if !fromMe && ev.User != "" {
		h.mu.Lock()
		h.senders[address] = ev.User
		h.mu.Unlock()
	}

	h.emit(channel.Event{Type: channel.EventMessage, Message: &channel.InboundMessage{
		From:   address,
		Body:   ev.Text,
		FromMe: fromMe,
	}})
}

func (h *Handle) emit(event channel.Event) {
	select {
	case h.events <- event:
	case <-h.done:
	}
}

func (h *Handle) loadToken(file, prefix string) (string, error) {
	data, err := os.ReadFile(filepath.Join(h.config.ProfileDir, h.sessionID, file))
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if !strings.HasPrefix(token, prefix) {
		return "", fmt.Errorf("invalid token format, expected %s*", prefix)
	}
	return token, nil
}

func channelIDFromAddress(address string) string {
	return strings.TrimSuffix(address, phone.AddressSuffix)
}

func addressFromChannelID(channelID string) string {
	return channelID + phone.AddressSuffix
}
