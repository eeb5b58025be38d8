// Package marketchat is the real-time conversation core of the Bazaarly marketplace client.
//
// It keeps one websocket to the messaging backend, multiplexes conversation rooms over it,
// reconciles optimistic sends with server acknowledgments, tracks typing presence, and falls
// back to REST when the socket cannot deliver.
//
// Example:
//
//	client := marketchat.New(marketchat.Config{UserID: "u-42"}, marketchat.StaticCredential(token))
//	defer client.Close()
//
//	marketchat.On(client.Bus, marketchat.TopicMessageReceived, func(ev marketchat.MessageEvent) {
//		fmt.Println(ev.Message.Text)
//	})
//	client.Connect(ctx)
//	client.Join(ctx, "c-1")
//	d, _ := client.Send(ctx, "c-1", "Is this still available?", nil)
//	msg, err := d.Wait(ctx)
package marketchat

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.bazaarly.com/api"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Configuration
// ============================================================================

// Config configures a Client. Zero durations take their defaults.
type Config struct {
	BaseURL   string // REST root
	SocketURL string // websocket endpoint; derived from BaseURL when empty
	UserID    string // the signed-in user, used to recognize our own echoes

	AckTimeout     time.Duration // default 10s
	TypingDebounce time.Duration // default 2s
	TypingExpiry   time.Duration // default 5s
	TypingIdleStop time.Duration // default 3s
	ReorderWindow  time.Duration // default 150ms

	Connection ConnectionConfig
}

func (c *Config) defaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.SocketURL == "" {
		c.SocketURL = SocketURL(c.BaseURL)
	}
}

// SocketURL derives the websocket endpoint from a REST base URL.
func SocketURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// Option configures New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	httpClient *http.Client
}

// WithLogger sets the logger of every component. The default discards.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithTimeout sets the REST request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) { o.httpClient = &http.Client{Timeout: timeout} }
}

// ============================================================================
// Client
// ============================================================================

// Client owns one instance of every component and routes inbound channel events to them.
// Create it once at application start.
type Client struct {
	Bus      *EventBus
	Conn     *ConnectionManager
	Rooms    *ConversationRegistry
	Messages *MessageDispatcher
	Presence *PresenceCoordinator
	Gateway  *FallbackGateway
	Store    *ConversationStore

	cfg   Config
	creds CredentialProvider
	log   *slog.Logger
}

// New wires a Client. Nothing connects until Connect is called.
func New(cfg Config, creds CredentialProvider, opts ...Option) *Client {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	cfg.defaults()

	connCfg := cfg.Connection
	connCfg.URL = cfg.SocketURL

	bus := NewEventBus(o.logger)
	conn := NewConnectionManager(connCfg, o.logger)
	gw := NewFallbackGateway(cfg.BaseURL, creds, o.httpClient, o.logger)

	c := &Client{
		Bus:   bus,
		Conn:  conn,
		Rooms: NewConversationRegistry(conn, o.logger),
		Messages: NewMessageDispatcher(DispatcherConfig{
			SelfID:        cfg.UserID,
			AckTimeout:    cfg.AckTimeout,
			ReorderWindow: cfg.ReorderWindow,
		}, conn, gw, bus, o.logger),
		Presence: NewPresenceCoordinator(PresenceConfig{
			SelfID:   cfg.UserID,
			Debounce: cfg.TypingDebounce,
			Expiry:   cfg.TypingExpiry,
			IdleStop: cfg.TypingIdleStop,
		}, conn, bus, o.logger),
		Gateway: gw,
		Store:   NewConversationStore(),
		cfg:     cfg,
		creds:   creds,
		log:     o.logger,
	}

	// order matters: rooms rejoin before anything else reacts to a new connection
	conn.onTransition(c.Rooms.handleStateChange)
	conn.onTransition(c.Presence.handleStateChange)
	conn.onTransition(c.Messages.handleStateChange)
	// subscribers may close or reconnect from their handler
	conn.OnStateChange(func(sc StateChange) { bus.Publish(TopicConnectionState, sc) })
	conn.SetInboundHandler(c.route)

	On(bus, TopicMessageReceived, func(ev MessageEvent) {
		c.Store.ApplyMessage(ev.Message, cfg.UserID)
	})
	return c
}

// Connect opens the channel when a credential is available. See
// ConnectionManager.EnsureConnected.
func (c *Client) Connect(ctx context.Context) error {
	return c.Conn.EnsureConnected(ctx, c.creds)
}

// Close disconnects. Pending sends continue over REST.
func (c *Client) Close() {
	c.Conn.Disconnect()
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	return c.Conn.State()
}

// CredentialChanged must be called after sign-in, sign-out or token refresh.
func (c *Client) CredentialChanged(ctx context.Context) error {
	if c.Conn.State() == StateDisconnected {
		return c.Connect(ctx)
	}
	return c.Conn.CredentialChanged(ctx)
}

// Join subscribes to pushes for a conversation.
func (c *Client) Join(ctx context.Context, conversationID string) error {
	return c.Rooms.Join(ctx, conversationID)
}

// Leave unsubscribes from a conversation and cancels its typing timers and listeners.
// Messages still being delivered are not affected.
func (c *Client) Leave(ctx context.Context, conversationID string) {
	c.Rooms.Leave(ctx, conversationID)
	c.Presence.Forget(conversationID)
	c.Messages.Forget(conversationID)
}

// Send delivers a message. See MessageDispatcher.Send.
func (c *Client) Send(ctx context.Context, conversationID, text string, attachments []string) (*Delivery, error) {
	return c.Messages.Send(ctx, conversationID, text, attachments)
}

// Retry resends a failed message.
func (c *Client) Retry(ctx context.Context, tempID string) (*Delivery, error) {
	return c.Messages.Retry(ctx, tempID)
}

// MarkRead marks a conversation read over the channel, or over REST when the channel is
// down, and clears the cached unread count.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errMissingConversation
	}
	if c.Conn.State() == StateConnected {
		err := c.Conn.Emit(ctx, EventMarkRead, conversationID)
		if err == nil {
			c.Store.MarkRead(conversationID)
			return nil
		}
		c.log.Warn("mark_read over channel failed, using REST", "conversation_id", conversationID, "err", err)
	}
	if err := c.Gateway.MarkRead(ctx, conversationID); err != nil {
		return err
	}
	c.Store.MarkRead(conversationID)
	return nil
}

// Conversations refreshes the conversation list from the server.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	convs, err := c.Gateway.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	c.Store.Replace(convs)
	return c.Store.List(), nil
}

// History loads one page of a conversation and merges it into the timeline.
func (c *Client) History(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	p, err := c.Gateway.ListMessages(ctx, conversationID, page, limit)
	if err != nil {
		return nil, err
	}
	c.Messages.Seed(conversationID, p.Messages)
	return p, nil
}

// StartConversation opens a conversation about listings and caches it.
func (c *Client) StartConversation(ctx context.Context, opts StartConversationOptions) (*Conversation, error) {
	conv, err := c.Gateway.StartConversation(ctx, opts)
	if err != nil {
		return nil, err
	}
	c.Store.Upsert(*conv)
	return conv, nil
}

// ============================================================================
// Inbound routing
// ============================================================================

func (c *Client) route(env Envelope) {
	switch env.Event {
	case EventMessageSent, EventNewMessage:
		var msg Message
		if err := env.Decode(&msg); err != nil {
			c.log.Warn("dropping message event", "event", env.Event, "err", err)
			return
		}
		if env.Event == EventMessageSent {
			c.Messages.handleSent(msg)
		} else {
			c.Messages.handleNew(msg)
		}

	case EventUserTyping, EventUserStoppedTyping:
		var tp TypingPayload
		if err := env.Decode(&tp); err != nil {
			c.log.Warn("dropping typing event", "event", env.Event, "err", err)
			return
		}
		c.Presence.handleTyping(tp, env.Event == EventUserTyping)

	case EventConversationUpdated:
		c.conversationUpdated(env)

	case EventServerError:
		var ep ErrorPayload
		if err := env.Decode(&ep); err != nil {
			ep.Message = strings.Trim(string(env.Data), `"`)
		}
		if c.Messages.handleProtocolError(ep) {
			return
		}
		perr := &ProtocolError{Message: ep.Message, TempID: ep.TempID}
		c.log.Error("server error", "err", perr)
		c.Bus.Publish(TopicError, perr)

	default:
		c.log.Debug("ignoring event", "event", env.Event)
	}
}

// conversationUpdated accepts either the full conversation or its bare ID.
func (c *Client) conversationUpdated(env Envelope) {
	update := ConversationUpdate{}
	if bytes.HasPrefix(bytes.TrimSpace(env.Data), []byte(`"`)) {
		id, err := env.ConversationID()
		if err != nil {
			c.log.Warn("dropping conversation update", "err", err)
			return
		}
		update.ConversationID = id
	} else {
		var conv Conversation
		if err := env.Decode(&conv); err != nil || conv.ID == "" {
			c.log.Warn("dropping conversation update", "err", err)
			return
		}
		c.Store.Upsert(conv)
		update.ConversationID = conv.ID
	}

	if conv, ok := c.Store.Get(update.ConversationID); ok {
		update.Conversation = &conv
	}
	c.Bus.Publish(TopicConversationUpdated, update)
}
