package marketchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Credentials
// ============================================================================

// CredentialProvider supplies the bearer token used for the channel handshake and every
// REST call. An empty token with a nil error means the user has no messaging session.
type CredentialProvider interface {
	Credential(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, error)

func (f CredentialFunc) Credential(ctx context.Context) (string, error) { return f(ctx) }

// StaticCredential is a fixed bearer token.
type StaticCredential string

func (s StaticCredential) Credential(context.Context) (string, error) { return string(s), nil }

// ============================================================================
// Configuration
// ============================================================================

// ConnectionConfig configures the persistent channel.
type ConnectionConfig struct {
	URL                  string
	MaxReconnectAttempts int // 0 retries forever
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration // negative disables the heartbeat
	DialTimeout          time.Duration
	ReadLimit            int64
	HTTPClient           *http.Client
}

func (c *ConnectionConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// ConnectionState represents the channel state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// StateChange is passed to state listeners and published on connection.state.
type StateChange struct {
	From ConnectionState
	To   ConnectionState
}

var errSuperseded = errors.New("connection attempt superseded")

// channel is what rooms, messages and presence need from the connection.
type channel interface {
	Emit(ctx context.Context, event string, payload any) error
	State() ConnectionState
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *ConnectionConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay doubles from baseDelay up to maxDelay. A connection that stayed up for a
// minute starts the sequence over.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// ConnectionManager
// ============================================================================

type stateListener struct {
	id uint64
	fn func(StateChange)
}

// ConnectionManager owns the single websocket to the messaging server: credential
// handshake, state transitions, heartbeat and capped-backoff reconnects.
type ConnectionManager struct {
	cfg   ConnectionConfig
	log   *slog.Logger
	recon *reconnector

	// transitionMu serializes state changes with the component hooks so every hook
	// sees transitions in order and exactly once.
	transitionMu sync.Mutex
	hooks        []func(StateChange)

	// notifyMu guards the queue of changes not yet handed to OnStateChange listeners.
	// One goroutine at a time drains it, outside transitionMu.
	notifyMu sync.Mutex
	queued   []StateChange
	draining bool

	mu         sync.Mutex
	state      ConnectionState
	conn       *websocket.Conn
	generation uint64
	stopLoops  context.CancelFunc
	stopRetry  context.CancelFunc
	provider   CredentialProvider
	credential string
	listeners  []stateListener
	nextID     uint64
	inbound    func(Envelope)
}

// NewConnectionManager creates a manager in the disconnected state.
func NewConnectionManager(cfg ConnectionConfig, logger *slog.Logger) *ConnectionManager {
	cfg.defaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ConnectionManager{
		cfg:   cfg,
		log:   logger.With("component", "connection"),
		recon: newReconnector(&cfg),
		state: StateDisconnected,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// onTransition registers a hook run under the transition lock, before any
// OnStateChange listener sees the change. Hooks must not change the state.
func (m *ConnectionManager) onTransition(fn func(StateChange)) {
	m.transitionMu.Lock()
	m.hooks = append(m.hooks, fn)
	m.transitionMu.Unlock()
}

// OnStateChange registers a listener for every transition. Listeners see changes in order,
// exactly once, after the state has been applied; they may call Disconnect,
// EnsureConnected or CredentialChanged. A change made while another goroutine is
// notifying is delivered by that goroutine.
func (m *ConnectionManager) OnStateChange(fn func(StateChange)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, stateListener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.listeners = slices.DeleteFunc(m.listeners, func(l stateListener) bool { return l.id == id })
	}
}

// SetInboundHandler sets the receiver of every decoded inbound envelope. It is called on
// the read goroutine, one envelope at a time.
func (m *ConnectionManager) SetInboundHandler(h func(Envelope)) {
	m.mu.Lock()
	m.inbound = h
	m.mu.Unlock()
}

// EnsureConnected starts a connection when disconnected. Without a credential it stays
// disconnected and returns nil; a failed handshake is retried in the background. The
// returned error is non-nil only when ctx ends while the credential is being fetched.
func (m *ConnectionManager) EnsureConnected(ctx context.Context, provider CredentialProvider) error {
	m.mu.Lock()
	if provider != nil {
		m.provider = provider
	}
	p := m.provider
	m.mu.Unlock()
	if p == nil {
		return nil
	}

	if !m.transition(StateConnecting, allowFrom(StateDisconnected)) {
		return nil
	}

	token, err := m.fetchCredential(ctx, p)
	if ctx.Err() != nil {
		m.transition(StateDisconnected, allowFrom(StateConnecting))
		return ctx.Err()
	}
	if token == "" {
		if err == nil {
			m.log.Debug("no credential, messaging stays inert")
		}
		m.transition(StateDisconnected, allowFrom(StateConnecting))
		return nil
	}

	if err := m.dial(ctx, token); err != nil {
		if errors.Is(err, errSuperseded) {
			return nil
		}
		m.log.Warn("connect failed", "err", err)
		if m.transition(StateReconnecting, allowFrom(StateConnecting)) {
			m.startRetry()
		}
	}
	return nil
}

// Disconnect closes the channel, cancels any scheduled reconnect and moves to
// disconnected. Safe to call repeatedly.
func (m *ConnectionManager) Disconnect() {
	m.mu.Lock()
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	conn := m.conn
	m.conn = nil
	m.generation++
	stop := m.stopLoops
	m.stopLoops = nil
	m.credential = ""
	m.recon.reset()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if stop != nil {
		stop()
	}
	m.transition(StateDisconnected, nil)
}

// CredentialChanged re-reads the credential provider. A live connection that used a
// different token is torn down and re-established with the new one; an empty token
// disconnects.
func (m *ConnectionManager) CredentialChanged(ctx context.Context) error {
	m.mu.Lock()
	p, state, current := m.provider, m.state, m.credential
	m.mu.Unlock()
	if p == nil || state == StateDisconnected {
		return nil
	}

	token, err := m.fetchCredential(ctx, p)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if token != "" {
		if state != StateConnected || token == current {
			// pending attempts read the provider again on their own
			return nil
		}
	}

	m.log.Info("credential changed, re-establishing connection", "has_credential", token != "")
	m.Disconnect()
	if token == "" {
		return nil
	}
	return m.EnsureConnected(ctx, nil)
}

// Emit writes one event to the channel.
func (m *ConnectionManager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	conn, state := m.conn, m.state
	m.mu.Unlock()
	if conn == nil || state != StateConnected {
		return ErrNotConnected
	}

	data, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (m *ConnectionManager) fetchCredential(ctx context.Context, p CredentialProvider) (string, error) {
	if p == nil {
		return "", nil
	}
	token, err := p.Credential(ctx)
	if err != nil {
		m.log.Warn("credential unavailable", "err", err)
		return "", err
	}
	return strings.TrimSpace(token), nil
}

func (m *ConnectionManager) dial(ctx context.Context, token string) error {
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(dialCtx, m.cfg.URL, &websocket.DialOptions{
		HTTPClient: m.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(m.cfg.ReadLimit)

	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateReconnecting {
		m.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return errSuperseded
	}
	m.generation++
	gen := m.generation
	loopCtx, stop := context.WithCancel(context.Background())
	m.conn = conn
	m.stopLoops = stop
	m.credential = token
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.recon.markConnected()
	m.mu.Unlock()

	go m.readLoop(loopCtx, conn, gen)
	if m.cfg.HeartbeatInterval > 0 {
		go m.heartbeatLoop(loopCtx, conn)
	}

	if !m.transition(StateConnected, func(from ConnectionState) bool {
		return m.generation == gen && (from == StateConnecting || from == StateReconnecting)
	}) {
		// torn down between installing the socket and going live
		m.abandon(conn, gen)
		return errSuperseded
	}
	return nil
}

// abandon closes a socket of generation gen that never became the live connection.
func (m *ConnectionManager) abandon(conn *websocket.Conn, gen uint64) {
	m.mu.Lock()
	var stop context.CancelFunc
	if m.conn == conn {
		m.conn = nil
		stop = m.stopLoops
		m.stopLoops = nil
		m.credential = ""
	}
	if m.generation == gen {
		m.generation++
	}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	_ = conn.Close(websocket.StatusNormalClosure, "superseded")
}

func (m *ConnectionManager) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			m.connectionLost(gen, err)
			return
		}

		env, err := decodeEnvelope(data)
		if err != nil {
			m.log.Warn("dropping malformed frame", "err", err)
			continue
		}

		m.mu.Lock()
		h := m.inbound
		m.mu.Unlock()
		if h != nil {
			h(env)
		}
	}
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Warn("heartbeat failed", "err", err)
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// connectionLost handles an unexpected end of the read loop of generation gen.
func (m *ConnectionManager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.generation {
		// torn down on purpose
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.generation++
	if m.stopLoops != nil {
		m.stopLoops()
		m.stopLoops = nil
	}
	m.mu.Unlock()

	m.log.Warn("connection lost", "err", cause)
	m.transition(StateReconnecting, func(from ConnectionState) bool { return from != StateDisconnected })
	m.startRetry()
}

func (m *ConnectionManager) startRetry() {
	m.mu.Lock()
	if m.state != StateReconnecting || m.stopRetry != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.stopRetry = cancel
	m.mu.Unlock()

	go m.retryLoop(ctx)
}

func (m *ConnectionManager) endRetry() {
	m.mu.Lock()
	if m.stopRetry != nil {
		m.stopRetry()
		m.stopRetry = nil
	}
	m.mu.Unlock()
}

func (m *ConnectionManager) retryLoop(ctx context.Context) {
	for {
		m.mu.Lock()
		if !m.recon.shouldReconnect() {
			attempts := m.recon.attempt
			m.mu.Unlock()
			m.log.Error("giving up reconnecting", "attempts", attempts)
			m.endRetry()
			m.transition(StateDisconnected, allowFrom(StateReconnecting))
			return
		}
		delay := m.recon.nextDelay()
		attempt := m.recon.attempt
		p := m.provider
		m.mu.Unlock()

		reconnectAttempts.Inc()
		m.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		token, _ := m.fetchCredential(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if token == "" {
			m.log.Info("credential gone, stopping reconnect")
			m.endRetry()
			m.transition(StateDisconnected, allowFrom(StateReconnecting))
			return
		}

		err := m.dial(ctx, token)
		if err == nil || errors.Is(err, errSuperseded) || ctx.Err() != nil {
			return
		}
		m.log.Warn("reconnect failed", "attempt", attempt, "err", err)
	}
}

// transition moves to state to when allow (evaluated under the state lock) permits it,
// runs the hooks and then notifies listeners. It reports whether a transition happened.
func (m *ConnectionManager) transition(to ConnectionState, allow func(from ConnectionState) bool) bool {
	if !m.apply(to, allow) {
		return false
	}
	m.notify()
	return true
}

func (m *ConnectionManager) apply(to ConnectionState, allow func(from ConnectionState) bool) bool {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	from := m.state
	if from == to || (allow != nil && !allow(from)) {
		m.mu.Unlock()
		return false
	}
	m.state = to
	m.mu.Unlock()

	connectionTransitions.WithLabelValues(string(to)).Inc()
	m.log.Info("connection state changed", "from", from, "to", to)

	change := StateChange{From: from, To: to}
	for _, fn := range m.hooks {
		fn(change)
	}

	// queued under transitionMu so listeners see the order transitions were applied in
	m.notifyMu.Lock()
	m.queued = append(m.queued, change)
	m.notifyMu.Unlock()
	return true
}

// notify drains the change queue unless another goroutine, possibly further up this
// goroutine's stack, is already draining it.
func (m *ConnectionManager) notify() {
	m.notifyMu.Lock()
	if m.draining {
		m.notifyMu.Unlock()
		return
	}
	m.draining = true
	for len(m.queued) > 0 {
		change := m.queued[0]
		m.queued = m.queued[1:]
		m.notifyMu.Unlock()

		m.mu.Lock()
		listeners := slices.Clone(m.listeners)
		m.mu.Unlock()
		for _, l := range listeners {
			l.fn(change)
		}

		m.notifyMu.Lock()
	}
	m.draining = false
	m.notifyMu.Unlock()
}

func allowFrom(states ...ConnectionState) func(ConnectionState) bool {
	return func(from ConnectionState) bool {
		return slices.Contains(states, from)
	}
}
