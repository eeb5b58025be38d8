package marketchat

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// PresenceConfig tunes typing indicators.
type PresenceConfig struct {
	SelfID   string
	Debounce time.Duration // minimum gap between typing_start emissions, default 2s
	Expiry   time.Duration // inbound typing flag lifetime, default 5s
	IdleStop time.Duration // automatic typing_stop after no keystrokes, default 3s; negative disables
}

func (c *PresenceConfig) defaults() {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.Expiry <= 0 {
		c.Expiry = 5 * time.Second
	}
	if c.IdleStop == 0 {
		c.IdleStop = 3 * time.Second
	}
}

type outboundTyping struct {
	lastStart time.Time
	active    bool
	idle      *time.Timer
}

type typingKey struct {
	conversationID string
	userID         string
}

type inboundTyping struct {
	expires time.Time
	timer   *time.Timer
}

// PresenceCoordinator debounces our typing signals and tracks who else is typing. Nothing
// here is persisted.
type PresenceCoordinator struct {
	ch  channel
	bus *EventBus
	log *slog.Logger
	cfg PresenceConfig

	mu  sync.Mutex
	out map[string]*outboundTyping
	in  map[typingKey]*inboundTyping
}

// NewPresenceCoordinator creates a coordinator emitting on ch and publishing typing.changed
// on bus.
func NewPresenceCoordinator(cfg PresenceConfig, ch channel, bus *EventBus, logger *slog.Logger) *PresenceCoordinator {
	cfg.defaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if bus == nil {
		bus = NewEventBus(logger)
	}
	return &PresenceCoordinator{
		ch:  ch,
		bus: bus,
		log: logger.With("component", "presence"),
		cfg: cfg,
		out: make(map[string]*outboundTyping),
		in:  make(map[typingKey]*inboundTyping),
	}
}

// NotifyTyping reports a keystroke in conversationID. typing_start is emitted at most once
// per Debounce; typing_stop follows automatically after IdleStop without keystrokes.
// Signals are dropped while the channel is not connected.
func (p *PresenceCoordinator) NotifyTyping(ctx context.Context, conversationID string) {
	if conversationID == "" || p.ch.State() != StateConnected {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.out[conversationID]
	if !ok {
		o = &outboundTyping{}
		p.out[conversationID] = o
	}

	now := time.Now()
	if !o.active || now.Sub(o.lastStart) >= p.cfg.Debounce {
		if err := p.ch.Emit(ctx, EventTypingStart, conversationID); err != nil {
			p.log.Debug("typing_start not sent", "conversation_id", conversationID, "err", err)
			return
		}
		o.active = true
		o.lastStart = now
		typingSignals.WithLabelValues("out", "start").Inc()
	}

	if o.idle != nil {
		o.idle.Stop()
		o.idle = nil
	}
	if p.cfg.IdleStop > 0 {
		o.idle = time.AfterFunc(p.cfg.IdleStop, func() { p.idleStop(conversationID, o) })
	}
}

// NotifyStoppedTyping emits typing_stop when a typing_start is outstanding.
func (p *PresenceCoordinator) NotifyStoppedTyping(ctx context.Context, conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.out[conversationID]
	if !ok || !o.active {
		return
	}
	p.stopLocked(ctx, conversationID, o)
}

func (p *PresenceCoordinator) idleStop(conversationID string, o *outboundTyping) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out[conversationID] != o || !o.active {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.stopLocked(ctx, conversationID, o)
}

func (p *PresenceCoordinator) stopLocked(ctx context.Context, conversationID string, o *outboundTyping) {
	if o.idle != nil {
		o.idle.Stop()
		o.idle = nil
	}
	o.active = false
	o.lastStart = time.Time{}

	if p.ch.State() != StateConnected {
		return
	}
	if err := p.ch.Emit(ctx, EventTypingStop, conversationID); err != nil {
		p.log.Debug("typing_stop not sent", "conversation_id", conversationID, "err", err)
		return
	}
	typingSignals.WithLabelValues("out", "stop").Inc()
}

// IsTyping reports whether userID is typing in conversationID. Expired flags read as false.
func (p *PresenceCoordinator) IsTyping(conversationID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.in[typingKey{conversationID, userID}]
	return ok && time.Now().Before(e.expires)
}

// TypingUsers returns the users currently typing in conversationID, sorted.
func (p *PresenceCoordinator) TypingUsers(conversationID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	var users []string
	for k, e := range p.in {
		if k.conversationID == conversationID && now.Before(e.expires) {
			users = append(users, k.userID)
		}
	}
	slices.Sort(users)
	return users
}

// handleTyping applies user_typing (typing true) or user_stopped_typing.
func (p *PresenceCoordinator) handleTyping(tp TypingPayload, typing bool) {
	if tp.ConversationID == "" || tp.UserID == "" {
		return
	}
	if p.cfg.SelfID != "" && tp.UserID == p.cfg.SelfID {
		return
	}

	key := typingKey{tp.ConversationID, tp.UserID}
	now := time.Now()

	p.mu.Lock()
	prev, had := p.in[key]
	wasTyping := had && now.Before(prev.expires)
	if had {
		prev.timer.Stop()
		delete(p.in, key)
	}
	if typing {
		e := &inboundTyping{expires: now.Add(p.cfg.Expiry)}
		e.timer = time.AfterFunc(p.cfg.Expiry, func() { p.expire(key, e) })
		p.in[key] = e
	}
	p.mu.Unlock()

	if typing {
		typingSignals.WithLabelValues("in", "start").Inc()
	} else {
		typingSignals.WithLabelValues("in", "stop").Inc()
	}
	if typing != wasTyping {
		p.publish(key, typing)
	}
}

func (p *PresenceCoordinator) expire(key typingKey, e *inboundTyping) {
	p.mu.Lock()
	if p.in[key] != e {
		p.mu.Unlock()
		return
	}
	delete(p.in, key)
	p.mu.Unlock()

	typingSignals.WithLabelValues("in", "expired").Inc()
	p.publish(key, false)
}

// handleStateChange drops all typing state when the connection goes away.
func (p *PresenceCoordinator) handleStateChange(c StateChange) {
	if c.From != StateConnected || c.To == StateConnected {
		return
	}

	p.mu.Lock()
	for id, o := range p.out {
		if o.idle != nil {
			o.idle.Stop()
		}
		delete(p.out, id)
	}
	now := time.Now()
	var cleared []typingKey
	for k, e := range p.in {
		e.timer.Stop()
		if now.Before(e.expires) {
			cleared = append(cleared, k)
		}
		delete(p.in, k)
	}
	p.mu.Unlock()

	slices.SortFunc(cleared, func(a, b typingKey) int {
		if a.conversationID != b.conversationID {
			return cmp.Compare(a.conversationID, b.conversationID)
		}
		return cmp.Compare(a.userID, b.userID)
	})
	for _, k := range cleared {
		p.publish(k, false)
	}
}

// Forget cancels every typing timer of a conversation that was left, without emitting.
func (p *PresenceCoordinator) Forget(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if o, ok := p.out[conversationID]; ok {
		if o.idle != nil {
			o.idle.Stop()
		}
		delete(p.out, conversationID)
	}
	for k, e := range p.in {
		if k.conversationID == conversationID {
			e.timer.Stop()
			delete(p.in, k)
		}
	}
}

func (p *PresenceCoordinator) publish(k typingKey, typing bool) {
	p.bus.Publish(TopicTypingChanged, TypingEvent{
		ConversationID: k.conversationID,
		UserID:         k.userID,
		Typing:         typing,
	})
}
