package marketchat

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// messageSender is the REST path used when the channel cannot deliver.
type messageSender interface {
	SendMessage(ctx context.Context, conversationID, text string, attachments []string) (*Message, error)
}

// DispatcherConfig tunes delivery and ordering.
type DispatcherConfig struct {
	SelfID        string
	AckTimeout    time.Duration // default 10s
	ReorderWindow time.Duration // default 150ms; negative releases immediately
	SeenCapacity  int
	TimelineLimit int
}

func (c *DispatcherConfig) defaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.ReorderWindow == 0 {
		c.ReorderWindow = 150 * time.Millisecond
	}
	if c.SeenCapacity <= 0 {
		c.SeenCapacity = 2048
	}
	if c.TimelineLimit <= 0 {
		c.TimelineLimit = 500
	}
}

// ============================================================================
// Delivery
// ============================================================================

// Delivery tracks one outbound message until the server confirms it or every path failed.
type Delivery struct {
	local Message
	done  chan struct{}
	once  sync.Once
	msg   Message
	err   error
}

func newDelivery(local Message) *Delivery {
	return &Delivery{local: local.clone(), done: make(chan struct{})}
}

// Local returns the optimistic message to render right away.
func (d *Delivery) Local() Message { return d.local.clone() }

// Done is closed once the delivery is resolved.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait blocks until the delivery resolves or ctx ends. On failure the error is a
// *DeliveryError.
func (d *Delivery) Wait(ctx context.Context) (Message, error) {
	select {
	case <-d.done:
		return d.msg.clone(), d.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (d *Delivery) resolve(msg Message, err error) {
	d.once.Do(func() {
		d.msg = msg
		d.err = err
		close(d.done)
	})
}

// ============================================================================
// MessageDispatcher
// ============================================================================

type deliveryPath string

const (
	pathChannel deliveryPath = "channel"
	pathREST    deliveryPath = "rest"
)

type pendingSend struct {
	msg       Message
	delivery  *Delivery
	timer     *time.Timer
	path      deliveryPath
	startedAt time.Time
	ctx       context.Context
	cause     error
}

type messageListener struct {
	id uint64
	fn func(MessageEvent)
}

// MessageDispatcher sends messages optimistically, reconciles acknowledgments from the
// channel and the REST fallback, and delivers inbound messages once each in order.
type MessageDispatcher struct {
	ch  channel
	gw  messageSender
	bus *EventBus
	log *slog.Logger
	cfg DispatcherConfig

	// emitMu serializes message.received publication. Acquire before mu.
	emitMu sync.Mutex

	mu        sync.Mutex
	pending   map[string]*pendingSend
	seen      *idSet
	timelines map[string]*timeline
	listeners map[string][]messageListener
	nextID    uint64
}

// NewMessageDispatcher creates a dispatcher sending over ch and falling back to gw.
func NewMessageDispatcher(cfg DispatcherConfig, ch channel, gw messageSender, bus *EventBus, logger *slog.Logger) *MessageDispatcher {
	cfg.defaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if bus == nil {
		bus = NewEventBus(logger)
	}
	return &MessageDispatcher{
		ch:        ch,
		gw:        gw,
		bus:       bus,
		log:       logger.With("component", "messages"),
		cfg:       cfg,
		pending:   make(map[string]*pendingSend),
		seen:      newIDSet(cfg.SeenCapacity),
		timelines: make(map[string]*timeline),
		listeners: make(map[string][]messageListener),
	}
}

// Send renders a message optimistically and delivers it over the channel, or over REST when
// the channel is down or does not acknowledge within AckTimeout. Cancelling ctx after Send
// returns does not abort the delivery.
func (m *MessageDispatcher) Send(ctx context.Context, conversationID, text string, attachments []string) (*Delivery, error) {
	if conversationID == "" {
		return nil, errMissingConversation
	}
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}

	tempID := "temp-" + uuid.NewString()
	now := time.Now()
	msg := Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       m.cfg.SelfID,
		Text:           text,
		Attachments:    slices.Clone(attachments),
		CreatedAt:      now,
		State:          DeliveryPending,
	}
	p := &pendingSend{
		msg:       msg,
		delivery:  newDelivery(msg),
		startedAt: now,
		ctx:       context.WithoutCancel(ctx),
	}

	m.mu.Lock()
	m.pending[tempID] = p
	m.mu.Unlock()

	m.log.Debug("sending message", "conversation_id", conversationID, "temp_id", tempID)
	m.publishStatus(msg, nil)
	m.dispatch(p)
	return p.delivery, nil
}

// Retry sends a failed message again under the same temp ID.
func (m *MessageDispatcher) Retry(ctx context.Context, tempID string) (*Delivery, error) {
	m.mu.Lock()
	p, ok := m.pending[tempID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownMessage
	}
	if p.msg.State != DeliveryFailed {
		d := p.delivery
		m.mu.Unlock()
		return d, nil
	}
	p.msg.State = DeliveryPending
	p.cause = nil
	p.path = ""
	p.startedAt = time.Now()
	p.ctx = context.WithoutCancel(ctx)
	p.delivery = newDelivery(p.msg)
	snapshot := p.msg.clone()
	d := p.delivery
	m.mu.Unlock()

	m.log.Info("retrying message", "conversation_id", snapshot.ConversationID, "temp_id", tempID)
	m.publishStatus(snapshot, nil)
	m.dispatch(p)
	return d, nil
}

// Discard drops a failed message from the pending buffer.
func (m *MessageDispatcher) Discard(tempID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pending[tempID]
	if !ok || p.msg.State != DeliveryFailed {
		return ErrUnknownMessage
	}
	delete(m.pending, tempID)
	return nil
}

// Pending returns unconfirmed and failed outbound messages, oldest first.
func (m *MessageDispatcher) Pending() []Message {
	m.mu.Lock()
	entries := make([]*pendingSend, 0, len(m.pending))
	for _, p := range m.pending {
		entries = append(entries, p)
	}
	slices.SortFunc(entries, func(a, b *pendingSend) int { return a.startedAt.Compare(b.startedAt) })
	out := make([]Message, len(entries))
	for i, p := range entries {
		out[i] = p.msg.clone()
	}
	m.mu.Unlock()
	return out
}

// OnMessage registers fn for messages delivered to conversationID.
func (m *MessageDispatcher) OnMessage(conversationID string, fn func(MessageEvent)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[conversationID] = append(m.listeners[conversationID], messageListener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		ls := slices.DeleteFunc(slices.Clone(m.listeners[conversationID]), func(l messageListener) bool { return l.id == id })
		if len(ls) == 0 {
			delete(m.listeners, conversationID)
			return
		}
		m.listeners[conversationID] = ls
	}
}

// Timeline returns the delivered messages of a conversation in order.
func (m *MessageDispatcher) Timeline(conversationID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	tl, ok := m.timelines[conversationID]
	if !ok {
		return nil
	}
	return tl.snapshot()
}

// Seed merges authoritative history into the timeline. Seeded messages are not published
// and their pushes are treated as duplicates.
func (m *MessageDispatcher) Seed(conversationID string, msgs []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tl := m.timelineLocked(conversationID)
	for _, msg := range msgs {
		if msg.ID == "" {
			continue
		}
		m.seen.add(msg.ID)
		tl.insert(msg.clone())
	}
}

// Forget drops listeners, held messages and the timeline of a conversation that was left.
// Outbound messages in flight are unaffected.
func (m *MessageDispatcher) Forget(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.listeners, conversationID)
	if tl, ok := m.timelines[conversationID]; ok {
		tl.stop()
		delete(m.timelines, conversationID)
	}
}

// ============================================================================
// Outbound paths
// ============================================================================

func (m *MessageDispatcher) dispatch(p *pendingSend) {
	tempID := p.msg.TempID

	if m.ch.State() != StateConnected {
		m.mu.Lock()
		p.path = pathREST
		m.mu.Unlock()
		go m.sendViaGateway(tempID)
		return
	}

	m.mu.Lock()
	p.path = pathChannel
	p.timer = time.AfterFunc(m.cfg.AckTimeout, func() {
		m.channelFailed(tempID, "timeout", ErrDeliveryTimeout)
	})
	payload := SendMessagePayload{
		ConversationID: p.msg.ConversationID,
		Text:           p.msg.Text,
		Attachments:    p.msg.Attachments,
		TempID:         tempID,
	}
	if payload.Attachments == nil {
		payload.Attachments = []string{}
	}
	ctx := p.ctx
	m.mu.Unlock()

	emitCtx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
	err := m.ch.Emit(emitCtx, EventSendMessage, payload)
	cancel()
	if err != nil {
		m.channelFailed(tempID, "emit", err)
		return
	}

	m.mu.Lock()
	cur, ok := m.pending[tempID]
	if !ok || cur != p || p.path != pathChannel || p.msg.State != DeliveryPending {
		m.mu.Unlock()
		return
	}
	p.msg.State = DeliverySent
	snapshot := p.msg.clone()
	m.mu.Unlock()
	m.publishStatus(snapshot, nil)
}

// channelFailed moves a channel send to the REST path. Later calls for the same send are
// no-ops, so the two paths never run in parallel.
func (m *MessageDispatcher) channelFailed(tempID, reason string, cause error) {
	m.mu.Lock()
	p, ok := m.pending[tempID]
	if !ok || p.path != pathChannel {
		m.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.path = pathREST
	p.cause = cause
	m.mu.Unlock()

	deliveryFallbacks.WithLabelValues(reason).Inc()
	m.log.Warn("falling back to REST", "temp_id", tempID, "reason", reason, "err", cause)
	go m.sendViaGateway(tempID)
}

func (m *MessageDispatcher) sendViaGateway(tempID string) {
	m.mu.Lock()
	p, ok := m.pending[tempID]
	if !ok || p.path != pathREST {
		m.mu.Unlock()
		return
	}
	msg := p.msg.clone()
	ctx := p.ctx
	m.mu.Unlock()

	durable, err := m.gw.SendMessage(ctx, msg.ConversationID, msg.Text, msg.Attachments)
	if err != nil {
		m.fail(tempID, err)
		return
	}
	m.settle(tempID, *durable, pathREST)
}

// settle is the single confirmation point for both paths. The first confirmation resolves
// the send; a later one only marks its durable ID as seen so its echo is dropped.
func (m *MessageDispatcher) settle(tempID string, durable Message, path deliveryPath) {
	m.mu.Lock()
	p, ok := m.pending[tempID]
	if !ok {
		if durable.ID != "" {
			m.seen.add(durable.ID)
		}
		m.mu.Unlock()
		return
	}
	delete(m.pending, tempID)
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	final := durable.clone()
	if final.ID == "" {
		final.ID = tempID
	}
	if final.ConversationID == "" {
		final.ConversationID = p.msg.ConversationID
	}
	if final.SenderID == "" {
		final.SenderID = p.msg.SenderID
	}
	if final.Text == "" && final.Attachments == nil {
		final.Text = p.msg.Text
		final.Attachments = slices.Clone(p.msg.Attachments)
	}
	if final.CreatedAt.IsZero() {
		final.CreatedAt = p.msg.CreatedAt
	}
	final.TempID = tempID
	final.State = DeliveryAcknowledged
	fresh := m.seen.add(final.ID)
	d := p.delivery
	started := p.startedAt
	m.mu.Unlock()

	messagesDelivered.WithLabelValues(string(path)).Inc()
	ackLatency.Observe(time.Since(started).Seconds())
	m.log.Debug("message confirmed",
		"conversation_id", final.ConversationID, "temp_id", tempID, "message_id", final.ID, "path", path)

	d.resolve(final.clone(), nil)
	m.publishStatus(final, nil)
	if fresh {
		m.deliver(final)
	} else {
		duplicatesSuppressed.Inc()
	}
}

func (m *MessageDispatcher) fail(tempID string, cause error) {
	m.mu.Lock()
	p, ok := m.pending[tempID]
	if !ok || p.msg.State == DeliveryFailed {
		m.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.msg.State = DeliveryFailed
	derr := &DeliveryError{
		TempID:         tempID,
		ConversationID: p.msg.ConversationID,
		Err:            errors.Join(p.cause, cause),
	}
	snapshot := p.msg.clone()
	d := p.delivery
	m.mu.Unlock()

	deliveryFailures.Inc()
	m.log.Error("message delivery failed",
		"conversation_id", snapshot.ConversationID, "temp_id", tempID, "err", cause)

	d.resolve(snapshot, derr)
	m.publishStatus(snapshot, derr)
}

func (m *MessageDispatcher) publishStatus(msg Message, err error) {
	m.bus.Publish(TopicMessageStatus, StatusEvent{
		TempID:         msg.TempID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		State:          msg.State,
		Err:            err,
	})
}

// ============================================================================
// Inbound
// ============================================================================

// handleSent processes message_sent, the server's acknowledgment of our own send.
func (m *MessageDispatcher) handleSent(msg Message) {
	m.mu.Lock()
	tempID := m.matchPendingLocked(msg)
	m.mu.Unlock()

	if tempID == "" {
		m.handleNew(msg)
		return
	}
	m.settle(tempID, msg, pathChannel)
}

// handleNew processes a new_message push.
func (m *MessageDispatcher) handleNew(msg Message) {
	if msg.ID == "" || msg.ConversationID == "" {
		m.log.Warn("dropping message without id or conversation", "message_id", msg.ID)
		return
	}

	m.mu.Lock()
	if m.seen.has(msg.ID) {
		m.mu.Unlock()
		duplicatesSuppressed.Inc()
		m.log.Debug("duplicate message dropped", "conversation_id", msg.ConversationID, "message_id", msg.ID)
		return
	}
	var tempID string
	if msg.TempID != "" || (m.cfg.SelfID != "" && msg.SenderID == m.cfg.SelfID) {
		tempID = m.matchPendingLocked(msg)
	}
	if tempID == "" {
		m.seen.add(msg.ID)
	}
	m.mu.Unlock()

	if tempID != "" {
		m.settle(tempID, msg, pathChannel)
		return
	}
	m.deliver(msg)
}

// matchPendingLocked finds the send an acknowledgment belongs to: by temp ID when the server
// echoes it, otherwise the oldest unconfirmed send with the same conversation and text.
func (m *MessageDispatcher) matchPendingLocked(msg Message) string {
	if msg.TempID != "" {
		if _, ok := m.pending[msg.TempID]; ok {
			return msg.TempID
		}
		return ""
	}

	var best *pendingSend
	for _, p := range m.pending {
		if p.msg.State == DeliveryFailed ||
			p.msg.ConversationID != msg.ConversationID ||
			p.msg.Text != msg.Text {
			continue
		}
		if msg.SenderID != "" && p.msg.SenderID != "" && msg.SenderID != p.msg.SenderID {
			continue
		}
		if best == nil || p.startedAt.Before(best.startedAt) {
			best = p
		}
	}
	if best == nil {
		return ""
	}
	return best.msg.TempID
}

// handleProtocolError routes a server error to the send it names. It reports whether the
// error was correlated.
func (m *MessageDispatcher) handleProtocolError(ep ErrorPayload) bool {
	if ep.TempID == "" {
		return false
	}
	m.mu.Lock()
	p, ok := m.pending[ep.TempID]
	onChannel := ok && p.path == pathChannel
	m.mu.Unlock()
	if !ok {
		return false
	}
	if onChannel {
		m.channelFailed(ep.TempID, "protocol", &ProtocolError{Message: ep.Message, TempID: ep.TempID})
	}
	return true
}

// handleStateChange moves channel sends to REST when the connection goes away, since their
// acknowledgments can no longer arrive.
func (m *MessageDispatcher) handleStateChange(c StateChange) {
	if c.From != StateConnected || c.To == StateConnected {
		return
	}

	m.mu.Lock()
	var ids []string
	for id, p := range m.pending {
		if p.path == pathChannel {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.channelFailed(id, "disconnect", ErrNotConnected)
	}
}

// ============================================================================
// Ordered delivery
// ============================================================================

func (m *MessageDispatcher) timelineLocked(conversationID string) *timeline {
	tl, ok := m.timelines[conversationID]
	if !ok {
		tl = newTimeline(m.cfg.TimelineLimit)
		m.timelines[conversationID] = tl
	}
	return tl
}

// deliver queues msg in the conversation's hold-back buffer. The buffer is released sorted
// after ReorderWindow.
func (m *MessageDispatcher) deliver(msg Message) {
	id := msg.ConversationID

	m.mu.Lock()
	tl := m.timelineLocked(id)
	tl.held = append(tl.held, msg.clone())
	if m.cfg.ReorderWindow < 0 {
		m.mu.Unlock()
		m.flush(id)
		return
	}
	if tl.flush == nil {
		tl.flush = time.AfterFunc(m.cfg.ReorderWindow, func() { m.flush(id) })
	}
	m.mu.Unlock()
}

func (m *MessageDispatcher) flush(conversationID string) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	tl, ok := m.timelines[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	var events []MessageEvent
	for _, msg := range tl.takeHeld() {
		if idx, ok := tl.insert(msg); ok {
			events = append(events, MessageEvent{Message: msg, Index: idx})
		}
	}
	listeners := slices.Clone(m.listeners[conversationID])
	m.mu.Unlock()

	for _, ev := range events {
		m.bus.Publish(TopicMessageReceived, MessageEvent{Message: ev.Message.clone(), Index: ev.Index})
		for _, l := range listeners {
			l.fn(MessageEvent{Message: ev.Message.clone(), Index: ev.Index})
		}
	}
}
