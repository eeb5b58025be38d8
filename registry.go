package marketchat

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ConversationRegistry tracks which conversation rooms the client wants to receive pushes
// for and keeps the server-side membership of the live connection in line with it.
type ConversationRegistry struct {
	ch          channel
	log         *slog.Logger
	emitTimeout time.Duration

	// mu also serializes every join/leave emission.
	mu    sync.Mutex
	rooms map[string]struct{} // wanted
	wire  map[string]struct{} // joined on the current connection
}

// NewConversationRegistry creates an empty registry emitting on ch.
func NewConversationRegistry(ch channel, logger *slog.Logger) *ConversationRegistry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ConversationRegistry{
		ch:          ch,
		log:         logger.With("component", "rooms"),
		emitTimeout: 5 * time.Second,
		rooms:       make(map[string]struct{}),
		wire:        make(map[string]struct{}),
	}
}

// Join subscribes to a conversation room. Joining twice is a no-op; while the channel is
// not connected the join is deferred until it is.
func (r *ConversationRegistry) Join(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errMissingConversation
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms[conversationID] = struct{}{}
	if _, ok := r.wire[conversationID]; ok {
		return nil
	}
	if r.ch.State() != StateConnected {
		r.log.Debug("join deferred", "conversation_id", conversationID)
		return nil
	}
	r.joinLocked(ctx, conversationID)
	return nil
}

// Leave unsubscribes from a conversation room. Leaving a room that was never joined does
// nothing.
func (r *ConversationRegistry) Leave(ctx context.Context, conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[conversationID]; !ok {
		return
	}
	delete(r.rooms, conversationID)

	if _, ok := r.wire[conversationID]; !ok {
		return
	}
	delete(r.wire, conversationID)
	if r.ch.State() != StateConnected {
		return
	}
	if err := r.ch.Emit(ctx, EventLeaveConversation, conversationID); err != nil {
		r.log.Warn("leave failed", "conversation_id", conversationID, "err", err)
	}
}

// Rooms returns the wanted rooms in sorted order.
func (r *ConversationRegistry) Rooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Joined reports whether conversationID is among the wanted rooms.
func (r *ConversationRegistry) Joined(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[conversationID]
	return ok
}

// Subscribed reports whether the room has been joined on the current connection.
func (r *ConversationRegistry) Subscribed(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.wire[conversationID]
	return ok
}

// handleStateChange is registered with the ConnectionManager. A fresh connection has no
// server-side membership, so every entry into connected rejoins the wanted rooms.
func (r *ConversationRegistry) handleStateChange(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.From == StateConnected {
		clear(r.wire)
	}
	if c.To != StateConnected {
		return
	}

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		if _, ok := r.wire[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	if len(ids) > 0 {
		r.log.Info("resubscribing rooms", "count", len(ids))
	}
	for _, id := range ids {
		ctx, cancel := context.WithTimeout(context.Background(), r.emitTimeout)
		r.joinLocked(ctx, id)
		cancel()
	}
}

func (r *ConversationRegistry) joinLocked(ctx context.Context, conversationID string) {
	if err := r.ch.Emit(ctx, EventJoinConversation, conversationID); err != nil {
		r.log.Warn("join failed", "conversation_id", conversationID, "err", err)
		return
	}
	r.wire[conversationID] = struct{}{}
}
