package marketchat

import (
	"sort"
	"strings"
	"sync"
)

// ConversationStore is a goroutine-safe cache of the conversation list. The gateway listing
// is authoritative; pushes patch it in between.
type ConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{conversations: make(map[string]*Conversation)}
}

// ── Listing ──────────────────────────────────────────────

// Replace swaps the cache for a fresh listing.
func (s *ConversationStore) Replace(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = make(map[string]*Conversation, len(convs))
	for _, c := range convs {
		c := c.clone()
		s.conversations[c.ID] = &c
	}
}

// Upsert stores c, replacing any cached copy.
func (s *ConversationStore) Upsert(c Conversation) {
	if c.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c.clone()
	s.conversations[c.ID] = &cp
}

func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// List returns the cached conversations, most recent activity first.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	result := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		result = append(result, c.clone())
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].lastActivity(), result[j].lastActivity()
		if !a.Equal(b) {
			return a.After(b)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Search matches the other participant's name, the last message and listing titles,
// case-insensitively.
func (s *ConversationStore) Search(query string) []Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	var results []Conversation
	for _, c := range s.List() {
		if q == "" || c.matches(q) {
			results = append(results, c)
		}
	}
	return results
}

func (c Conversation) matches(q string) bool {
	if c.OtherParticipant != nil && strings.Contains(strings.ToLower(c.OtherParticipant.Name), q) {
		return true
	}
	if c.LastMessage != nil && strings.Contains(strings.ToLower(c.LastMessage.Text), q) {
		return true
	}
	for _, l := range c.Listings {
		if strings.Contains(strings.ToLower(l.Title), q) {
			return true
		}
	}
	return false
}

// ── Patches ──────────────────────────────────────────────

// ApplyMessage records msg as the conversation's last message and counts it as unread
// when someone else sent it. Unknown conversations are ignored until the next listing.
func (s *ConversationStore) ApplyMessage(msg Message, selfID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return false
	}
	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessage.CreatedAt) {
		text := msg.Text
		if text == "" && len(msg.Attachments) > 0 {
			text = "[attachment]"
		}
		c.LastMessage = &MessageSummary{Text: text, CreatedAt: msg.CreatedAt}
	}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	if selfID == "" || msg.SenderID != selfID {
		c.UnreadCount++
	}
	return true
}

// MarkRead zeroes the unread count.
func (s *ConversationStore) MarkRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.UnreadCount = 0
	}
}
