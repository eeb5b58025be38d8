package marketchat

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error object of the REST envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// apiResult is the generic REST response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

func (r *apiResult) decode(v any) error {
	if r.Data == nil || v == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversations
// ============================================================================

// Participant is the denormalized summary of the other side of a two-party conversation.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"` // "buyer", "seller" or "admin"
}

// MessageSummary is the last-message preview shown in conversation lists.
type MessageSummary struct {
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListingRef points at a marketplace listing a conversation is about.
type ListingRef struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Image string `json:"image,omitempty"`
}

// Conversation is a buyer-seller thread. Created server-side, never deleted by the client.
type Conversation struct {
	ID               string          `json:"id"`
	Participants     []string        `json:"participants"`
	OtherParticipant *Participant    `json:"otherParticipant,omitempty"`
	LastMessage      *MessageSummary `json:"lastMessage,omitempty"`
	UnreadCount      int             `json:"unreadCount"`
	Listings         []ListingRef    `json:"listings,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt,omitempty"`
}

func (c Conversation) lastActivity() time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

func (c Conversation) clone() Conversation {
	out := c
	out.Participants = append([]string(nil), c.Participants...)
	out.Listings = append([]ListingRef(nil), c.Listings...)
	if c.OtherParticipant != nil {
		p := *c.OtherParticipant
		out.OtherParticipant = &p
	}
	if c.LastMessage != nil {
		m := *c.LastMessage
		out.LastMessage = &m
	}
	return out
}

// StartConversationOptions opens (or reuses) a conversation with a participant about listings.
type StartConversationOptions struct {
	ParticipantID string   `json:"participantId"`
	ListingIDs    []string `json:"listingIds,omitempty"`
	Text          string   `json:"text,omitempty"`
}

// ============================================================================
// Messages
// ============================================================================

// DeliveryState tracks an outbound message from optimistic render to server confirmation.
type DeliveryState string

const (
	DeliveryPending      DeliveryState = "pending"
	DeliverySent         DeliveryState = "sent"
	DeliveryAcknowledged DeliveryState = "acknowledged"
	DeliveryFailed       DeliveryState = "failed"
)

// Message is a chat message. Until the server confirms it, ID equals TempID.
type Message struct {
	ID             string        `json:"id"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Text           string        `json:"text"`
	Attachments    []string      `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	State          DeliveryState `json:"-"`
}

func (m Message) clone() Message {
	out := m
	out.Attachments = append([]string(nil), m.Attachments...)
	return out
}

// before orders messages by creation time, then by ID for equal timestamps.
func (m Message) before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

// MessagePage is one page of conversation history.
type MessagePage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	HasMore  bool      `json:"hasMore"`
}

// ============================================================================
// Bus payloads
// ============================================================================

// MessageEvent is published on message.received. Index is the position of the message in the
// conversation's visible tail after insertion; it is below the tail end when an older message
// arrived late.
type MessageEvent struct {
	Message Message
	Index   int
}

// StatusEvent is published on message.status whenever an outbound message changes delivery state.
type StatusEvent struct {
	TempID         string
	ConversationID string
	MessageID      string
	State          DeliveryState
	Err            error
}

// TypingEvent is published on typing.changed.
type TypingEvent struct {
	ConversationID string
	UserID         string
	Typing         bool
}

// ConversationUpdate is published on conversation.updated. Conversation is the cached
// snapshot when the conversation is known locally.
type ConversationUpdate struct {
	ConversationID string
	Conversation   *Conversation
}
