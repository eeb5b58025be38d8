package marketchat

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Channel events (wire contract, names are fixed by the server)
// ============================================================================

const (
	EventJoinConversation  = "join_conversation"
	EventLeaveConversation = "leave_conversation"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventMarkRead          = "mark_read"

	EventMessageSent         = "message_sent"
	EventNewMessage          = "new_message"
	EventUserTyping          = "user_typing"
	EventUserStoppedTyping   = "user_stopped_typing"
	EventConversationUpdated = "conversation_updated"
	EventServerError         = "error"
)

// ============================================================================
// Bus events (what consumers subscribe to)
// ============================================================================

const (
	TopicMessageReceived     = "message.received"
	TopicMessageStatus       = "message.status"
	TopicTypingChanged       = "typing.changed"
	TopicConversationUpdated = "conversation.updated"
	TopicConnectionState     = "connection.state"
	TopicError               = "error"
)

// ============================================================================
// Payloads
// ============================================================================

// Envelope is the frame for every channel event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessagePayload is the data of send_message.
type SendMessagePayload struct {
	ConversationID string   `json:"conversationId"`
	Text           string   `json:"text"`
	Attachments    []string `json:"attachments"`
	TempID         string   `json:"tempId,omitempty"`
}

// TypingPayload is the data of user_typing and user_stopped_typing.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// ErrorPayload is the data of a server error event.
type ErrorPayload struct {
	Message string `json:"message"`
	TempID  string `json:"tempId,omitempty"`
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func decodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing event name")
	}
	return env, nil
}

// Decode unmarshals the event data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

// ConversationID decodes events whose payload is a bare conversation id string.
func (e Envelope) ConversationID() (string, error) {
	var id string
	if err := e.Decode(&id); err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%s: empty conversation id", e.Event)
	}
	return id, nil
}
