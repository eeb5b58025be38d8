package marketchat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Emit when the persistent channel is not connected.
	ErrNotConnected = errors.New("marketchat: not connected")
	// ErrNoCredential means no bearer token is available; messaging stays inert.
	ErrNoCredential = errors.New("marketchat: no credential")
	// ErrUnauthorized is wrapped by gateway errors for HTTP 401.
	ErrUnauthorized = errors.New("marketchat: unauthorized")
	// ErrDeliveryTimeout is the cause recorded when a send received no acknowledgment in time.
	ErrDeliveryTimeout = errors.New("marketchat: delivery acknowledgment timed out")
	// ErrDeliveryFailed is matched by every DeliveryError.
	ErrDeliveryFailed = errors.New("marketchat: delivery failed")
	// ErrEmptyMessage rejects a send with neither text nor attachments.
	ErrEmptyMessage = errors.New("marketchat: message has no text or attachments")
	// ErrUnknownMessage is returned by Retry and Discard for temp IDs not in the pending buffer.
	ErrUnknownMessage = errors.New("marketchat: unknown pending message")

	errMissingConversation = errors.New("marketchat: conversation id is required")
)

// DeliveryError reports that a message could not be delivered over either path.
type DeliveryError struct {
	TempID         string
	ConversationID string
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("marketchat: delivery of %s to %s failed: %v", e.TempID, e.ConversationID, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	return []error{ErrDeliveryFailed, e.Err}
}

// ProtocolError is an error event sent by the messaging server.
type ProtocolError struct {
	Message string
	TempID  string
}

func (e *ProtocolError) Error() string {
	return "marketchat: server error: " + e.Message
}

// GatewayError is returned by every failed FallbackGateway call. StatusCode is zero when the
// request never got a response.
type GatewayError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("marketchat: %s: %v", e.Op, e.Err)
	case e.Code != "":
		return fmt.Sprintf("marketchat: %s: HTTP %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("marketchat: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Network reports whether the call failed before any HTTP response was received.
func (e *GatewayError) Network() bool { return e.StatusCode == 0 }
