package marketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// FallbackGateway is the REST surface of the messaging backend. It serves history and
// conversation listings, and carries sends when the channel cannot.
type FallbackGateway struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialProvider
	log        *slog.Logger
}

// NewFallbackGateway creates a gateway for baseURL. A nil httpClient gets a 30s timeout.
func NewFallbackGateway(baseURL string, creds CredentialProvider, httpClient *http.Client, logger *slog.Logger) *FallbackGateway {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &FallbackGateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		creds:      creds,
		log:        logger.With("component", "gateway"),
	}
}

// ListConversations returns every conversation of the current user.
func (g *FallbackGateway) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := g.do(ctx, "list conversations", http.MethodGet, "/conversations", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListMessages returns one page of history, oldest first. Page numbering starts at 1.
func (g *FallbackGateway) ListMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error) {
	if conversationID == "" {
		return nil, errMissingConversation
	}
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var raw json.RawMessage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := g.do(ctx, "list messages", http.MethodGet, path, q, nil, &raw); err != nil {
		return nil, err
	}

	result := &MessagePage{Page: page, Limit: limit}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
	case trimmed[0] == '[':
		// some deployments return the bare array
		if err := json.Unmarshal(trimmed, &result.Messages); err != nil {
			return nil, &GatewayError{Op: "list messages", StatusCode: http.StatusOK, Message: "malformed response", Err: err}
		}
		result.HasMore = limit > 0 && len(result.Messages) == limit
	default:
		if err := json.Unmarshal(trimmed, result); err != nil {
			return nil, &GatewayError{Op: "list messages", StatusCode: http.StatusOK, Message: "malformed response", Err: err}
		}
	}
	slices.SortStableFunc(result.Messages, compareMessages)
	return result, nil
}

// SendMessage posts a message and returns its durable form.
func (g *FallbackGateway) SendMessage(ctx context.Context, conversationID, text string, attachments []string) (*Message, error) {
	if conversationID == "" {
		return nil, errMissingConversation
	}
	if attachments == nil {
		attachments = []string{}
	}
	body := map[string]any{"text": text, "attachments": attachments}

	var msg Message
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := g.do(ctx, "send message", http.MethodPost, path, nil, body, &msg); err != nil {
		return nil, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}
	return &msg, nil
}

// StartConversation opens a conversation with a participant, or returns the existing one.
func (g *FallbackGateway) StartConversation(ctx context.Context, opts StartConversationOptions) (*Conversation, error) {
	if opts.ParticipantID == "" {
		return nil, fmt.Errorf("marketchat: participant id is required")
	}
	var conv Conversation
	if err := g.do(ctx, "start conversation", http.MethodPost, "/conversations/start", nil, opts, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// MarkRead marks every message of a conversation as read.
func (g *FallbackGateway) MarkRead(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errMissingConversation
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	return g.do(ctx, "mark read", http.MethodPatch, path, nil, nil, nil)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (g *FallbackGateway) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	token, err := g.token(ctx)
	if err != nil {
		return &GatewayError{Op: op, Err: err}
	}

	u := g.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &GatewayError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return &GatewayError{Op: op, Err: fmt.Errorf("create request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.log.Warn("request failed", "op", op, "err", err)
		return &GatewayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	g.log.Debug("request done", "op", op, "status", resp.StatusCode, "duration", time.Since(start))

	var result apiResult
	decodeErr := json.Unmarshal(data, &result)

	if resp.StatusCode < 200 || resp.StatusCode > 299 || decodeErr != nil || !result.OK {
		gerr := &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && result.Error != nil {
			gerr.Code = result.Error.Code
			gerr.Message = result.Error.Message
			gerr.Err = result.Error
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			gerr.Err = ErrUnauthorized
		case decodeErr != nil:
			gerr.Err = fmt.Errorf("decode response: %w", decodeErr)
		}
		return gerr
	}

	if err := result.decode(out); err != nil {
		return &GatewayError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}
	return nil
}

func (g *FallbackGateway) token(ctx context.Context) (string, error) {
	if g.creds == nil {
		return "", ErrNoCredential
	}
	token, err := g.creds.Credential(ctx)
	if err != nil {
		return "", fmt.Errorf("credential: %w", err)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrNoCredential
	}
	return token, nil
}
