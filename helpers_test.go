package marketchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects bus payloads of one type.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func record[T any](bus *EventBus, topic string) *recorder[T] {
	r := &recorder[T]{}
	On(bus, topic, func(v T) {
		r.mu.Lock()
		r.items = append(r.items, v)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// ── Fake channel ─────────────────────────────────────────

type emitted struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu     sync.Mutex
	state  ConnectionState
	emits  []emitted
	err    error
	onEmit func(event string, payload any)
}

func newFakeChannel(state ConnectionState) *fakeChannel {
	return &fakeChannel{state: state}
}

func (f *fakeChannel) Emit(_ context.Context, event string, payload any) error {
	f.mu.Lock()
	if f.state != StateConnected {
		f.mu.Unlock()
		return ErrNotConnected
	}
	if f.err != nil {
		err := f.err
		f.mu.Unlock()
		return err
	}
	f.emits = append(f.emits, emitted{event: event, payload: payload})
	hook := f.onEmit
	f.mu.Unlock()
	if hook != nil {
		hook(event, payload)
	}
	return nil
}

func (f *fakeChannel) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(s ConnectionState) StateChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := StateChange{From: f.state, To: s}
	f.state = s
	return c
}

func (f *fakeChannel) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeChannel) count(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.emits {
		if e.event == event {
			n++
		}
	}
	return n
}

func (f *fakeChannel) payloads(event string) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.emits {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

// ── Fake REST sender ─────────────────────────────────────

type fakeSender struct {
	mu      sync.Mutex
	texts   []string
	respond func(conversationID, text string) (*Message, error)
}

func (f *fakeSender) SendMessage(_ context.Context, conversationID, text string, attachments []string) (*Message, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	n := len(f.texts)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(conversationID, text)
	}
	return &Message{
		ID:             fmt.Sprintf("M%d", 100+n),
		ConversationID: conversationID,
		SenderID:       "me",
		Text:           text,
		Attachments:    attachments,
		CreatedAt:      time.Now(),
	}, nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

// ── Websocket + REST test server ─────────────────────────

type testServer struct {
	t   *testing.T
	srv *httptest.Server
	mux *http.ServeMux

	mu         sync.Mutex
	conns      []*websocket.Conn
	tokens     []string
	received   []Envelope
	closed     int
	onEnvelope func(conn *websocket.Conn, env Envelope)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{t: t, mux: http.NewServeMux()}
	ts.mux.HandleFunc("/ws", ts.serveWS)
	ts.srv = httptest.NewServer(ts.mux)
	t.Cleanup(func() {
		ts.dropAll()
		ts.srv.Close()
	})
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
}

func (ts *testServer) serveWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == "rejected" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.tokens = append(ts.tokens, token)
	ts.mu.Unlock()

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ts.mu.Lock()
			ts.closed++
			ts.mu.Unlock()
			return
		}
		env, err := decodeEnvelope(data)
		if err != nil {
			continue
		}
		ts.mu.Lock()
		ts.received = append(ts.received, env)
		hook := ts.onEnvelope
		ts.mu.Unlock()
		if hook != nil {
			hook(conn, env)
		}
	}
}

func (ts *testServer) setHook(h func(conn *websocket.Conn, env Envelope)) {
	ts.mu.Lock()
	ts.onEnvelope = h
	ts.mu.Unlock()
}

// push writes an event to the most recent connection.
func (ts *testServer) push(event string, payload any) {
	ts.t.Helper()
	ts.mu.Lock()
	if len(ts.conns) == 0 {
		ts.mu.Unlock()
		ts.t.Fatal("no connection to push to")
	}
	conn := ts.conns[len(ts.conns)-1]
	ts.mu.Unlock()
	writeEvent(ts.t, conn, event, payload)
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		t.Errorf("encode %s: %v", event, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("push %s: %v", event, err)
	}
}

// dropAll kills every connection without a close handshake.
func (ts *testServer) dropAll() {
	ts.mu.Lock()
	conns := ts.conns
	ts.conns = nil
	ts.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseNow()
	}
}

func (ts *testServer) connections() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.tokens)
}

// closedCount reports how many sockets have ended on the server side.
func (ts *testServer) closedCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.closed
}

func (ts *testServer) lastToken() string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.tokens) == 0 {
		return ""
	}
	return ts.tokens[len(ts.tokens)-1]
}

func (ts *testServer) count(event string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	n := 0
	for _, env := range ts.received {
		if env.Event == event {
			n++
		}
	}
	return n
}

func (ts *testServer) envelopes(event string) []Envelope {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []Envelope
	for _, env := range ts.received {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

// writeResult writes the REST envelope.
func writeResult(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	raw, _ := json.Marshal(data)
	_ = json.NewEncoder(w).Encode(apiResult{OK: status < 300, Data: raw})
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResult{OK: false, Error: &APIError{Code: code, Message: message}})
}
