package marketchat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestDispatcher(ch channel, gw messageSender, tune func(*DispatcherConfig)) (*MessageDispatcher, *EventBus) {
	cfg := DispatcherConfig{SelfID: "me", AckTimeout: time.Second, ReorderWindow: -1}
	if tune != nil {
		tune(&cfg)
	}
	bus := NewEventBus(nil)
	return NewMessageDispatcher(cfg, ch, gw, bus, nil), bus
}

func waitDelivery(t *testing.T, d *Delivery) (Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	msg, err := d.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("delivery did not resolve")
	}
	return msg, err
}

func TestSendValidation(t *testing.T) {
	d, _ := newTestDispatcher(newFakeChannel(StateConnected), &fakeSender{}, nil)
	ctx := context.Background()

	if _, err := d.Send(ctx, "", "hi", nil); err == nil {
		t.Error("expected error for missing conversation")
	}
	if _, err := d.Send(ctx, "c1", "   ", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
	if _, err := d.Send(ctx, "c1", "", []string{"https://cdn.example/p.jpg"}); err != nil {
		t.Errorf("attachment-only send rejected: %v", err)
	}
}

func TestSendAcknowledgedOverChannel(t *testing.T) {
	ch := newFakeChannel(StateConnected)
	gw := &fakeSender{}
	d, bus := newTestDispatcher(ch, gw, nil)
	received := record[MessageEvent](bus, TopicMessageReceived)
	statuses := record[StatusEvent](bus, TopicMessageStatus)

	del, err := d.Send(context.Background(), "c1", "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	local := del.Local()
	if !strings.HasPrefix(local.ID, "temp-") || local.TempID != local.ID {
		t.Fatalf("local message ids = %q/%q", local.ID, local.TempID)
	}
	if local.State != DeliveryPending {
		t.Fatalf("local state = %s", local.State)
	}

	sent := ch.payloads(EventSendMessage)
	if len(sent) != 1 {
		t.Fatalf("send_message emitted %d times", len(sent))
	}
	if p := sent[0].(SendMessagePayload); p.TempID != local.TempID || p.Text != "hello" || p.ConversationID != "c1" {
		t.Fatalf("payload = %+v", p)
	}

	d.handleSent(Message{ID: "M100", TempID: local.TempID, ConversationID: "c1", SenderID: "me", Text: "hello", CreatedAt: t0})

	msg, err := waitDelivery(t, del)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if msg.ID != "M100" || msg.TempID != local.TempID || msg.State != DeliveryAcknowledged {
		t.Fatalf("confirmed message = %+v", msg)
	}

	// the room echo of our own message
	d.handleNew(Message{ID: "M100", ConversationID: "c1", SenderID: "me", Text: "hello", CreatedAt: t0})

	if n := received.len(); n != 1 {
		t.Fatalf("message.received fired %d times, want 1", n)
	}
	if gw.calls() != 0 {
		t.Fatal("REST used although the channel acknowledged")
	}
	if len(d.Pending()) != 0 {
		t.Fatal("pending buffer not empty")
	}

	var states []DeliveryState
	for _, s := range statuses.all() {
		states = append(states, s.State)
	}
	want := []DeliveryState{DeliveryPending, DeliverySent, DeliveryAcknowledged}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func TestSendAckTimeoutFallsBackToREST(t *testing.T) {
	ch := newFakeChannel(StateConnected)
	gw := &fakeSender{}
	d, bus := newTestDispatcher(ch, gw, func(c *DispatcherConfig) { c.AckTimeout = 50 * time.Millisecond })
	received := record[MessageEvent](bus, TopicMessageReceived)
	before := testutil.ToFloat64(deliveryFallbacks.WithLabelValues("timeout"))

	del, _ := d.Send(context.Background(), "c1", "hello", nil)
	tempID := del.Local().TempID

	msg, err := waitDelivery(t, del)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if msg.ID != "M101" {
		t.Fatalf("message id = %s, want M101", msg.ID)
	}
	if gw.calls() != 1 {
		t.Fatalf("REST called %d times, want 1", gw.calls())
	}
	if got := testutil.ToFloat64(deliveryFallbacks.WithLabelValues("timeout")) - before; got != 1 {
		t.Fatalf("timeout fallbacks = %v, want 1", got)
	}

	// spurious push and a late ack for the same message
	d.handleNew(Message{ID: "M101", ConversationID: "c1", SenderID: "me", Text: "hello"})
	d.handleSent(Message{ID: "M101", TempID: tempID, ConversationID: "c1", Text: "hello"})

	if n := received.len(); n != 1 {
		t.Fatalf("message.received fired %d times, want 1", n)
	}
}

func TestFirstConfirmationWins(t *testing.T) {
	ch := newFakeChannel(StateConnected)
	release := make(chan struct{})
	gw := &fakeSender{respond: func(conversationID, text string) (*Message, error) {
		<-release
		return &Message{ID: "M100", ConversationID: conversationID, Text: text}, nil
	}}
	d, bus := newTestDispatcher(ch, gw, func(c *DispatcherConfig) { c.AckTimeout = 20 * time.Millisecond })
	received := record[MessageEvent](bus, TopicMessageReceived)

	del, _ := d.Send(context.Background(), "c1", "hello", nil)
	tempID := del.Local().TempID
	waitFor(t, "REST fallback", func() bool { return gw.calls() == 1 })

	d.handleSent(Message{ID: "M100", TempID: tempID, ConversationID: "c1", Text: "hello"})
	msg, err := waitDelivery(t, del)
	if err != nil || msg.ID != "M100" {
		t.Fatalf("Wait = %+v, %v", msg, err)
	}

	close(release)
	time.Sleep(50 * time.Millisecond)
	if n := received.len(); n != 1 {
		t.Fatalf("message.received fired %d times, want 1", n)
	}
}

func TestSendWhileDisconnectedUsesREST(t *testing.T) {
	ch := newFakeChannel(StateReconnecting)
	gw := &fakeSender{}
	d, _ := newTestDispatcher(ch, gw, nil)

	del, _ := d.Send(context.Background(), "c1", "hello", []string{"https://cdn.example/a.jpg"})
	msg, err := waitDelivery(t, del)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if msg.State != DeliveryAcknowledged || len(msg.Attachments) != 1 {
		t.Fatalf("message = %+v", msg)
	}
	if ch.count(EventSendMessage) != 0 {
		t.Fatal("send_message emitted while disconnected")
	}
}

func TestSendEmitErrorFallsBack(t *testing.T) {
	ch := newFakeChannel(StateConnected)
	ch.setErr(errors.New("broken pipe"))
	gw := &fakeSender{}
	d, _ := newTestDispatcher(ch, gw, func(c *DispatcherConfig) { c.AckTimeout = time.Hour })

	del, _ := d.Send(context.Background(), "c1", "hello", nil)
	if _, err := waitDelivery(t, del); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if gw.calls() != 1 {
		t.Fatalf("REST called %d times", gw.calls())
	}
}

func TestDisconnectMovesPendingToREST(t *testing.T) {
	ch := newFakeChannel(StateConnected)
	gw := &fakeSender{}
	d, _ := newTestDispatcher(ch, gw, func(c *DispatcherConfig) { c.AckTimeout = time.Hour })

	del, _ := d.Send(context.Background(), "c1", "hello", nil)
	d.handleStateChange(ch.setState(StateReconnecting))

	if _, err := waitDelivery(t, del); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if gw.calls() != 1 {
		t.Fatalf("REST called %d times", gw.calls())
	}
}

func TestProtocolErrorCorrelation(t *testing.T) {
	ch := newFakeChannel(StateConnected)
	gw := &fakeSender{}
	d, _ := newTestDispatcher(ch, gw, func(c *DispatcherConfig) { c.AckTimeout = time.Hour })

	del, _ := d.Send(context.Background(), "c1", "hello", nil)

	if d.handleProtocolError(ErrorPayload{Message: "unknown", TempID: "temp-nope"}) {
		t.Fatal("uncorrelated error reported as handled")
	}
	if !d.handleProtocolError(ErrorPayload{Message: "rate limited", TempID: del.Local().TempID}) {
		t.Fatal("correlated error not handled")
	}
	if _, err := waitDelivery(t, del); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestDeliveryFailureRetryAndDiscard(t *testing.T) {
	ch := newFakeChannel(StateConnected)
	gw := &fakeSender{respond: func(string, string) (*Message, error) {
		return nil, &GatewayError{Op: "send message", StatusCode: 503, Message: "unavailable"}
	}}
	d, bus := newTestDispatcher(ch, gw, func(c *DispatcherConfig) { c.AckTimeout = 20 * time.Millisecond })
	received := record[MessageEvent](bus, TopicMessageReceived)

	del, _ := d.Send(context.Background(), "c1", "hello", nil)
	tempID := del.Local().TempID

	_, err := waitDelivery(t, del)
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if !errors.Is(err, ErrDeliveryTimeout) {
		t.Fatalf("err = %v, want the ack timeout recorded", err)
	}
	var de *DeliveryError
	if !errors.As(err, &de) || de.TempID != tempID || de.ConversationID != "c1" {
		t.Fatalf("err = %#v", err)
	}
	var ge *GatewayError
	if !errors.As(err, &ge) || ge.StatusCode != 503 {
		t.Fatalf("gateway cause missing: %v", err)
	}

	pending := d.Pending()
	if len(pending) != 1 || pending[0].State != DeliveryFailed {
		t.Fatalf("Pending = %+v", pending)
	}
	if received.len() != 0 {
		t.Fatal("failed message delivered")
	}

	t.Run("retry", func(t *testing.T) {
		gw.mu.Lock()
		gw.respond = nil
		gw.mu.Unlock()
		ch.setState(StateDisconnected)

		del2, err := d.Retry(context.Background(), tempID)
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		msg, err := waitDelivery(t, del2)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if msg.TempID != tempID {
			t.Fatalf("temp id = %s, want %s", msg.TempID, tempID)
		}
		if len(d.Pending()) != 0 {
			t.Fatal("pending buffer not empty after retry")
		}
	})

	t.Run("discard", func(t *testing.T) {
		gw.mu.Lock()
		gw.respond = func(string, string) (*Message, error) { return nil, errors.New("offline") }
		gw.mu.Unlock()

		del, _ := d.Send(context.Background(), "c1", "again", nil)
		if _, err := waitDelivery(t, del); err == nil {
			t.Fatal("expected failure")
		}
		if err := d.Discard(del.Local().TempID); err != nil {
			t.Fatalf("Discard: %v", err)
		}
		if len(d.Pending()) != 0 {
			t.Fatal("discarded message still pending")
		}
		if err := d.Discard("temp-unknown"); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("err = %v, want ErrUnknownMessage", err)
		}
		if _, err := d.Retry(context.Background(), "temp-unknown"); !errors.Is(err, ErrUnknownMessage) {
			t.Fatalf("err = %v, want ErrUnknownMessage", err)
		}
	})
}

func TestAckMatchedByContent(t *testing.T) {
	ch := newFakeChannel(StateConnected)
	d, _ := newTestDispatcher(ch, &fakeSender{}, func(c *DispatcherConfig) { c.AckTimeout = time.Hour })

	first, _ := d.Send(context.Background(), "c1", "ok", nil)
	time.Sleep(time.Millisecond)
	second, _ := d.Send(context.Background(), "c1", "ok", nil)

	d.handleSent(Message{ID: "M1", ConversationID: "c1", SenderID: "me", Text: "ok"})
	msg, err := waitDelivery(t, first)
	if err != nil || msg.ID != "M1" {
		t.Fatalf("first = %+v, %v", msg, err)
	}
	select {
	case <-second.Done():
		t.Fatal("second send settled by the first ack")
	default:
	}

	d.handleNew(Message{ID: "M2", ConversationID: "c1", SenderID: "me", Text: "ok"})
	if msg, err := waitDelivery(t, second); err != nil || msg.ID != "M2" {
		t.Fatalf("second = %+v, %v", msg, err)
	}
}

func TestInboundDeduplication(t *testing.T) {
	d, bus := newTestDispatcher(newFakeChannel(StateConnected), &fakeSender{}, nil)
	received := record[MessageEvent](bus, TopicMessageReceived)
	var direct []MessageEvent
	d.OnMessage("c1", func(ev MessageEvent) { direct = append(direct, ev) })
	before := testutil.ToFloat64(duplicatesSuppressed)

	m := Message{ID: "M7", ConversationID: "c1", SenderID: "u2", Text: "hi", CreatedAt: t0}
	d.handleNew(m)
	d.handleNew(m)

	if received.len() != 1 || len(direct) != 1 {
		t.Fatalf("delivered %d/%d times, want 1", received.len(), len(direct))
	}
	if got := testutil.ToFloat64(duplicatesSuppressed) - before; got != 1 {
		t.Fatalf("duplicates suppressed = %v, want 1", got)
	}
}

func TestInboundOrdering(t *testing.T) {
	d, bus := newTestDispatcher(newFakeChannel(StateConnected), &fakeSender{}, func(c *DispatcherConfig) {
		c.ReorderWindow = 40 * time.Millisecond
	})
	received := record[MessageEvent](bus, TopicMessageReceived)

	d.handleNew(msgAt("m2", 2*time.Second))
	d.handleNew(msgAt("m1", 1*time.Second))
	waitFor(t, "held messages", func() bool { return received.len() == 2 })

	evs := received.all()
	if evs[0].Message.ID != "m1" || evs[0].Index != 0 || evs[1].Message.ID != "m2" || evs[1].Index != 1 {
		t.Fatalf("events = %+v", evs)
	}

	// older than everything already shown
	d.handleNew(msgAt("m0", 0))
	waitFor(t, "late message", func() bool { return received.len() == 3 })
	if ev := received.all()[2]; ev.Message.ID != "m0" || ev.Index != 0 {
		t.Fatalf("late event = %+v, want m0 at index 0", ev)
	}
	if got := ids(d.Timeline("c1")); got != "m0,m1,m2" {
		t.Fatalf("timeline = %s", got)
	}
}

func TestInboundOlderThanFullTimelineNotPublished(t *testing.T) {
	d, bus := newTestDispatcher(newFakeChannel(StateConnected), &fakeSender{}, func(c *DispatcherConfig) {
		c.TimelineLimit = 2
	})
	received := record[MessageEvent](bus, TopicMessageReceived)

	d.handleNew(msgAt("m1", time.Second))
	d.handleNew(msgAt("m2", 2*time.Second))
	d.handleNew(msgAt("m0", 0))

	evs := received.all()
	if len(evs) != 2 || evs[0].Message.ID != "m1" || evs[1].Message.ID != "m2" {
		t.Fatalf("events = %+v, want m1 and m2 only", evs)
	}
	if got := ids(d.Timeline("c1")); got != "m1,m2" {
		t.Fatalf("timeline = %s, want m1,m2", got)
	}

	if evs[0].Index != 0 || evs[1].Index != 1 {
		t.Fatalf("indexes = %d,%d, want 0,1", evs[0].Index, evs[1].Index)
	}

	d.handleNew(msgAt("m0", 0))
	if received.len() != 2 {
		t.Fatal("dropped message published on redelivery")
	}
}

func TestSeedAndForget(t *testing.T) {
	d, bus := newTestDispatcher(newFakeChannel(StateConnected), &fakeSender{}, nil)
	received := record[MessageEvent](bus, TopicMessageReceived)

	d.Seed("c1", []Message{msgAt("m1", time.Second), msgAt("m2", 2*time.Second)})
	d.handleNew(msgAt("m2", 2*time.Second))
	if received.len() != 0 {
		t.Fatal("seeded message delivered again")
	}
	if got := ids(d.Timeline("c1")); got != "m1,m2" {
		t.Fatalf("timeline = %s", got)
	}

	calls := 0
	d.OnMessage("c1", func(MessageEvent) { calls++ })
	d.Forget("c1")
	d.handleNew(msgAt("m3", 3*time.Second))

	if calls != 0 {
		t.Fatal("listener of forgotten conversation called")
	}
	if received.len() != 1 {
		t.Fatal("bus subscribers should still see the message")
	}
	if got := ids(d.Timeline("c1")); got != "m3" {
		t.Fatalf("timeline after forget = %s", got)
	}
}
