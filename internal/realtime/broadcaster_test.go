package realtime

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/featherbase/featherbase/internal/record"
)

func newTestBroadcaster(t *testing.T, cfg Config) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	t.Cleanup(b.Close)
	return b
}

func recvEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("Channel closed while waiting for event")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_ConnectedFrameFirst(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub := b.Subscribe()

	ev := recvEvent(t, sub)
	if ev.Kind != EventConnected {
		t.Fatalf("Expected connected frame first, got %s", ev.Kind)
	}
	var payload map[string]string
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if payload["clientId"] != sub.ID {
		t.Errorf("Expected clientId %s, got %s", sub.ID, payload["clientId"])
	}
}

func TestBroadcaster_PublishDeliversOnce(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub := b.Subscribe()
	recvEvent(t, sub) // connected

	b.Publish("posts", "create", record.Record{record.FieldID: "abc"})

	ev := recvEvent(t, sub)
	if ev.Kind != EventMessage {
		t.Fatalf("Expected message frame, got %s", ev.Kind)
	}
	var msg Message
	if err := json.Unmarshal(ev.Data, &msg); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if msg.Collection != "posts" || msg.Action != "create" || msg.Data.ID() != "abc" {
		t.Errorf("Unexpected message: %+v", msg)
	}

	// Exactly one frame per publish.
	select {
	case ev := <-sub.Events():
		t.Errorf("Unexpected extra event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	subs := []*Subscriber{b.Subscribe(), b.Subscribe(), b.Subscribe()}
	for _, sub := range subs {
		recvEvent(t, sub)
	}

	b.Publish("posts", "update", record.Record{record.FieldID: "x"})
	for i, sub := range subs {
		if ev := recvEvent(t, sub); ev.Kind != EventMessage {
			t.Errorf("Subscriber %d: expected message, got %s", i, ev.Kind)
		}
	}

	if got := b.Stats().EventsSent; got != 3 {
		t.Errorf("Expected 3 events sent, got %d", got)
	}
}

func TestBroadcaster_BackpressureEvicts(t *testing.T) {
	b := newTestBroadcaster(t, Config{SinkBuffer: 2})
	slow := b.Subscribe() // connected frame occupies one slot

	// One more fills the buffer; the next publish finds it full and
	// evicts the sink.
	b.Publish("posts", "create", record.Record{record.FieldID: "1"})
	b.Publish("posts", "create", record.Record{record.FieldID: "2"})

	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("Expected slow sink evicted, got %d subscribers", got)
	}
	if got := b.Stats().SinksEvicted; got != 1 {
		t.Errorf("Expected 1 eviction, got %d", got)
	}

	// The channel drains its buffered frames and then closes.
	for range slow.Events() {
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := newTestBroadcaster(t, Config{})
	sub := b.Subscribe()
	recvEvent(t, sub)

	b.Unsubscribe(sub.ID)
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("Expected 0 subscribers, got %d", got)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("Expected closed channel after unsubscribe")
	}

	// Unsubscribing twice is a no-op.
	b.Unsubscribe(sub.ID)
}

func TestBroadcaster_UnreadSinkEventuallyEvicted(t *testing.T) {
	b := newTestBroadcaster(t, Config{
		HeartbeatInterval: 5 * time.Millisecond,
		IdleTimeout:       20 * time.Millisecond,
		SinkBuffer:        4,
	})
	sub := b.Subscribe()
	// Never read from sub; pings fill the buffer and the sink is
	// dropped, either as idle or on backpressure.
	_ = sub

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("Expected unread sink evicted, got %d subscribers", got)
	}
}

func TestBroadcaster_HeartbeatKeepsActiveSink(t *testing.T) {
	b := newTestBroadcaster(t, Config{
		HeartbeatInterval: 10 * time.Millisecond,
		IdleTimeout:       time.Minute,
	})
	sub := b.Subscribe()
	recvEvent(t, sub)

	if ev := recvEvent(t, sub); ev.Kind != EventPing {
		t.Errorf("Expected ping frame, got %s", ev.Kind)
	}
	if got := b.SubscriberCount(); got != 1 {
		t.Errorf("Expected sink to survive, got %d subscribers", got)
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(slog.New(slog.NewTextHandler(io.Discard, nil)), Config{})
	sub := b.Subscribe()

	b.Close()
	for range sub.Events() {
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Errorf("Expected 0 subscribers after close, got %d", got)
	}
}
